// Package shutdown runs registered cleanup functions once, in reverse order,
// when the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
)

type namedFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// Handler manages graceful shutdown of the application
type Handler struct {
	mu     sync.Mutex
	funcs  []namedFunc
	once   sync.Once
	done   chan struct{}
	err    error
	logger *logger.Logger
}

func NewHandler(log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		done:   make(chan struct{}),
		logger: log.WithComponent("shutdown"),
	}
}

// RegisterShutdownFunc registers fn to run during shutdown. Functions run in
// reverse registration order so dependents stop before their dependencies.
func (h *Handler) RegisterShutdownFunc(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, namedFunc{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx cancellation. It does
// not run the shutdown functions.
func (h *Handler) WaitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		h.logger.Infow("Received signal, starting graceful shutdown", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Infow("Context cancelled, starting graceful shutdown")
	}
}

// Shutdown runs every registered function once. Later calls return the first
// call's result.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.once.Do(func() {
		defer close(h.done)

		h.mu.Lock()
		funcs := append([]namedFunc(nil), h.funcs...)
		h.mu.Unlock()

		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			f := funcs[i]
			start := time.Now()
			if err := f.fn(ctx); err != nil {
				h.logger.Errorw("Error during shutdown", "step", f.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
				continue
			}
			h.logger.Debugw("Shutdown step complete", "step", f.name, "duration_ms", time.Since(start).Milliseconds())
		}
		h.err = errors.Join(errs...)
	})
	<-h.done
	return h.err
}

// Done returns a channel that's closed when shutdown is complete
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// ShutdownWithTimeout runs Shutdown with a deadline passed to every function.
func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- h.Shutdown(ctx) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
