package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

const (
	streamWriteTimeout = 10 * time.Second

	eventProgress = "progress"
	eventResult   = "result"
	eventError    = "error"
)

type streamEvent struct {
	Type    string            `json:"type"`
	Phase   types.ScanPhase   `json:"phase,omitempty"`
	Message string            `json:"message,omitempty"`
	Data    *types.ScanResult `json:"data,omitempty"`
}

func (h *handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(h.security.AllowedOrigins, origin)
		},
	}
}

// scanStream runs a scan and pushes phase changes over a websocket, followed
// by a single result or error event. Closing the socket cancels the scan.
func (h *handlers) scanStream(c *gin.Context) {
	target := c.Query("url")
	if _, err := validation.ValidateURLWithOptions(target, h.urlOpts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.requestLog(c).Debugw("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	log := h.requestLog(c)

	// The client sends nothing; reading surfaces its close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan streamEvent, 16)
	go func() {
		defer close(events)
		result, err := h.scanner.ScanWithProgress(ctx, target, func(phase types.ScanPhase, message string) {
			select {
			case events <- streamEvent{Type: eventProgress, Phase: phase, Message: message}:
			case <-ctx.Done():
			}
		})
		final := streamEvent{Type: eventResult, Data: result}
		if err != nil {
			final = streamEvent{Type: eventError, Message: streamErrorMessage(target, err)}
		}
		select {
		case events <- final:
		case <-ctx.Done():
		}
	}()

	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debugw("Websocket write failed", "error", err)
			cancel()
			continue
		}
		if ev.Type == eventResult && ev.Data != nil {
			if err := h.cache.SetScan(ctx, target, ev.Data); err != nil {
				log.Warnw("Scan cache write failed", "error", err)
			}
		}
	}

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func streamErrorMessage(target string, err error) string {
	switch {
	case errors.Is(err, validation.ErrInvalidURL):
		return err.Error()
	case errors.Is(err, wordpress.ErrTargetUnreachable):
		return "Could not reach " + target
	case errors.Is(err, context.Canceled):
		return "Scan cancelled"
	default:
		return "Scan failed"
	}
}
