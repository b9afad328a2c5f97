package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/access"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/api"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/cache"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wpscan HTTP API server",
	Long: `Start the HTTP API server.

Endpoints:
  GET  /health
  POST /api/detect-wordpress        {url}
  POST /api/scan-wordpress          {url}
  GET  /api/scan-wordpress/stream   ?url= (websocket progress)
  POST /api/wpscan/save-scan        {url, scanData}, X-User-ID header
  GET  /api/wpscan/scans            X-User-ID header

Example:
  wpscan serve --port 8080
  wpscan serve --config wpscan.yaml --tls-cert cert.pem --tls-key key.pem
`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	defaults := config.Default().Server
	serveCmd.Flags().Int("port", defaults.Port, "Port to listen on")
	serveCmd.Flags().String("host", defaults.Host, "Host to bind to")
	serveCmd.Flags().String("tls-cert", "", "Path to TLS certificate (optional)")
	serveCmd.Flags().String("tls-key", "", "Path to TLS private key (optional)")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.tls_cert", serveCmd.Flags().Lookup("tls-cert"))
	viper.BindPFlag("server.tls_key", serveCmd.Flags().Lookup("tls-key"))
}

func runServe(cmd *cobra.Command, args []string) error {
	tlsCert, tlsKey := cfg.Server.TLSCert, cfg.Server.TLSKey
	if tlsCert != "" || tlsKey != "" {
		if tlsCert == "" || tlsKey == "" {
			return fmt.Errorf("both --tls-cert and --tls-key must be provided for TLS")
		}
		if _, err := os.Stat(tlsCert); err != nil {
			return fmt.Errorf("TLS cert file not found or not readable: %w", err)
		}
		if _, err := os.Stat(tlsKey); err != nil {
			return fmt.Errorf("TLS key file not found or not readable: %w", err)
		}
	}

	serverLog := log.WithComponent("api-server")
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	handler := shutdown.NewHandler(log)

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	handler.RegisterShutdownFunc("telemetry", func(context.Context) error { return tel.Close() })

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		handler.Shutdown(ctx)
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	handler.RegisterShutdownFunc("database", func(context.Context) error { return store.Close() })

	if cfg.Database.Driver == "sqlite3" {
		serverLog.Warnw("Using SQLite database",
			"warning", "SQLite serializes writes",
			"recommendation", "Use PostgreSQL for production",
		)
	}

	resultCache, err := cache.New(cfg.Redis, log)
	if err != nil {
		handler.Shutdown(ctx)
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	handler.RegisterShutdownFunc("cache", func(context.Context) error { return resultCache.Close() })

	eng, err := newEngine(tel)
	if err != nil {
		handler.Shutdown(ctx)
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := api.NewServer(api.Deps{
		Detector:            eng.detector,
		Scanner:             eng.scanner,
		Store:               store,
		Authorizer:          access.NewGate(store, cfg.Plans, cfg.DefaultPlan, log),
		Cache:               resultCache,
		Telemetry:           tel,
		Security:            cfg.Security,
		AllowPrivateTargets: cfg.HTTP.AllowPrivateIPs,
		Logger:              log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	handler.RegisterShutdownFunc("http-server", server.Shutdown)

	serverErrors := make(chan error, 1)
	go func() {
		serverLog.Infow("HTTP server listening",
			"address", addr,
			"tls", tlsCert != "",
			"config_file", viper.ConfigFileUsed(),
		)

		if tlsCert != "" {
			serverErrors <- server.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	failed := make(chan error, 1)
	go func() {
		if err := <-serverErrors; err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
		stopWaiting()
	}()

	handler.WaitForShutdown(waitCtx)

	if err := handler.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
		serverLog.Errorw("Failed to shutdown gracefully", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	serverLog.Infow("Server shutdown complete")

	select {
	case err := <-failed:
		return fmt.Errorf("server error: %w", err)
	default:
		return nil
	}
}
