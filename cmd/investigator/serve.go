package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/server"
	"github.com/jonathan/investigator/internal/server/ratelimit"
)

var (
	serveAddr    string
	serveOffline bool
	serveOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP, SSE and WebSocket server",
	Long: `Start an HTTP server that exposes the investigation lifecycle, read endpoints, event
streams and /metrics. Investigations left running by a previous process are resumed and the
watchdog fails investigations that exceed their time limit.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config, default :8080)")
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "Use canned reasoning responses instead of the Gemini API")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allowed-origin", nil, "Allowed CORS/WebSocket origin (repeatable, default any)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{offline: serveOffline})
	if err != nil {
		return err
	}
	defer a.shutdown()

	if _, err := a.engine.Recover(ctx); err != nil {
		return err
	}
	go func() {
		if err := a.engine.RunWatchdog(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("watchdog stopped", zap.Error(err))
		}
	}()

	addr := a.cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := server.New(
		server.Config{Addr: addr, AllowedOrigins: serveOrigins},
		a.engine, a.store, a.broadcaster,
		server.WithLogger(a.logger.Named("http")),
		server.WithRateLimiter(ratelimit.NewLimiter(ratelimit.LoadConfig())),
	)
	return srv.Start(ctx)
}
