package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elicit-dev/elicit/internal/api"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the interview API over HTTP",
	Long: `Serve the interview operations over HTTP.

Callers identify themselves with the X-User-ID header. On SIGINT or SIGTERM the
server stops accepting requests, drains in-flight ones, and flushes every
active session into its user's durable profile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			appCfg.Server.Addr = listenAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		unlock, err := lockDataDir("elicit serve")
		if err != nil {
			return err
		}
		defer unlock()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:         appCfg.Server.Addr,
			Handler:      api.NewServer(a.service, a.tracker, store, logger.Named("http")).Handler(),
			ReadTimeout:  appCfg.Server.ReadTimeout,
			WriteTimeout: appCfg.Server.WriteTimeout,
			IdleTimeout:  2 * time.Minute,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
			stop()
		}

		logger.Info("shutting down", zap.Int("active_sessions", a.registry.Len()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
		if err := a.registry.CloseAll(shutdownCtx); err != nil {
			return fmt.Errorf("failed to flush sessions: %w", err)
		}

		logger.Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
