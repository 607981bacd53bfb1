package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/urfave/cli/v3"

	"github.com/example/driver-dispatch/internal/config"
	httpapi "github.com/example/driver-dispatch/internal/http"
)

// RunAction starts the driver agent and its control API, optionally going
// online immediately, and blocks until ctx is cancelled.
func RunAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadAgentConfig(cmd.String("env"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	route, err := ParseRoute(cmd.String("simulate-route"))
	if err != nil {
		return err
	}

	agent, err := NewAgent(ctx, cfg, route)
	if err != nil {
		return err
	}
	defer agent.Close()
	logger := agent.Logger

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(agent.Session, logger, httpapi.WithControlToken(cfg.ControlToken)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cmd.Bool("online") {
		if err := agent.Session.GoOnline(ctx); err != nil {
			logger.Error("go online failed", "err", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control api shutdown", "err", err)
	}
	agent.Session.Close(shutdownCtx)
	return nil
}
