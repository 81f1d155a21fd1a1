package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfman30/docfollow/cmd/mainconfig"
	"github.com/wolfman30/docfollow/internal/app/bootstrap"
	appconfig "github.com/wolfman30/docfollow/internal/config"
	"github.com/wolfman30/docfollow/pkg/logging"
)

func main() {
	cfg, logger := mainconfig.Load()
	logger.Info("starting docfollow API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	app, err := bootstrap.New(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// Background work shares the server's lifetime.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	inProcess := app.InProcessQueue()
	if inProcess {
		logger.Info("running follow-up worker in-process", "workers", cfg.WorkerCount)
		app.Worker.Start(bgCtx)
	}
	if cfg.ReminderInterval > 0 {
		logger.Info("reminder ticker enabled", "interval", cfg.ReminderInterval.String())
		go app.RunReminders(bgCtx, cfg.ReminderInterval)
	}

	srv := newServer(cfg, app.Router())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stopBackground()
	if inProcess {
		app.Worker.Wait()
	}
	return nil
}

// newServer leaves WriteTimeout unset: the doctor feed holds its websocket open.
func newServer(cfg *appconfig.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
