package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfman30/docfollow/cmd/mainconfig"
	"github.com/wolfman30/docfollow/internal/app/bootstrap"
)

func main() {
	cfg, logger := mainconfig.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	app, err := bootstrap.New(ctx, cfg, awsConfig, logger)
	if err != nil {
		logger.Error("failed to wire follow-up worker", "error", err)
		os.Exit(1)
	}
	defer app.Close()
	if app.InProcessQueue() {
		logger.Error("no shared queue configured; the API runs the worker in-process")
		os.Exit(1)
	}

	logger.Info("starting follow-up worker", "workers", cfg.WorkerCount, "queue", cfg.FollowUpQueueURL)
	app.Worker.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down follow-up worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		app.Worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("follow-up worker stopped")
	case <-doneCtx.Done():
		logger.Error("follow-up worker shutdown timed out", "error", doneCtx.Err())
	}
}
