package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/docfollow/cmd/mainconfig"
	"github.com/wolfman30/docfollow/internal/app/bootstrap"
	"github.com/wolfman30/docfollow/internal/reminders"
	"github.com/wolfman30/docfollow/pkg/logging"
)

type sweeper interface {
	Sweep(ctx context.Context) (reminders.Report, error)
}

func main() {
	cfg, logger := mainconfig.Load()
	ctx := context.Background()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	app, err := bootstrap.New(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to wire reminder sweep", "error", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (reminders.Report, error) {
		return handle(ctx, app.Sweeper, logger, evt)
	})
}

// handle runs one sweep per scheduled invocation. Per-patient failures are
// in the report; only a failed directory read fails the invocation.
func handle(ctx context.Context, s sweeper, logger *logging.Logger, evt events.CloudWatchEvent) (reminders.Report, error) {
	logger.Info("reminder sweep triggered", "event_id", evt.ID, "source", evt.Source, "time", evt.Time)
	report, err := s.Sweep(ctx)
	if err != nil {
		logger.Error("reminder sweep failed", "error", err)
		return report, err
	}
	logger.Info("reminder sweep finished",
		"due", report.Due,
		"started", report.Started,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"recovered", report.Recovered,
		"archived", report.Archived,
	)
	return report, nil
}
