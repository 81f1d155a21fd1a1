package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wolfman30/docfollow/internal/reminders"
	"github.com/wolfman30/docfollow/pkg/logging"
)

type stubSweeper struct {
	report reminders.Report
	err    error
	calls  int
}

func (s *stubSweeper) Sweep(context.Context) (reminders.Report, error) {
	s.calls++
	return s.report, s.err
}

func scheduledEvent() events.CloudWatchEvent {
	return events.CloudWatchEvent{ID: "evt-1", Source: "aws.events", DetailType: "Scheduled Event", Time: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
}

func TestHandleReturnsReport(t *testing.T) {
	s := &stubSweeper{report: reminders.Report{Due: 3, Started: 2, Skipped: 1}}
	report, err := handle(context.Background(), s, logging.New("error"), scheduledEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.calls != 1 {
		t.Fatalf("expected one sweep, got %d", s.calls)
	}
	if report.Started != 2 || report.Skipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHandlePropagatesDirectoryFailure(t *testing.T) {
	s := &stubSweeper{err: errors.New("directory unavailable")}
	if _, err := handle(context.Background(), s, logging.New("error"), scheduledEvent()); err == nil {
		t.Fatalf("expected error")
	}
}
