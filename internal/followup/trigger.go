package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/docfollow/pkg/logging"
)

const defaultBookingTimeout = 20 * time.Second

// SchedulingTrigger submits stored booking requests to the calendar and feeds
// the outcome back as a SchedulingResult.
type SchedulingTrigger struct {
	engine    *Engine
	scheduler Scheduler
	timeout   time.Duration
	logger    *logging.Logger
}

// NewSchedulingTrigger wires the calendar collaborator.
func NewSchedulingTrigger(engine *Engine, scheduler Scheduler, timeout time.Duration, logger *logging.Logger) *SchedulingTrigger {
	if engine == nil || scheduler == nil {
		panic("followup: scheduling trigger requires engine and scheduler")
	}
	if timeout <= 0 {
		timeout = defaultBookingTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SchedulingTrigger{engine: engine, scheduler: scheduler, timeout: timeout, logger: logger}
}

// Run submits job.Request exactly as stored. A transport failure leaves the
// attempt in flight so Engine.Recover can re-dispatch it.
func (t *SchedulingTrigger) Run(ctx context.Context, job BookingJob) (*Conversation, error) {
	bookCtx, cancel := context.WithTimeout(ctx, t.timeout)
	outcome, err := t.scheduler.Book(bookCtx, job.Request)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("followup: booking attempt %d for %s: %w", job.Attempt, job.ConversationID, err)
	}

	conv, err := t.engine.HandleEvent(ctx, job.ConversationID, SchedulingResult{
		ID:        SchedulingEventID(job.Request.ID, job.Attempt),
		RequestID: job.Request.ID,
		Attempt:   job.Attempt,
		Outcome:   outcome,
	})
	if errors.Is(err, ErrInvalidTransition) {
		t.logger.Info("discarding booking outcome", "conversation_id", job.ConversationID, "outcome", outcome.Kind, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("followup: apply booking outcome: %w", err)
	}
	t.logger.Info("booking outcome applied", "conversation_id", job.ConversationID, "attempt", job.Attempt, "outcome", outcome.Kind)
	return conv, nil
}
