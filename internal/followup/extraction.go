package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/docfollow/pkg/logging"
)

const defaultModelTimeout = 45 * time.Second

// ExtractionRunner performs the AI step for an extraction job outside the
// conversation lock and feeds the outcome back as an ExtractionResult.
type ExtractionRunner struct {
	engine    *Engine
	extractor Extractor
	drafter   Drafter
	timeout   time.Duration
	logger    *logging.Logger
}

// NewExtractionRunner wires the extraction step. timeout bounds each model call.
func NewExtractionRunner(engine *Engine, extractor Extractor, drafter Drafter, timeout time.Duration, logger *logging.Logger) *ExtractionRunner {
	if engine == nil || extractor == nil || drafter == nil {
		panic("followup: extraction runner requires engine, extractor and drafter")
	}
	if timeout <= 0 {
		timeout = defaultModelTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ExtractionRunner{engine: engine, extractor: extractor, drafter: drafter, timeout: timeout, logger: logger}
}

// Run extracts readings from the pending patient batch, drafts a reply and
// applies the result. Jobs superseded by a newer dispatch are skipped.
func (r *ExtractionRunner) Run(ctx context.Context, job ExtractionJob) (*Conversation, error) {
	conv, err := r.engine.Get(ctx, job.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.State != StateAwaitingExtraction || conv.ExtractionSeq != job.Seq {
		r.logger.Info("skipping superseded extraction", "conversation_id", conv.ID, "seq", job.Seq, "current_seq", conv.ExtractionSeq, "state", conv.State)
		return conv, nil
	}

	msgs, atts := conv.PendingPatientBatch()
	result := ExtractionResult{ID: ExtractionEventID(conv.ID, job.Seq), Seq: job.Seq}

	data, err := r.extract(ctx, ExtractionInput{
		ConversationID: conv.ID,
		Diagnosis:      conv.Participants.Diagnosis,
		Messages:       msgs,
		Attachments:    atts,
	})
	if err != nil {
		result.ExtractionError = &Failure{Kind: ClassifyFailure(err), Message: err.Error()}
		r.logger.Warn("extraction failed", "conversation_id", conv.ID, "seq", job.Seq, "kind", result.ExtractionError.Kind, "error", err)
	} else {
		result.Data = data
		draft, err := r.draft(ctx, DraftInput{
			ConversationID: conv.ID,
			PatientName:    conv.Participants.PatientName,
			Diagnosis:      conv.Participants.Diagnosis,
			History:        conv.History,
			Extracted:      data,
		})
		if err != nil {
			result.DraftError = &Failure{Kind: ClassifyFailure(err), Message: err.Error()}
			r.logger.Warn("draft failed", "conversation_id", conv.ID, "seq", job.Seq, "kind", result.DraftError.Kind, "error", err)
		}
		result.Draft = draft
	}

	updated, err := r.engine.HandleEvent(ctx, conv.ID, result)
	if errors.Is(err, ErrInvalidTransition) {
		r.logger.Info("discarding extraction result", "conversation_id", conv.ID, "seq", job.Seq, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("followup: apply extraction result: %w", err)
	}
	return updated, nil
}

func (r *ExtractionRunner) extract(ctx context.Context, in ExtractionInput) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.extractor.Extract(callCtx, in)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, &ExtractionError{Kind: FailureTimeout, Err: err}
	}
	return data, err
}

func (r *ExtractionRunner) draft(ctx context.Context, in DraftInput) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	draft, err := r.drafter.Draft(callCtx, in)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", &DraftError{Kind: FailureTimeout, Err: err}
	}
	return draft, err
}
