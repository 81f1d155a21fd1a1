package assistant

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/observability/metrics"
)

var tracer = otel.Tracer("docfollow.assistant")

const (
	opExtract = "extract"
	opDraft   = "draft"
)

// classify maps a model call failure onto the follow-up failure kinds.
func classify(ctx context.Context, err error) followup.FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return followup.FailureTimeout
	case errors.Is(err, ErrUnsupportedContent), errors.Is(err, ErrAttachmentTooLarge):
		return followup.FailureInvalidInput
	default:
		return followup.FailureModelError
	}
}

// complete runs one model call with tracing and metrics. The outcome label is
// "ok" or the failure kind.
func complete(ctx context.Context, client LLMClient, m *metrics.AssistantMetrics, op string, req LLMRequest) (LLMResponse, followup.FailureKind, error) {
	ctx, span := tracer.Start(ctx, "assistant."+op)
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model), attribute.Int("llm.blobs", len(req.Blobs)))

	start := time.Now()
	resp, err := client.Complete(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		kind := classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		m.ObserveCall(op, string(kind), elapsed)
		return LLMResponse{}, kind, err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", int(resp.Usage.InputTokens)),
		attribute.Int("llm.output_tokens", int(resp.Usage.OutputTokens)),
	)
	m.ObserveCall(op, "ok", elapsed)
	return resp, "", nil
}
