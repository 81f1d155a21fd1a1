package followup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/docfollow/pkg/logging"
)

func TestExtractionRunnerAppliesReadingsAndDraft(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	_, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientAttachment{
		ID: "MM1", Caption: "glucometer", Attachments: []Attachment{{Ref: "s3://b/MM1/0", ContentType: "image/jpeg"}},
	})
	require.NoError(t, err)

	extractor := &fakeExtractor{data: map[string]any{"fasting": 162.0}}
	runner := NewExtractionRunner(h.engine, extractor, &fakeDrafter{draft: "Your fasting value is high."}, time.Second, logging.Default())

	got, err := runner.Run(context.Background(), h.dispatcher.extractions[0])
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDoctor, got.State)
	assert.Equal(t, map[string]any{"fasting": 162.0}, got.ExtractedData)
	assert.Equal(t, "Your fasting value is high.", *got.DraftReply)

	require.Len(t, extractor.seen, 1)
	assert.Equal(t, "sugar", extractor.seen[0].Diagnosis)
	assert.Equal(t, []Attachment{{Ref: "s3://b/MM1/0", ContentType: "image/jpeg"}}, extractor.seen[0].Attachments)
}

func TestExtractionRunnerTimeoutBecomesPlaceholder(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	_, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: "SM1", Text: "photo incoming"})
	require.NoError(t, err)

	runner := NewExtractionRunner(h.engine, &fakeExtractor{delay: 200 * time.Millisecond}, &fakeDrafter{draft: "unused"}, 10*time.Millisecond, logging.Default())
	got, err := runner.Run(context.Background(), h.dispatcher.extractions[0])
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingDoctor, got.State)
	assert.Nil(t, got.ExtractedData)
	assert.Equal(t, unreadableSubmissionDraft, *got.DraftReply)
}

func TestExtractionRunnerSkipsSupersededJob(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	ctx := context.Background()
	_, err := h.engine.HandleEvent(ctx, conv.ID, PatientMessage{ID: "SM1", Text: "one"})
	require.NoError(t, err)
	_, err = h.engine.HandleEvent(ctx, conv.ID, PatientMessage{ID: "SM2", Text: "two"})
	require.NoError(t, err)

	extractor := &fakeExtractor{data: map[string]any{}}
	runner := NewExtractionRunner(h.engine, extractor, &fakeDrafter{draft: "d"}, time.Second, logging.Default())
	got, err := runner.Run(ctx, h.dispatcher.extractions[0])
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingExtraction, got.State)
	assert.Empty(t, extractor.seen)

	got, err = runner.Run(ctx, h.dispatcher.extractions[1])
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDoctor, got.State)
	require.Len(t, extractor.seen, 1)
	assert.Len(t, extractor.seen[0].Messages, 2)
}
