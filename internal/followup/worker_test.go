package followup

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/docfollow/pkg/logging"
)

type stubQueue struct {
	mu      sync.Mutex
	sent    []string
	deleted []string
}

func (s *stubQueue) Send(_ context.Context, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, body)
	return nil
}

func (s *stubQueue) Receive(context.Context, int, int) ([]queueMessage, error) {
	return nil, context.Canceled
}

func (s *stubQueue) Delete(_ context.Context, receiptHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, receiptHandle)
	return nil
}

type recordingJobs struct {
	pending   []*JobRecord
	completed map[string]State
	failed    map[string]JobStatus
}

func newRecordingJobs() *recordingJobs {
	return &recordingJobs{completed: map[string]State{}, failed: map[string]JobStatus{}}
}

func (r *recordingJobs) PutPending(_ context.Context, job *JobRecord) error {
	r.pending = append(r.pending, job)
	return nil
}

func (r *recordingJobs) GetJob(context.Context, string) (*JobRecord, error) {
	return nil, ErrJobNotFound
}

func (r *recordingJobs) MarkCompleted(_ context.Context, jobID string, state State) error {
	r.completed[jobID] = state
	return nil
}

func (r *recordingJobs) MarkFailed(_ context.Context, jobID string, status JobStatus, _ string) error {
	r.failed[jobID] = status
	return nil
}

func TestPublisherEncodesEventJobs(t *testing.T) {
	queue := &stubQueue{}
	jobs := newRecordingJobs()
	publisher := NewPublisher(queue, jobs, logging.Default())

	jobID, err := publisher.EnqueueEvent(context.Background(), "conv-1", PatientMessage{ID: "SM1", Text: "hi"}, WithJobTracking(), WithJobID("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	require.Len(t, queue.sent, 1)
	require.Len(t, jobs.pending, 1)
	assert.Equal(t, KindPatientMessage, jobs.pending[0].EventKind)

	var payload queuePayload
	require.NoError(t, json.Unmarshal([]byte(queue.sent[0]), &payload))
	assert.Equal(t, jobKindEvent, payload.Kind)
	assert.True(t, payload.TrackStatus)
	ev, err := DecodeEvent(*payload.Event)
	require.NoError(t, err)
	assert.Equal(t, PatientMessage{ID: "SM1", Text: "hi"}, ev)

	require.NoError(t, publisher.DispatchExtraction(context.Background(), ExtractionJob{ConversationID: "conv-1", Seq: 3}))
	require.NoError(t, json.Unmarshal([]byte(queue.sent[1]), &payload))
	assert.Equal(t, jobKindExtraction, payload.Kind)
	assert.Equal(t, 3, payload.Extraction.Seq)
	assert.Len(t, jobs.pending, 1, "dispatches are not tracked")
}

func TestWorkerRoutesJobsThroughEngine(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	queue := &stubQueue{}
	jobs := newRecordingJobs()
	publisher := NewPublisher(queue, jobs, logging.Default())

	runner := NewExtractionRunner(h.engine, &fakeExtractor{data: map[string]any{"fasting": 101.0}}, &fakeDrafter{draft: "Looks good."}, time.Second, logging.Default())
	trigger := NewSchedulingTrigger(h.engine, &fakeScheduler{outcomes: []BookingOutcome{{Kind: BookingConfirmed, EventID: "evt"}}}, time.Second, logging.Default())
	worker := NewWorker(h.engine, runner, trigger, queue, jobs, logging.Default())

	_, err := publisher.EnqueueEvent(context.Background(), conv.ID, PatientMessage{ID: "SM1", Text: "fasting 101"}, WithJobTracking(), WithJobID("job-1"))
	require.NoError(t, err)
	worker.handleMessage(context.Background(), queueMessage{ID: "m1", Body: queue.sent[0], ReceiptHandle: "rh-1"})
	assert.Equal(t, StateAwaitingExtraction, jobs.completed["job-1"])
	assert.Equal(t, []string{"rh-1"}, queue.deleted)

	require.Len(t, h.dispatcher.extractions, 1)
	require.NoError(t, publisher.DispatchExtraction(context.Background(), h.dispatcher.extractions[0]))
	worker.handleMessage(context.Background(), queueMessage{ID: "m2", Body: queue.sent[1], ReceiptHandle: "rh-2"})

	got, err := h.engine.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDoctor, got.State)
	assert.Equal(t, "Looks good.", *got.DraftReply)
}

func TestWorkerMarksRejectedEvents(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	queue := &stubQueue{}
	jobs := newRecordingJobs()
	publisher := NewPublisher(queue, jobs, logging.Default())
	runner := NewExtractionRunner(h.engine, &fakeExtractor{}, &fakeDrafter{}, time.Second, logging.Default())
	trigger := NewSchedulingTrigger(h.engine, &fakeScheduler{}, time.Second, logging.Default())
	worker := NewWorker(h.engine, runner, trigger, queue, jobs, logging.Default())

	_, err := publisher.EnqueueEvent(context.Background(), conv.ID, DoctorReply{ID: "r1", Content: "too early"}, WithJobTracking(), WithJobID("job-bad"))
	require.NoError(t, err)
	worker.handleMessage(context.Background(), queueMessage{Body: queue.sent[0], ReceiptHandle: "rh"})

	assert.Equal(t, JobStatusRejected, jobs.failed["job-bad"])

	worker.handleMessage(context.Background(), queueMessage{Body: "{not json", ReceiptHandle: "rh-garbage"})
	assert.Contains(t, queue.deleted, "rh-garbage")
}

// flakyEvents fails the first n events with a storage conflict.
type flakyEvents struct {
	next  eventHandler
	fails int
	calls int
}

func (f *flakyEvents) HandleEvent(ctx context.Context, conversationID string, ev Event) (*Conversation, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, ErrStorageConflict
	}
	return f.next.HandleEvent(ctx, conversationID, ev)
}

func TestWorkerKeepsJobOnTransientFailure(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	queue := &stubQueue{}
	jobs := newRecordingJobs()
	publisher := NewPublisher(queue, jobs, logging.Default())
	runner := NewExtractionRunner(h.engine, &fakeExtractor{}, &fakeDrafter{}, time.Second, logging.Default())
	trigger := NewSchedulingTrigger(h.engine, &fakeScheduler{}, time.Second, logging.Default())
	events := &flakyEvents{next: h.engine, fails: 1}
	worker := NewWorker(events, runner, trigger, queue, jobs, logging.Default())

	_, err := publisher.EnqueueEvent(context.Background(), conv.ID, PatientMessage{ID: "SM9", Text: "fasting 130"}, WithJobTracking(), WithJobID("job-9"))
	require.NoError(t, err)
	msg := queueMessage{ID: "m9", Body: queue.sent[0], ReceiptHandle: "rh-9"}

	worker.handleMessage(context.Background(), msg)
	assert.Empty(t, queue.deleted, "transient failures stay on the queue")
	assert.NotContains(t, jobs.failed, "job-9")

	// Broker redelivery.
	worker.handleMessage(context.Background(), msg)
	assert.Equal(t, []string{"rh-9"}, queue.deleted)
	assert.Equal(t, StateAwaitingExtraction, jobs.completed["job-9"])

	got, err := h.engine.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "fasting 130", got.History[1].Content)
}

func TestWorkerRequeuesThroughMemoryQueue(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	queue := NewMemoryQueue(4)
	jobs := newRecordingJobs()
	publisher := NewPublisher(queue, jobs, logging.Default())
	runner := NewExtractionRunner(h.engine, &fakeExtractor{}, &fakeDrafter{}, time.Second, logging.Default())
	trigger := NewSchedulingTrigger(h.engine, &fakeScheduler{}, time.Second, logging.Default())
	events := &flakyEvents{next: h.engine, fails: 2}
	worker := NewWorker(events, runner, trigger, queue, jobs, logging.Default(), WithRetryDelay(0))

	_, err := publisher.EnqueueEvent(context.Background(), conv.ID, PatientMessage{ID: "SM10", Text: "fasting 128"}, WithJobTracking(), WithJobID("job-10"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msgs, err := queue.Receive(context.Background(), 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "delivery %d", i+1)
		assert.Equal(t, i, msgs[0].Attempts)
		worker.handleMessage(context.Background(), msgs[0])
	}
	assert.Equal(t, 0, queue.Len())
	assert.Equal(t, StateAwaitingExtraction, jobs.completed["job-10"])
}

func TestWorkerGivesUpAfterMemoryQueueRetries(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	queue := NewMemoryQueue(4)
	jobs := newRecordingJobs()
	publisher := NewPublisher(queue, jobs, logging.Default())
	runner := NewExtractionRunner(h.engine, &fakeExtractor{}, &fakeDrafter{}, time.Second, logging.Default())
	trigger := NewSchedulingTrigger(h.engine, &fakeScheduler{}, time.Second, logging.Default())
	events := &flakyEvents{next: h.engine, fails: 100}
	worker := NewWorker(events, runner, trigger, queue, jobs, logging.Default(), WithRetryDelay(0))

	_, err := publisher.EnqueueEvent(context.Background(), conv.ID, PatientMessage{ID: "SM11", Text: "hi"}, WithJobTracking(), WithJobID("job-11"))
	require.NoError(t, err)

	for queue.Len() > 0 {
		msgs, err := queue.Receive(context.Background(), 1, 0)
		require.NoError(t, err)
		worker.handleMessage(context.Background(), msgs[0])
	}
	assert.Equal(t, MemoryQueueMaxAttempts, events.calls)
	assert.Equal(t, JobStatusFailed, jobs.failed["job-11"])
}

func TestWorkerStartStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	queue := NewMemoryQueue(4)
	runner := NewExtractionRunner(h.engine, &fakeExtractor{}, &fakeDrafter{}, time.Second, logging.Default())
	trigger := NewSchedulingTrigger(h.engine, &fakeScheduler{}, time.Second, logging.Default())
	worker := NewWorker(h.engine, runner, trigger, queue, nil, logging.Default(), WithWorkerCount(3), WithReceiveWaitSeconds(1))

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestMemoryQueueBatchesAvailableMessages(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(ctx, body))
	}
	assert.Equal(t, 3, q.Len())

	msgs, err := q.Receive(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = q.Receive(ctx, 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].Body)

	msgs, err = q.Receive(ctx, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
