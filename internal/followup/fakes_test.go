package followup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/docfollow/pkg/logging"
)

type fakeDispatcher struct {
	mu          sync.Mutex
	extractions []ExtractionJob
	bookings    []BookingJob
	err         error
}

func (d *fakeDispatcher) DispatchExtraction(_ context.Context, job ExtractionJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.extractions = append(d.extractions, job)
	return nil
}

func (d *fakeDispatcher) DispatchBooking(_ context.Context, job BookingJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.bookings = append(d.bookings, job)
	return nil
}

func (d *fakeDispatcher) extractionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.extractions)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []Outbound
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg Outbound) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Receipt{}, s.err
	}
	s.sent = append(s.sent, msg)
	return Receipt{Channel: "whatsapp", ProviderMessageID: fmt.Sprintf("SM%d", len(s.sent))}, nil
}

func (s *fakeSender) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Body
	}
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *fakeNotifier) Notify(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *fakeNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, len(n.notices))
	for i, notice := range n.notices {
		out[i] = notice.Kind
	}
	return out
}

type fakeExtractor struct {
	data  map[string]any
	err   error
	delay time.Duration
	seen  []ExtractionInput
}

func (f *fakeExtractor) Extract(ctx context.Context, in ExtractionInput) (map[string]any, error) {
	f.seen = append(f.seen, in)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.data, f.err
}

type fakeDrafter struct {
	draft string
	err   error
}

func (f *fakeDrafter) Draft(context.Context, DraftInput) (string, error) {
	return f.draft, f.err
}

type fakeScheduler struct {
	outcomes []BookingOutcome
	err      error
	requests []BookingRequest
}

func (f *fakeScheduler) Book(_ context.Context, req BookingRequest) (BookingOutcome, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return BookingOutcome{}, f.err
	}
	out := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	return out, nil
}

// conflictStore fails the first n updates with a version conflict.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) Update(ctx context.Context, conv *Conversation, expected int64) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return ErrStorageConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, conv, expected)
}

type harness struct {
	store      *MemoryStore
	dispatcher *fakeDispatcher
	sender     *fakeSender
	notifier   *fakeNotifier
	engine     *Engine

	mu    sync.Mutex
	clock time.Time
	ids   int
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()
	h := &harness{
		store:      NewMemoryStore(),
		dispatcher: &fakeDispatcher{},
		sender:     &fakeSender{},
		notifier:   &fakeNotifier{},
		clock:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	base := []EngineOption{
		WithNotifier(h.notifier),
		WithClock(func() time.Time {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.clock = h.clock.Add(time.Second)
			return h.clock
		}),
		WithIDGenerator(func() string {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ids++
			return fmt.Sprintf("id-%d", h.ids)
		}),
	}
	h.engine = NewEngine(h.store, h.dispatcher, h.sender, logging.Default(), append(base, opts...)...)
	return h
}

func (h *harness) start(t *testing.T, patientID string) *Conversation {
	t.Helper()
	conv, err := h.engine.StartFollowUp(context.Background(), StartRequest{
		PatientID:    patientID,
		DoctorID:     "doc-1",
		FollowUpDate: "2026-03-02",
		Participants: Participants{PatientName: "Asha", PatientPhone: "+15550001111", Diagnosis: "sugar", DoctorName: "Dr. Rao", DoctorEmail: "rao@example.com"},
		Greeting:     "Hello Asha, please share your sugar readings.",
	})
	require.NoError(t, err)
	return conv
}

// toDoctor drives a fresh conversation to AWAITING_DOCTOR with the given draft.
func (h *harness) toDoctor(t *testing.T, conv *Conversation, draft string) *Conversation {
	t.Helper()
	ctx := context.Background()
	got, err := h.engine.HandleEvent(ctx, conv.ID, PatientMessage{ID: "in-" + conv.ID, Text: "fasting 150"})
	require.NoError(t, err)
	got, err = h.engine.HandleEvent(ctx, conv.ID, ExtractionResult{
		ID:    ExtractionEventID(conv.ID, got.ExtractionSeq),
		Seq:   got.ExtractionSeq,
		Data:  map[string]any{"fasting": 150.0},
		Draft: draft,
	})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingDoctor, got.State)
	return got
}

var errBoom = errors.New("boom")
