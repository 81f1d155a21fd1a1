package followup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/docfollow/pkg/logging"
)

func TestStartFollowUpSendsGreeting(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")

	assert.Equal(t, StateAwaitingPatient, conv.State)
	require.Len(t, conv.History, 1)
	assert.Equal(t, SenderAgent, conv.History[0].Sender)
	require.NotNil(t, conv.History[0].Delivery)
	assert.Equal(t, DeliverySent, conv.History[0].Delivery.Status)
	assert.Equal(t, "whatsapp", conv.History[0].Delivery.Channel)
	assert.Equal(t, []string{"Hello Asha, please share your sugar readings."}, h.sender.bodies())
	assert.Equal(t, "+15550001111", h.sender.sent[0].To)
}

func TestStartFollowUpEnforcesUniqueness(t *testing.T) {
	h := newHarness(t)
	h.start(t, "p-1")

	_, err := h.engine.StartFollowUp(context.Background(), StartRequest{
		PatientID: "p-1", DoctorID: "doc-1", FollowUpDate: "2026-03-02", Greeting: "again",
	})
	assert.ErrorIs(t, err, ErrDuplicateFollowUp)

	_, err = h.engine.StartFollowUp(context.Background(), StartRequest{
		PatientID: "p-1", DoctorID: "doc-1", FollowUpDate: "2026-03-09", Greeting: "next week",
	})
	assert.ErrorIs(t, err, ErrOpenConversationExists)

	_, err = h.engine.StartFollowUp(context.Background(), StartRequest{
		PatientID: "p-2", DoctorID: "doc-1", FollowUpDate: "03/02/2026", Greeting: "hi",
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPatientAttachmentDispatchesExtraction(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientAttachment{
		ID:          "MM1",
		Caption:     "today's report",
		Attachments: []Attachment{{Ref: "s3://attachments/p-1/MM1/0", ContentType: "image/jpeg"}},
	})
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingExtraction, got.State)
	assert.Equal(t, 1, got.ExtractionSeq)
	require.Len(t, got.RawAttachments, 1)
	require.Len(t, got.History, 2)
	assert.Equal(t, []string{"s3://attachments/p-1/MM1/0"}, got.History[1].Attachments)
	assert.Nil(t, got.History[1].Delivery)
	assert.Equal(t, []ExtractionJob{{ConversationID: conv.ID, Seq: 1}}, h.dispatcher.extractions)
}

func TestRedeliveredEventIsNoop(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	ev := PatientMessage{ID: "SM-dup", Text: "fasting 130"}

	first, err := h.engine.HandleEvent(context.Background(), conv.ID, ev)
	require.NoError(t, err)
	second, err := h.engine.HandleEvent(context.Background(), conv.ID, ev)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, second.History, 2)
	assert.Equal(t, 1, h.dispatcher.extractionCount())
}

func TestInvalidTransitionLeavesConversationUntouched(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")

	_, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "r1", Content: "hello"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateAwaitingPatient, te.State)
	assert.Equal(t, KindDoctorReply, te.Event)

	stored, err := h.store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Version, stored.Version)
	assert.Len(t, stored.History, 1)
}

func TestDoctorApprovesDraftVerbatim(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "Your fasting sugar is above 140. Please repeat the test tomorrow.")

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "r1", DoctorID: "doc-1"})
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingPatient, got.State)
	assert.Nil(t, got.DraftReply)
	last := got.History[len(got.History)-1]
	assert.Equal(t, SenderDoctor, last.Sender)
	assert.Equal(t, "Your fasting sugar is above 140. Please repeat the test tomorrow.", last.Content)
	assert.Equal(t, DeliverySent, last.Delivery.Status)
	assert.Contains(t, h.notifier.kinds(), NoticeDraftReady)
	assert.Equal(t, last.Content, h.sender.bodies()[1])
}

func TestDoctorEditedReplyOverridesDraft(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "draft text")

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "r1", Content: "Please come in on Monday."})
	require.NoError(t, err)
	assert.Equal(t, "Please come in on Monday.", got.History[len(got.History)-1].Content)
}

func TestDoctorReplyFromOtherDoctorIsForbidden(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "draft")

	_, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "r1", DoctorID: "doc-2", Content: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestReusedEventIDFromOtherDoctorIsForbidden(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "draft")

	_, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "reply:1", DoctorID: "doc-1", Content: "Keep going."})
	require.NoError(t, err)

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "reply:1", DoctorID: "doc-intruder"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Nil(t, got)
	got, err = h.engine.HandleEvent(context.Background(), conv.ID, DoctorClose{ID: "reply:1", DoctorID: "doc-intruder"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Nil(t, got)

	// The owner still gets the redelivery no-op.
	got, err = h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "reply:1", DoctorID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPatient, got.State)
}

func TestExtractionFailureProducesPlaceholderDraft(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	in, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: "SM1", Text: "see photo"})
	require.NoError(t, err)

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, ExtractionResult{
		ID:              ExtractionEventID(conv.ID, in.ExtractionSeq),
		Seq:             in.ExtractionSeq,
		ExtractionError: &Failure{Kind: FailureTimeout, Message: "deadline exceeded"},
	})
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingDoctor, got.State)
	assert.Nil(t, got.ExtractedData)
	require.NotNil(t, got.DraftReply)
	assert.Equal(t, unreadableSubmissionDraft, *got.DraftReply)
}

func TestDraftFailureKeepsExtractedData(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	in, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: "SM1", Text: "fasting 118"})
	require.NoError(t, err)

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, ExtractionResult{
		ID:         ExtractionEventID(conv.ID, in.ExtractionSeq),
		Seq:        in.ExtractionSeq,
		Data:       map[string]any{"fasting": 118.0},
		DraftError: &Failure{Kind: FailureModelError},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fasting": 118.0}, got.ExtractedData)
	assert.Equal(t, draftUnavailableDraft, *got.DraftReply)
}

func TestLatestExtractionWins(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, conv.ID, PatientAttachment{ID: "MM1", Attachments: []Attachment{{Ref: "ref-1"}}})
	require.NoError(t, err)
	second, err := h.engine.HandleEvent(ctx, conv.ID, PatientAttachment{ID: "MM2", Attachments: []Attachment{{Ref: "ref-2"}}})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingExtraction, second.State)
	assert.Equal(t, 2, second.ExtractionSeq)

	stale, err := h.engine.HandleEvent(ctx, conv.ID, ExtractionResult{ID: ExtractionEventID(conv.ID, 1), Seq: 1, Data: map[string]any{"a": 1.0}, Draft: "old"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingExtraction, stale.State)
	assert.Nil(t, stale.DraftReply)

	latest, err := h.engine.HandleEvent(ctx, conv.ID, ExtractionResult{ID: ExtractionEventID(conv.ID, 2), Seq: 2, Data: map[string]any{"b": 2.0}, Draft: "new"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDoctor, latest.State)
	assert.Equal(t, "new", *latest.DraftReply)
	assert.Len(t, h.dispatcher.extractions, 2)
}

func TestPatientMessageDuringReviewSupersedesDraft(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	reviewed := h.toDoctor(t, conv, "draft")

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: "SM-late", Text: "also my post-lunch was 210"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingExtraction, got.State)
	assert.Nil(t, got.DraftReply)
	assert.Equal(t, reviewed.ExtractionSeq+1, got.ExtractionSeq)
}

func TestPatientMessageDuringSchedulingOnlyAppends(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "draft")
	_, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "r1", Content: "Let's meet", Closing: true})
	require.NoError(t, err)
	before := h.dispatcher.extractionCount()

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: "SM-x", Text: "ok thanks"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingScheduling, got.State)
	assert.Equal(t, "ok thanks", got.History[len(got.History)-1].Content)
	assert.Equal(t, before, h.dispatcher.extractionCount())
}

func TestSendFailureMarksUndeliveredWithoutRevert(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "draft")
	h.sender.err = &SendError{Channel: "whatsapp", Err: errBoom}

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, DoctorReply{ID: "r1", Content: "Please recheck"})
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingPatient, got.State)
	last := got.History[len(got.History)-1]
	require.NotNil(t, last.Delivery)
	assert.Equal(t, DeliveryUndelivered, last.Delivery.Status)
	assert.Equal(t, "whatsapp", last.Delivery.Channel)
	assert.Contains(t, h.notifier.kinds(), NoticeUndelivered)
}

func TestClosingReplyBooksThroughTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "draft")

	window := &Window{Start: time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)}
	got, err := h.engine.HandleEvent(ctx, conv.ID, DoctorReply{ID: "r-close", Content: "See you in clinic", Closing: true, Availability: window})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingScheduling, got.State)
	require.NotNil(t, got.PendingBooking)
	assert.True(t, got.BookingRequested)
	require.Len(t, h.dispatcher.bookings, 1)
	assert.Equal(t, 1, h.dispatcher.bookings[0].Attempt)
	assert.Equal(t, window, h.dispatcher.bookings[0].Request.Window)

	start := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	scheduler := &fakeScheduler{outcomes: []BookingOutcome{
		{Kind: BookingNotAuthorized, AuthURL: "https://accounts.google.com/o/oauth2/auth?state=doc-1"},
		{Kind: BookingConfirmed, EventID: "evt-1", Start: start},
	}}
	trigger := NewSchedulingTrigger(h.engine, scheduler, time.Second, logging.Default())

	parked, err := trigger.Run(ctx, h.dispatcher.bookings[0])
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingScheduling, parked.State)
	assert.Equal(t, BookingNotAuthorized, parked.PendingBooking.LastOutcome)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/auth?state=doc-1", parked.PendingBooking.AuthURL)
	assert.Contains(t, h.notifier.kinds(), NoticeAuthorizationRequired)

	resumed, err := h.engine.ResumeBookingsForDoctor(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	require.Len(t, h.dispatcher.bookings, 2)
	assert.Equal(t, 2, h.dispatcher.bookings[1].Attempt)

	closed, err := trigger.Run(ctx, h.dispatcher.bookings[1])
	require.NoError(t, err)
	assert.Equal(t, StateClosed, closed.State)
	assert.Equal(t, "evt-1", closed.BookingEventID)
	last := closed.History[len(closed.History)-1]
	assert.Equal(t, SenderAgent, last.Sender)
	assert.Contains(t, last.Content, "Dr. Rao")
	assert.Equal(t, DeliverySent, last.Delivery.Status)

	require.Len(t, scheduler.requests, 2)
	assert.Equal(t, scheduler.requests[0], scheduler.requests[1])

	again, err := h.engine.HandleEvent(ctx, conv.ID, SchedulingResult{
		ID: SchedulingEventID(scheduler.requests[1].ID, 2), RequestID: scheduler.requests[1].ID, Attempt: 2,
		Outcome: BookingOutcome{Kind: BookingConfirmed, EventID: "evt-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, closed.Version, again.Version)
}

func TestSchedulingTransportErrorLeavesAttemptInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.start(t, "p-1")
	h.toDoctor(t, conv, "draft")
	_, err := h.engine.HandleEvent(ctx, conv.ID, DoctorReply{ID: "r1", Content: "bye", Closing: true})
	require.NoError(t, err)

	trigger := NewSchedulingTrigger(h.engine, &fakeScheduler{err: errBoom}, time.Second, logging.Default())
	_, err = trigger.Run(ctx, h.dispatcher.bookings[0])
	require.ErrorIs(t, err, errBoom)

	n, err := h.engine.Recover(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.dispatcher.bookings, 2)
	assert.Equal(t, h.dispatcher.bookings[0], h.dispatcher.bookings[1])
}

func TestClosedConversationRejectsEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.start(t, "p-1")
	in, err := h.engine.HandleEvent(ctx, conv.ID, PatientMessage{ID: "SM1", Text: "hi"})
	require.NoError(t, err)

	closed, err := h.engine.HandleEvent(ctx, conv.ID, DoctorClose{ID: "c1", DoctorID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, closed.State)
	sentBefore := len(h.sender.bodies())

	_, err = h.engine.HandleEvent(ctx, conv.ID, ExtractionResult{ID: ExtractionEventID(conv.ID, in.ExtractionSeq), Seq: in.ExtractionSeq, Draft: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.engine.HandleEvent(ctx, conv.ID, PatientMessage{ID: "SM2", Text: "hello?"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.engine.HandleEvent(ctx, conv.ID, DoctorClose{ID: "c2"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, sentBefore, len(h.sender.bodies()))
}

func TestConcurrentPatientMessagesAreSerialized(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: fmt.Sprintf("SM%d", i), Text: "reading"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := h.engine.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, n+1)
	assert.Equal(t, n, got.ExtractionSeq)
	assert.Equal(t, conv.Version+n, got.Version)
}

func TestVersionConflictsAreRetried(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	dispatcher := &fakeDispatcher{}
	engine := NewEngine(store, dispatcher, &fakeSender{}, logging.Default(), WithConflictRetries(2))
	ctx := context.Background()

	conv, err := engine.StartFollowUp(ctx, StartRequest{PatientID: "p-1", DoctorID: "doc-1", FollowUpDate: "2026-03-02", Greeting: "hi"})
	require.NoError(t, err)

	store.mu.Lock()
	store.conflicts = 2
	store.mu.Unlock()
	got, err := engine.HandleEvent(ctx, conv.ID, PatientMessage{ID: "SM1", Text: "ok"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingExtraction, got.State)

	store.mu.Lock()
	store.conflicts = 10
	store.mu.Unlock()
	_, err = engine.HandleEvent(ctx, conv.ID, PatientMessage{ID: "SM2", Text: "again"})
	assert.ErrorIs(t, err, ErrStorageConflict)

	stored, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.History, 2)
}

func TestRecoverRedispatchesStalledExtraction(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	_, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: "SM1", Text: "hi"})
	require.NoError(t, err)

	n, err := h.engine.Recover(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, h.dispatcher.extractionCount())
	assert.Equal(t, h.dispatcher.extractions[0], h.dispatcher.extractions[1])
}

// commitUnsent appends an outbound entry as if the process died between the
// commit and the send.
func commitUnsent(t *testing.T, h *harness, conversationID, body string) {
	t.Helper()
	ctx := context.Background()
	stored, err := h.store.Get(ctx, conversationID)
	require.NoError(t, err)
	stored.History = append(stored.History, Message{Sender: SenderDoctor, Content: body, Timestamp: stored.UpdatedAt, Delivery: &Delivery{Status: DeliveryPending}})
	require.NoError(t, h.store.Update(ctx, stored, stored.Version))
}

func TestRecoverResendsUnrecordedDelivery(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	commitUnsent(t, h, conv.ID, "Please recheck tomorrow.")

	n, err := h.engine.Recover(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.engine.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.History[1].Delivery)
	assert.Equal(t, DeliverySent, got.History[1].Delivery.Status)
	require.Len(t, h.sender.sent, 2)
	assert.Equal(t, "Please recheck tomorrow.", h.sender.sent[1].Body)
	assert.Equal(t, conv.ID+":1", h.sender.sent[1].IdempotencyKey)

	n, err = h.engine.Recover(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.sender.sent, 2)
}

func TestRecoverMarksFailedResendUndelivered(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	commitUnsent(t, h, conv.ID, "Please recheck tomorrow.")
	h.sender.err = &SendError{Channel: "sms", Err: errBoom}

	_, err := h.engine.Recover(context.Background(), 0, 10)
	require.NoError(t, err)

	got, err := h.engine.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryUndelivered, got.History[1].Delivery.Status)
	assert.Contains(t, h.notifier.kinds(), NoticeUndelivered)
}

func TestRecoverLeavesRecentPendingDeliveryAlone(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	commitUnsent(t, h, conv.ID, "In flight.")

	n, err := h.engine.Recover(context.Background(), time.Hour, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.sender.sent, 1)
}

func TestDispatchFailureStillCommitsPatientContent(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	h.dispatcher.err = errBoom

	got, err := h.engine.HandleEvent(context.Background(), conv.ID, PatientMessage{ID: "SM1", Text: "fasting 99"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingExtraction, got.State)
	assert.Equal(t, "fasting 99", got.History[1].Content)
}

func TestResumeBookingOutsideSchedulingIsRejected(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t, "p-1")
	_, err := h.engine.ResumeBooking(context.Background(), conv.ID, "doc-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHandleEventUnknownConversation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.HandleEvent(context.Background(), "missing", PatientMessage{ID: "SM1", Text: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}
