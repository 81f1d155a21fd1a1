package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/docfollow/internal/observability/metrics"
	"github.com/wolfman30/docfollow/pkg/logging"
)

const (
	defaultConflictRetries = 3
	defaultSendTimeout     = 15 * time.Second
)

// Engine is the single entry point for conversation state changes. Every
// mutation runs under the conversation lock and commits with a version check;
// side effects run only after the commit succeeded.
type Engine struct {
	store      Store
	locker     Locker
	dispatcher Dispatcher
	sender     Sender
	notifier   DoctorNotifier
	logger     *logging.Logger
	events     *EventLogger
	metrics    *metrics.FollowUpMetrics
	tracer     trace.Tracer

	now             func() time.Time
	newID           func() string
	conflictRetries int
	sendTimeout     time.Duration
	reviewLink      func(conversationID string) string
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLocker replaces the in-process keyed mutex, e.g. with a Redis lease.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithNotifier wires doctor notifications.
func WithNotifier(n DoctorNotifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics wires Prometheus counters.
func WithMetrics(m *metrics.FollowUpMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides uuid generation for conversations and booking requests.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithConflictRetries bounds how often a lost version check is retried.
func WithConflictRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.conflictRetries = n
		}
	}
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// WithReviewLink builds the doctor-facing link included in notices.
func WithReviewLink(fn func(conversationID string) string) EngineOption {
	return func(e *Engine) { e.reviewLink = fn }
}

// NewEngine wires the state machine to its collaborators.
func NewEngine(store Store, dispatcher Dispatcher, sender Sender, logger *logging.Logger, opts ...EngineOption) *Engine {
	if store == nil {
		panic("followup: store cannot be nil")
	}
	if dispatcher == nil {
		panic("followup: dispatcher cannot be nil")
	}
	if sender == nil {
		panic("followup: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		store:           store,
		locker:          NewKeyedMutex(),
		dispatcher:      dispatcher,
		sender:          sender,
		logger:          logger,
		events:          NewEventLogger(logger),
		tracer:          otel.Tracer("docfollow/followup"),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		conflictRetries: defaultConflictRetries,
		sendTimeout:     defaultSendTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// StartRequest opens a follow-up conversation with a first agent message.
type StartRequest struct {
	PatientID    string
	DoctorID     string
	FollowUpDate string
	Participants Participants
	Greeting     string
}

// StartFollowUp creates a conversation in AWAITING_PATIENT and sends the
// greeting. The store rejects a second conversation for the same patient and
// date, and a second open conversation for the patient.
func (e *Engine) StartFollowUp(ctx context.Context, req StartRequest) (*Conversation, error) {
	ctx, span := e.tracer.Start(ctx, "followup.StartFollowUp", trace.WithAttributes(
		attribute.String("patient.id", req.PatientID),
		attribute.String("followup.date", req.FollowUpDate),
	))
	defer span.End()

	if req.PatientID == "" || req.DoctorID == "" {
		return nil, fmt.Errorf("%w: patient and doctor are required", ErrInvalidEvent)
	}
	if _, err := time.Parse(dateLayout, req.FollowUpDate); err != nil {
		return nil, fmt.Errorf("%w: follow-up date %q", ErrInvalidEvent, req.FollowUpDate)
	}
	greeting := strings.TrimSpace(req.Greeting)
	if greeting == "" {
		return nil, fmt.Errorf("%w: greeting is required", ErrInvalidEvent)
	}

	now := e.now()
	conv := &Conversation{
		ID:           e.newID(),
		PatientID:    req.PatientID,
		DoctorID:     req.DoctorID,
		FollowUpDate: req.FollowUpDate,
		State:        StateAwaitingPatient,
		Participants: req.Participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	appendEntry(conv, Message{Sender: SenderAgent, Content: greeting, Delivery: &Delivery{Status: DeliveryPending}}, now)
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, conv); err != nil {
		if !errors.Is(err, ErrDuplicateFollowUp) && !errors.Is(err, ErrOpenConversationExists) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
		}
		return nil, err
	}
	e.events.FollowUpOpened(ctx, conv)
	return e.deliver(ctx, conv, 0).Clone(), nil
}

// HandleEvent applies ev to the conversation and returns the committed
// snapshot. A redelivered event id returns the current snapshot unchanged.
func (e *Engine) HandleEvent(ctx context.Context, conversationID string, ev Event) (*Conversation, error) {
	if ev == nil || ev.EventID() == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidEvent)
	}
	ctx, span := e.tracer.Start(ctx, "followup.HandleEvent", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("event.kind", string(ev.Kind())),
		attribute.String("event.id", ev.EventID()),
	))
	defer span.End()

	var (
		from      State
		duplicate bool
	)
	conv, effects, err := e.mutate(ctx, conversationID, func(c *Conversation) ([]effect, error) {
		from = c.State
		// Ownership first: a reused event id must not reveal another doctor's conversation.
		if doctorID := actingDoctor(ev); doctorID != "" && doctorID != c.DoctorID {
			return nil, ErrForbidden
		}
		if c.HasApplied(ev.EventID()) {
			duplicate = true
			return nil, errNoop
		}
		effects, err := transition(c, ev, e.now(), e.newID)
		if err != nil {
			return nil, err
		}
		c.AppliedEvents = append(c.AppliedEvents, ev.EventID())
		return effects, nil
	})
	switch {
	case errors.Is(err, errNoop):
		if duplicate {
			e.events.DuplicateIgnored(ctx, conversationID, ev.EventID())
			e.metrics.ObserveDuplicate(string(ev.Kind()))
		} else {
			e.metrics.ObserveStale(string(ev.Kind()))
		}
		return conv.Clone(), nil
	case errors.Is(err, ErrInvalidTransition):
		e.events.TransitionRejected(ctx, conversationID, ev.Kind(), from)
		e.metrics.ObserveRejected(string(ev.Kind()), string(from))
		return nil, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "handle event failed")
		return nil, err
	}

	e.events.TransitionApplied(ctx, conv, ev.Kind(), from)
	e.metrics.ObserveTransition(string(ev.Kind()), string(from), string(conv.State))
	return e.runEffects(ctx, conv, effects).Clone(), nil
}

// ResumeBooking re-submits the stored booking request after the doctor
// authorized the calendar or asked for a retry. The request is unchanged so
// the calendar can recognise an earlier successful attempt.
func (e *Engine) ResumeBooking(ctx context.Context, conversationID, doctorID string) (*Conversation, error) {
	ctx, span := e.tracer.Start(ctx, "followup.ResumeBooking", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	conv, effects, err := e.mutate(ctx, conversationID, func(c *Conversation) ([]effect, error) {
		if doctorID != "" && doctorID != c.DoctorID {
			return nil, ErrForbidden
		}
		if c.State != StateAwaitingScheduling || c.PendingBooking == nil {
			return nil, &TransitionError{State: c.State, Event: "resume_booking"}
		}
		marker := c.PendingBooking
		marker.Attempts++
		marker.LastOutcome = ""
		marker.AuthURL = ""
		marker.Reason = ""
		marker.UpdatedAt = e.now()
		return []effect{{
			kind:    effectDispatchBooking,
			booking: &BookingJob{ConversationID: c.ID, Attempt: marker.Attempts, Request: marker.Request},
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return e.runEffects(ctx, conv, effects).Clone(), nil
}

// ResumeBookingsForDoctor resumes every booking parked on calendar
// authorization for the doctor. It returns how many were resubmitted.
func (e *Engine) ResumeBookingsForDoctor(ctx context.Context, doctorID string) (int, error) {
	convs, err := e.store.ListByDoctor(ctx, doctorID, StateAwaitingScheduling)
	if err != nil {
		return 0, fmt.Errorf("followup: list parked bookings: %w", err)
	}
	resumed := 0
	for _, c := range convs {
		if c.PendingBooking == nil || c.PendingBooking.LastOutcome != BookingNotAuthorized {
			continue
		}
		if _, err := e.ResumeBooking(ctx, c.ID, doctorID); err != nil {
			e.logger.Warn("failed to resume booking", "conversation_id", c.ID, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Recover re-dispatches work lost between a commit and its dispatch:
// extractions that never reported back, booking attempts still in flight and
// outbound messages committed but never sent.
func (e *Engine) Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := e.now().Add(-olderThan)
	stuck, err := e.store.ListByState(ctx, StateAwaitingExtraction, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("followup: list stale extractions: %w", err)
	}
	count := 0
	for _, c := range stuck {
		if err := e.dispatcher.DispatchExtraction(ctx, ExtractionJob{ConversationID: c.ID, Seq: c.ExtractionSeq}); err != nil {
			return count, fmt.Errorf("followup: redispatch extraction: %w", err)
		}
		count++
	}
	parked, err := e.store.ListByState(ctx, StateAwaitingScheduling, cutoff, limit)
	if err != nil {
		return count, fmt.Errorf("followup: list stale bookings: %w", err)
	}
	for _, c := range parked {
		if c.PendingBooking == nil || c.PendingBooking.LastOutcome != "" {
			continue
		}
		job := BookingJob{ConversationID: c.ID, Attempt: c.PendingBooking.Attempts, Request: c.PendingBooking.Request}
		if err := e.dispatcher.DispatchBooking(ctx, job); err != nil {
			return count, fmt.Errorf("followup: redispatch booking: %w", err)
		}
		count++
	}
	unsent, err := e.store.ListPendingDelivery(ctx, cutoff, limit)
	if err != nil {
		return count, fmt.Errorf("followup: list pending deliveries: %w", err)
	}
	for _, c := range unsent {
		// Resent under the same idempotency key as the lost attempt.
		for _, idx := range c.PendingDeliveries(cutoff) {
			e.logger.Warn("resending outbound message never recorded as delivered", "conversation_id", c.ID, "index", idx)
			c = e.deliver(ctx, c, idx)
			count++
		}
	}
	if count > 0 {
		e.logger.Info("recovered stalled follow-up work", "count", count)
	}
	return count, nil
}

// Get returns a snapshot of the conversation.
func (e *Engine) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	conv, err := e.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// ListForDoctor returns the doctor's conversations, optionally filtered by state.
func (e *Engine) ListForDoctor(ctx context.Context, doctorID string, states ...State) ([]*Conversation, error) {
	return e.store.ListByDoctor(ctx, doctorID, states...)
}

// OpenForPatient returns the patient's open conversation, or ErrNotFound.
func (e *Engine) OpenForPatient(ctx context.Context, patientID string) (*Conversation, error) {
	return e.store.FindOpenByPatient(ctx, patientID)
}

type mutation func(c *Conversation) ([]effect, error)

// mutate runs fn under the conversation lock and commits the result. Lost
// version checks are retried from a fresh read.
func (e *Engine) mutate(ctx context.Context, id string, fn mutation) (*Conversation, []effect, error) {
	for attempt := 0; ; attempt++ {
		conv, effects, err := e.mutateOnce(ctx, id, fn)
		if errors.Is(err, ErrStorageConflict) {
			e.metrics.ObserveConflict()
			if attempt < e.conflictRetries {
				e.logger.Debug("retrying after version conflict", "conversation_id", id, "attempt", attempt+1)
				continue
			}
		}
		return conv, effects, err
	}
}

func (e *Engine) mutateOnce(ctx context.Context, id string, fn mutation) (*Conversation, []effect, error) {
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("followup: lock %s: %w", id, err)
	}
	defer unlock()

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	next := current.Clone()
	effects, err := fn(next)
	if err != nil {
		return current, nil, err
	}
	next.UpdatedAt = e.now()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}
	if err := next.Validate(); err != nil {
		return nil, nil, fmt.Errorf("followup: refusing to commit: %w", err)
	}
	if err := e.store.Update(ctx, next, current.Version); err != nil {
		return nil, nil, err
	}
	return next, effects, nil
}

func (e *Engine) runEffects(ctx context.Context, conv *Conversation, effects []effect) *Conversation {
	latest := conv
	for _, eff := range effects {
		switch eff.kind {
		case effectSend:
			latest = e.deliver(ctx, latest, eff.index)
		case effectDispatchExtraction:
			job := ExtractionJob{ConversationID: conv.ID, Seq: eff.seq}
			if err := e.dispatcher.DispatchExtraction(ctx, job); err != nil {
				e.logger.Error("failed to dispatch extraction", "conversation_id", conv.ID, "seq", eff.seq, "error", err)
			}
		case effectDispatchBooking:
			if err := e.dispatcher.DispatchBooking(ctx, *eff.booking); err != nil {
				e.logger.Error("failed to dispatch booking", "conversation_id", conv.ID, "attempt", eff.booking.Attempt, "error", err)
			}
		case effectNotify:
			e.notify(ctx, latest, eff.notice, eff.summary, eff.link)
		}
	}
	return latest
}

// deliver sends history entry idx and records the receipt or the undelivered
// indicator. A failed send never reverts the state.
func (e *Engine) deliver(ctx context.Context, conv *Conversation, idx int) *Conversation {
	msg := conv.History[idx]
	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	receipt, sendErr := e.sender.Send(sendCtx, Outbound{
		ConversationID: conv.ID,
		To:             conv.Participants.PatientPhone,
		Body:           msg.Content,
		IdempotencyKey: fmt.Sprintf("%s:%d", conv.ID, idx),
	})
	cancel()

	delivery := Delivery{At: e.now()}
	if sendErr != nil {
		delivery.Status = DeliveryUndelivered
		delivery.Error = sendErr.Error()
		var se *SendError
		if errors.As(sendErr, &se) {
			delivery.Channel = se.Channel
		}
		e.logger.Warn("outbound message not delivered", "conversation_id", conv.ID, "index", idx, "error", sendErr)
	} else {
		delivery.Status = DeliverySent
		delivery.Channel = receipt.Channel
		delivery.ProviderMessageID = receipt.ProviderMessageID
	}

	updated, _, err := e.mutate(ctx, conv.ID, func(c *Conversation) ([]effect, error) {
		if idx >= len(c.History) || c.History[idx].Delivery == nil || c.History[idx].Delivery.Status != DeliveryPending {
			return nil, errNoop
		}
		d := delivery
		c.History[idx].Delivery = &d
		return nil, nil
	})
	if err != nil && !errors.Is(err, errNoop) {
		e.logger.Error("failed to record delivery", "conversation_id", conv.ID, "index", idx, "error", err)
		updated = nil
	}
	e.events.DeliveryRecorded(ctx, conv.ID, idx, delivery.Status, delivery.Channel)
	if updated == nil {
		updated = conv
	}

	if sendErr != nil {
		e.notify(ctx, updated, NoticeUndelivered, "A message to the patient could not be delivered.", "")
	}
	return updated
}

func (e *Engine) notify(ctx context.Context, conv *Conversation, kind NoticeKind, summary, link string) {
	if e.notifier == nil {
		return
	}
	if link == "" && e.reviewLink != nil {
		link = e.reviewLink(conv.ID)
	}
	notice := Notice{
		Kind:           kind,
		ConversationID: conv.ID,
		DoctorID:       conv.DoctorID,
		DoctorEmail:    conv.Participants.DoctorEmail,
		PatientName:    conv.Participants.PatientName,
		Summary:        summary,
		Link:           link,
	}
	if err := e.notifier.Notify(ctx, notice); err != nil {
		e.logger.Warn("doctor notification failed", "conversation_id", conv.ID, "kind", kind, "error", err)
	}
}
