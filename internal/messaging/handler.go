package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/observability/metrics"
	"github.com/wolfman30/docfollow/pkg/logging"
)

var twilioTracer = otel.Tracer("docfollow.internal.messaging.twilio")

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type eventPublisher interface {
	EnqueueEvent(ctx context.Context, conversationID string, ev followup.Event, opts ...followup.PublishOption) (string, error)
}

// PatientResolver maps a sender phone number to a patient id. An empty id
// means no patient owns the number.
type PatientResolver interface {
	PatientIDByPhone(ctx context.Context, phone string) (string, error)
}

// ConversationFinder returns the patient's open conversation or followup.ErrNotFound.
type ConversationFinder interface {
	OpenForPatient(ctx context.Context, patientID string) (*followup.Conversation, error)
}

// MediaRequest identifies one provider media item to archive.
type MediaRequest struct {
	ConversationID string
	MessageSid     string
	Index          int
	URL            string
	ContentType    string
}

// MediaArchiver copies provider media into storage the system controls and
// returns the opaque reference to record.
type MediaArchiver interface {
	Archive(ctx context.Context, req MediaRequest) (followup.Attachment, error)
}

// Handler turns provider webhooks into follow-up events.
type Handler struct {
	webhookSecret string
	publisher     eventPublisher
	patients      PatientResolver
	conversations ConversationFinder
	media         MediaArchiver
	metrics       *metrics.MessagingMetrics
	now           func() time.Time
	logger        *logging.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithMediaArchiver(a MediaArchiver) HandlerOption {
	return func(h *Handler) { h.media = a }
}

func WithHandlerMetrics(m *metrics.MessagingMetrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler creates a new messaging handler. An empty webhookSecret disables
// signature validation.
func NewHandler(webhookSecret string, publisher eventPublisher, patients PatientResolver, conversations ConversationFinder, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if publisher == nil {
		panic("messaging: publisher cannot be nil")
	}
	if patients == nil || conversations == nil {
		panic("messaging: patient resolver and conversation finder are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		webhookSecret: webhookSecret,
		publisher:     publisher,
		patients:      patients,
		conversations: conversations,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// TwilioWebhook handles POST /webhooks/twilio.
func (h *Handler) TwilioWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := twilioTracer.Start(r.Context(), "messaging.twilio.webhook")
	defer span.End()

	if h.webhookSecret != "" && !ValidateTwilioSignature(r, h.webhookSecret, buildAbsoluteURL(r)) {
		h.logger.Warn("invalid twilio signature")
		span.RecordError(errors.New("invalid twilio signature"))
		h.metrics.ObserveInbound("message", "unauthorized")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	webhook, err := ParseTwilioWebhook(r)
	if err != nil {
		h.logger.Error("failed to parse twilio webhook", "error", err)
		span.RecordError(err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	from := NormalizeE164(webhook.From)
	eventType := "message"
	if len(webhook.Media) > 0 {
		eventType = "media"
	}
	span.SetAttributes(
		attribute.String("docfollow.twilio.message_sid", webhook.MessageSid),
		attribute.String("docfollow.twilio.channel", webhook.Channel),
		attribute.Int("docfollow.twilio.num_media", len(webhook.Media)),
	)
	defer func() { h.metrics.ObserveWebhookLatency(eventType, time.Since(started).Seconds()) }()

	if webhook.MessageSid == "" || from == "" || (strings.TrimSpace(webhook.Body) == "" && len(webhook.Media) == 0) {
		err := errors.New("missing required twilio fields")
		h.logger.Error("invalid twilio payload", "error", err, "message_sid", webhook.MessageSid)
		span.RecordError(err)
		h.metrics.ObserveInbound(eventType, "invalid")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	patientID, err := h.patients.PatientIDByPhone(ctx, from)
	if err != nil {
		h.logger.Error("failed to resolve patient", "error", err, "message_sid", webhook.MessageSid)
		span.RecordError(err)
		http.Error(w, "Failed to resolve sender", http.StatusInternalServerError)
		return
	}
	if patientID == "" {
		h.logger.Info("ignoring message from unknown sender", "message_sid", webhook.MessageSid, "channel", webhook.Channel)
		h.metrics.ObserveInbound(eventType, "unknown_sender")
		h.ack(w)
		return
	}

	conv, err := h.conversations.OpenForPatient(ctx, patientID)
	if errors.Is(err, followup.ErrNotFound) {
		h.logger.Info("no open follow-up for patient", "patient_id", patientID, "message_sid", webhook.MessageSid)
		h.metrics.ObserveInbound(eventType, "no_open_conversation")
		h.ack(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to look up open conversation", "error", err, "patient_id", patientID)
		span.RecordError(err)
		http.Error(w, "Failed to route message", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("docfollow.conversation_id", conv.ID))

	attachments, err := h.archiveMedia(ctx, conv.ID, webhook)
	if err != nil {
		// Twilio retries non-2xx responses; archive keys are deterministic.
		h.logger.Error("failed to archive media", "error", err, "conversation_id", conv.ID, "message_sid", webhook.MessageSid)
		span.RecordError(err)
		h.metrics.ObserveInbound(eventType, "archive_failed")
		http.Error(w, "Failed to store media", http.StatusInternalServerError)
		return
	}

	ev := NormalizeInbound(webhook, attachments, h.now().UTC())
	publishCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := h.publisher.EnqueueEvent(publishCtx, conv.ID, ev, followup.WithJobID(webhook.MessageSid)); err != nil {
		h.logger.Error("failed to enqueue patient event", "error", err, "conversation_id", conv.ID, "message_sid", webhook.MessageSid)
		span.RecordError(err)
		h.metrics.ObserveInbound(eventType, "enqueue_failed")
		http.Error(w, "Failed to schedule processing", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveInbound(eventType, "accepted")
	h.logger.Info("twilio webhook accepted", "conversation_id", conv.ID, "patient_id", patientID, "kind", ev.Kind())
	h.ack(w)
}

func (h *Handler) archiveMedia(ctx context.Context, conversationID string, webhook *TwilioWebhookRequest) ([]followup.Attachment, error) {
	if len(webhook.Media) == 0 {
		return nil, nil
	}
	out := make([]followup.Attachment, 0, len(webhook.Media))
	for i, m := range webhook.Media {
		if h.media == nil {
			out = append(out, followup.Attachment{Ref: m.URL, ContentType: m.ContentType, ProviderURL: m.URL})
			continue
		}
		att, err := h.media.Archive(ctx, MediaRequest{
			ConversationID: conversationID,
			MessageSid:     webhook.MessageSid,
			Index:          i,
			URL:            m.URL,
			ContentType:    m.ContentType,
		})
		if err != nil {
			return nil, fmt.Errorf("messaging: archive media %d: %w", i, err)
		}
		out = append(out, att)
	}
	return out, nil
}

func (h *Handler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// NormalizeInbound maps a provider message onto the closed event set. Media
// makes it a PatientAttachment with the body as caption; the provider message
// sid is the event id.
func NormalizeInbound(webhook *TwilioWebhookRequest, attachments []followup.Attachment, receivedAt time.Time) followup.Event {
	if len(attachments) > 0 {
		return followup.PatientAttachment{
			ID:          webhook.MessageSid,
			Caption:     strings.TrimSpace(webhook.Body),
			Attachments: attachments,
			ReceivedAt:  receivedAt,
		}
	}
	return followup.PatientMessage{
		ID:         webhook.MessageSid,
		Text:       strings.TrimSpace(webhook.Body),
		ReceivedAt: receivedAt,
	}
}

func buildAbsoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	if r.URL.Scheme != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
