package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/observability/metrics"
	"github.com/wolfman30/docfollow/pkg/logging"
)

var twilioSendTracer = otel.Tracer("docfollow.internal.messaging.twilio_send")

// SendError is the failure type returned by senders in this package.
type SendError = followup.SendError

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	maxSendAttempts      = 3
)

// TwilioSender posts messages on one channel (WhatsApp or SMS) using Twilio's REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	channel    string
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.MessagingMetrics
	logger     *logging.Logger
}

// TwilioOption configures a TwilioSender.
type TwilioOption func(*TwilioSender)

// WithTwilioBaseURL points the sender at another API host (tests).
func WithTwilioBaseURL(base string) TwilioOption {
	return func(s *TwilioSender) { s.baseURL = strings.TrimRight(base, "/") }
}

func WithTwilioHTTPClient(c *http.Client) TwilioOption {
	return func(s *TwilioSender) { s.httpClient = c }
}

func WithTwilioMetrics(m *metrics.MessagingMetrics) TwilioOption {
	return func(s *TwilioSender) { s.metrics = m }
}

// NewTwilioSender builds a sender. channel is ChannelWhatsApp or ChannelSMS;
// from is the plain E.164 sending number.
func NewTwilioSender(accountSID, authToken, channel, from string, logger *logging.Logger, opts ...TwilioOption) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	if channel != ChannelWhatsApp {
		channel = ChannelSMS
	}
	s := &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       NormalizeE164(from),
		channel:    channel,
		baseURL:    defaultTwilioBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ followup.Sender = (*TwilioSender)(nil)

// Send dispatches one message, retrying rate limits and server errors.
func (s *TwilioSender) Send(ctx context.Context, msg followup.Outbound) (followup.Receipt, error) {
	if s.accountSID == "" || s.authToken == "" {
		return followup.Receipt{}, s.fail(errors.New("twilio credentials missing"), false)
	}
	to := NormalizeE164(msg.To)
	if to == "" {
		return followup.Receipt{}, s.fail(errors.New("recipient required"), false)
	}
	if s.from == "" {
		return followup.Receipt{}, s.fail(errors.New("sender number required"), false)
	}
	if strings.TrimSpace(msg.Body) == "" {
		return followup.Receipt{}, s.fail(errors.New("body required"), false)
	}

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("docfollow.conversation_id", msg.ConversationID),
		attribute.String("docfollow.channel", s.channel),
	)

	payload := url.Values{}
	payload.Set("To", channelAddress(s.channel, to))
	payload.Set("From", channelAddress(s.channel, s.from))
	payload.Set("Body", msg.Body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	var lastErr error
	retryable := true
attempts:
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		sid, again, err := s.post(ctx, endpoint, payload, msg.IdempotencyKey)
		if err == nil {
			s.metrics.ObserveOutbound(s.channel, "sent")
			s.logger.Info("twilio message sent", "conversation_id", msg.ConversationID, "channel", s.channel, "sid", sid)
			return followup.Receipt{Channel: s.channel, ProviderMessageID: sid}, nil
		}
		lastErr, retryable = err, again
		if !again || attempt == maxSendAttempts {
			break
		}
		sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(sleep):
		}
	}

	span.RecordError(lastErr)
	s.metrics.ObserveOutbound(s.channel, "failed")
	return followup.Receipt{}, s.fail(lastErr, retryable)
}

func (s *TwilioSender) post(ctx context.Context, endpoint string, payload url.Values, idempotencyKey string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return "", false, err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("I-Twilio-Idempotency-Token", idempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			SID string `json:"sid"`
		}
		_ = json.Unmarshal(body, &parsed)
		return parsed.SID, false, nil
	}
	err = fmt.Errorf("twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
	// Don't retry non-rate-limit 4xx errors.
	return "", resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
}

func (s *TwilioSender) fail(err error, retryable bool) error {
	return &SendError{Channel: s.channel, Retryable: retryable, Err: err}
}

type twilioAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func formatTwilioError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
