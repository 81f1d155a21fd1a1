package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
)

// ValidateTwilioSignature validates that a request came from Twilio.
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeSignature(buildSignaturePayload(webhookURL, r.PostForm), authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildSignaturePayload is the URL followed by every POST parameter, sorted by name.
func buildSignaturePayload(url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// TwilioMedia is one media item on an inbound message.
type TwilioMedia struct {
	URL         string
	ContentType string
}

// TwilioWebhookRequest represents an incoming Twilio message webhook.
type TwilioWebhookRequest struct {
	MessageSid string
	AccountSid string
	From       string
	To         string
	Body       string
	Channel    string
	Media      []TwilioMedia
}

// ParseTwilioWebhook parses a Twilio message webhook, including MediaUrlN fields.
func ParseTwilioWebhook(r *http.Request) (*TwilioWebhookRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	req := &TwilioWebhookRequest{
		MessageSid: strings.TrimSpace(r.FormValue("MessageSid")),
		AccountSid: strings.TrimSpace(r.FormValue("AccountSid")),
		From:       strings.TrimSpace(r.FormValue("From")),
		To:         strings.TrimSpace(r.FormValue("To")),
		Body:       r.FormValue("Body"),
	}
	req.Channel = ChannelOf(req.From)

	numMedia := 0
	if raw := strings.TrimSpace(r.FormValue("NumMedia")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid NumMedia %q", raw)
		}
		numMedia = n
	}
	for i := 0; i < numMedia; i++ {
		mediaURL := strings.TrimSpace(r.FormValue(fmt.Sprintf("MediaUrl%d", i)))
		if mediaURL == "" {
			continue
		}
		req.Media = append(req.Media, TwilioMedia{
			URL:         mediaURL,
			ContentType: strings.TrimSpace(r.FormValue(fmt.Sprintf("MediaContentType%d", i))),
		})
	}
	return req, nil
}
