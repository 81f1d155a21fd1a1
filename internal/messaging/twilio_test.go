package messaging

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func signedRequest(t *testing.T, target, token string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", computeSignature(buildSignaturePayload(target, form), token))
	return req
}

func TestValidateTwilioSignature(t *testing.T) {
	form := url.Values{"MessageSid": {"SM1"}, "Body": {"hello"}, "From": {"whatsapp:+919800000001"}}
	target := "http://example.com/webhooks/twilio"

	req := signedRequest(t, target, "secret", form)
	if !ValidateTwilioSignature(req, "secret", target) {
		t.Fatal("expected valid signature")
	}

	req = signedRequest(t, target, "other", form)
	if ValidateTwilioSignature(req, "secret", target) {
		t.Fatal("expected signature mismatch")
	}

	req = httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if ValidateTwilioSignature(req, "secret", target) {
		t.Fatal("expected missing signature to fail")
	}
}

func TestParseTwilioWebhookCollectsMedia(t *testing.T) {
	form := url.Values{
		"MessageSid":        {"MM1"},
		"From":              {"whatsapp:+91 98000 00001"},
		"To":                {"whatsapp:+14155238886"},
		"Body":              {"my readings"},
		"NumMedia":          {"2"},
		"MediaUrl0":         {"https://api.twilio.com/media/ME0"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl1":         {"https://api.twilio.com/media/ME1"},
		"MediaContentType1": {"application/pdf"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	got, err := ParseTwilioWebhook(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Channel != ChannelWhatsApp {
		t.Fatalf("expected whatsapp channel, got %s", got.Channel)
	}
	if len(got.Media) != 2 || got.Media[1].ContentType != "application/pdf" {
		t.Fatalf("unexpected media %+v", got.Media)
	}
	if NormalizeE164(got.From) != "+919800000001" {
		t.Fatalf("unexpected from %q", NormalizeE164(got.From))
	}
}

func TestParseTwilioWebhookRejectsBadNumMedia(t *testing.T) {
	form := url.Values{"MessageSid": {"MM1"}, "NumMedia": {"two"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := ParseTwilioWebhook(req); err == nil {
		t.Fatal("expected error")
	}
}

func TestNormalizeE164(t *testing.T) {
	if got := NormalizeE164(" +1 (555) 123-4567 "); got != "+15551234567" {
		t.Fatalf("unexpected normalized phone %q", got)
	}
	if got := NormalizeE164("whatsapp:+15551234567"); got != "+15551234567" {
		t.Fatalf("unexpected normalized phone %q", got)
	}
	if got := NormalizeE164("n/a"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if ChannelOf("WhatsApp:+1555") != ChannelWhatsApp || ChannelOf("+1555") != ChannelSMS {
		t.Fatal("unexpected channel detection")
	}
}
