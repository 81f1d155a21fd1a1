package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/docfollow/internal/directory"
	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/docfollow/internal/http/middleware"
	"github.com/wolfman30/docfollow/internal/messaging"
	"github.com/wolfman30/docfollow/pkg/logging"
)

const testSecret = "router-secret"

type nopDispatcher struct{}

func (nopDispatcher) DispatchExtraction(context.Context, followup.ExtractionJob) error { return nil }
func (nopDispatcher) DispatchBooking(context.Context, followup.BookingJob) error       { return nil }

type nopSender struct{}

func (nopSender) Send(context.Context, followup.Outbound) (followup.Receipt, error) {
	return followup.Receipt{Channel: "sms", ProviderMessageID: "SM1"}, nil
}

type recordingPublisher struct {
	events []followup.Event
}

func (p *recordingPublisher) EnqueueEvent(_ context.Context, _ string, ev followup.Event, _ ...followup.PublishOption) (string, error) {
	p.events = append(p.events, ev)
	return ev.EventID(), nil
}

type testEnv struct {
	handler   http.Handler
	engine    *followup.Engine
	publisher *recordingPublisher
}

func newTestRouter(t *testing.T) *testEnv {
	t.Helper()

	logger := logging.Default()
	ctx := context.Background()
	dir := directory.NewMemoryRepository()
	if err := dir.SaveDoctor(ctx, &directory.Doctor{ID: "doc-1", Name: "Rao"}); err != nil {
		t.Fatalf("seed doctor: %v", err)
	}
	if err := dir.SavePatient(ctx, &directory.Patient{ID: "pat-1", DoctorID: "doc-1", Name: "Asha", Phone: "+15550001111", Diagnosis: "fever"}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}

	engine := followup.NewEngine(followup.NewMemoryStore(), nopDispatcher{}, nopSender{}, logger)
	publisher := &recordingPublisher{}
	messagingHandler := messaging.NewHandler("", publisher, dir, engine, logger)

	cfg := &Config{
		Logger:           logger,
		MessagingHandler: messagingHandler,
		FollowUpHandler:  handlers.NewFollowUpHandler(engine, dir, nil, logger),
		DirectoryHandler: handlers.NewDirectoryHandler(dir, logger),
		DoctorAuthSecret: testSecret,
		AdminAuthSecret:  testSecret,
	}
	return &testEnv{handler: New(cfg), engine: engine, publisher: publisher}
}

func bearer(t *testing.T, subject, audience string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestRouterHealthEndpoint(t *testing.T) {
	env := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterDoctorRoutesRequireToken(t *testing.T) {
	env := newTestRouter(t)

	for _, path := range []string{"/doctors/me/followups", "/doctors/me/followups/abc"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/doctors/me/followups", nil)
	req.Header.Set("Authorization", bearer(t, "doc-1", httpmiddleware.AdminAudience))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("admin token on doctor route: expected 401, got %d", rr.Code)
	}
}

func TestRouterOpenFollowUpThenReceiveReply(t *testing.T) {
	env := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/followups", strings.NewReader(`{"patient_id":"pat-1"}`))
	req.Header.Set("Authorization", bearer(t, "doc-1", httpmiddleware.DoctorAudience))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var view handlers.ConversationView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != followup.StateAwaitingPatient {
		t.Fatalf("expected AWAITING_PATIENT, got %s", view.State)
	}

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("AccountSid", "AC123")
	form.Set("From", "+15550001111")
	form.Set("To", "+15559990000")
	form.Set("Body", "temperature is 99.1 today")
	webhook := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	webhook.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, webhook)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected webhook 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.publisher.events) != 1 || env.publisher.events[0].EventID() != "SM123" {
		t.Fatalf("expected one patient event keyed by message sid, got %+v", env.publisher.events)
	}

	req = httptest.NewRequest(http.MethodGet, "/doctors/me/followups/"+view.ID, nil)
	req.Header.Set("Authorization", bearer(t, "doc-2", httpmiddleware.DoctorAudience))
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("other doctor: expected 404, got %d", rr.Code)
	}
}

func TestRouterWebhookUnknownSenderAcked(t *testing.T) {
	env := newTestRouter(t)

	form := url.Values{}
	form.Set("MessageSid", "SM999")
	form.Set("From", "+15550009999")
	form.Set("Body", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(env.publisher.events) != 0 {
		t.Fatalf("expected no events, got %d", len(env.publisher.events))
	}
}

func TestRouterAdminDirectory(t *testing.T) {
	env := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/patients/pat-1", nil)
	req.Header.Set("Authorization", bearer(t, "doc-1", httpmiddleware.DoctorAudience))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("doctor token on admin route: expected 401, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/patients/pat-1", nil)
	req.Header.Set("Authorization", bearer(t, "ops", httpmiddleware.AdminAudience))
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRouterMetricsMissingWithoutHandler(t *testing.T) {
	env := newTestRouter(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
