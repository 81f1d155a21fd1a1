package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/wolfman30/docfollow/internal/assistant"
	"github.com/wolfman30/docfollow/internal/booking"
	appconfig "github.com/wolfman30/docfollow/internal/config"
	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/messaging"
	"github.com/wolfman30/docfollow/internal/notify"
	"github.com/wolfman30/docfollow/pkg/logging"
)

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(context.Background(), nil, aws.Config{}, nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestNewInMemory(t *testing.T) {
	cfg := &appconfig.Config{
		UseMemoryQueue:      true,
		WorkerCount:         1,
		ReminderConcurrency: 2,
		ReminderTimezone:    "UTC",
	}
	app, err := New(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Close()

	if _, ok := app.Store.(*followup.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", app.Store)
	}
	if _, ok := app.Queue.(*followup.MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", app.Queue)
	}
	if !app.InProcessQueue() {
		t.Fatalf("expected in-process queue")
	}
	if app.OAuth != nil || app.Calendar != nil {
		t.Fatalf("expected calendar disabled without google credentials")
	}

	rr := httptest.NewRecorder()
	app.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("expected go collector output")
	}
}

func TestNewWithCalendar(t *testing.T) {
	cfg := &appconfig.Config{
		UseMemoryQueue:     true,
		ReminderTimezone:   "Not/AZone",
		GoogleClientID:     "client",
		GoogleClientSecret: "secret",
		AdminJWTSecret:     "state-secret",
		PublicBaseURL:      "https://followup.example.com",
	}
	app, err := New(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Close()
	if app.Calendar == nil || app.OAuth == nil {
		t.Fatalf("expected calendar wiring")
	}
	link, err := app.OAuth.AuthURL("doc-1")
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	if !strings.Contains(link, "redirect_uri=https%3A%2F%2Ffollowup.example.com%2Foauth%2Fgoogle%2Fcallback") {
		t.Fatalf("unexpected auth url %s", link)
	}
}

func TestBuildRedisBackedAdapters(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &appconfig.Config{RedisAddr: mr.Addr()}

	client := BuildRedisClient(context.Background(), cfg, logging.New("error"), true)
	if client == nil {
		t.Fatalf("expected redis client")
	}
	defer client.Close()

	if _, ok := BuildLocker(client).(*followup.RedisLocker); !ok {
		t.Fatalf("expected redis locker")
	}
	if _, ok := BuildTokenStore(client).(*booking.RedisTokenStore); !ok {
		t.Fatalf("expected redis token store")
	}
	if _, ok := BuildLocker(nil).(*followup.KeyedMutex); !ok {
		t.Fatalf("expected keyed mutex without redis")
	}
}

func TestBuildRedisClientDisabled(t *testing.T) {
	if BuildRedisClient(context.Background(), &appconfig.Config{}, nil, true) != nil {
		t.Fatalf("expected nil client without address")
	}
}

func TestBuildLLMClientWithoutProviders(t *testing.T) {
	client, closeFn := BuildLLMClient(context.Background(), &appconfig.Config{}, nil, logging.New("error"))
	defer closeFn()

	_, err := client.Complete(context.Background(), assistant.LLMRequest{})
	if !errors.Is(err, errNoModel) {
		t.Fatalf("expected errNoModel, got %v", err)
	}
}

func TestBuildPatientSender(t *testing.T) {
	logger := logging.New("error")

	sender := BuildPatientSender(&appconfig.Config{}, nil, logger)
	_, err := sender.Send(context.Background(), followup.Outbound{ConversationID: "c1", To: "+15550001111", Body: "hi"})
	var sendErr *messaging.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}

	both := &appconfig.Config{TwilioAccountSID: "AC1", TwilioAuthToken: "tok", TwilioWhatsAppFrom: "+15550000000", TwilioSMSFrom: "+15550000001"}
	if _, ok := BuildPatientSender(both, nil, logger).(*messaging.FailoverSender); !ok {
		t.Fatalf("expected failover sender when both channels configured")
	}
	smsOnly := &appconfig.Config{TwilioAccountSID: "AC1", TwilioAuthToken: "tok", TwilioSMSFrom: "+15550000001"}
	if _, ok := BuildPatientSender(smsOnly, nil, logger).(*messaging.TwilioSender); !ok {
		t.Fatalf("expected single twilio sender")
	}
}

func TestBuildEmailSender(t *testing.T) {
	logger := logging.New("error")
	if _, ok := BuildEmailSender(&appconfig.Config{}, nil, logger).(*notify.StubEmailSender); !ok {
		t.Fatalf("expected stub sender without providers")
	}
	cfg := &appconfig.Config{SendGridAPIKey: "SG.key", SendGridFromEmail: "noreply@example.com"}
	if _, ok := BuildEmailSender(cfg, nil, logger).(*notify.SendGridSender); !ok {
		t.Fatalf("expected sendgrid sender")
	}
	ses := &appconfig.Config{SESFromEmail: "noreply@example.com"}
	if _, ok := BuildEmailSender(ses, &aws.Config{Region: "us-east-1"}, logger).(*notify.SESSender); !ok {
		t.Fatalf("expected ses sender")
	}
}
