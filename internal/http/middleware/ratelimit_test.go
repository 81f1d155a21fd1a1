package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimitByDoctor(t *testing.T) {
	handler := RateLimitBy(0.001, 2, DoctorKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(doctorID string) int {
		req := httptest.NewRequest(http.MethodPost, "/doctors/me/followups/c1/reply", nil)
		req = req.WithContext(WithDoctorID(req.Context(), doctorID))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("doc-1"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code := send("doc-1"); code != http.StatusOK {
		t.Fatalf("second request: got %d", code)
	}
	if code := send("doc-1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: expected 429, got %d", code)
	}
	if code := send("doc-2"); code != http.StatusOK {
		t.Fatalf("other doctor should have its own bucket, got %d", code)
	}
}

func TestRateLimitFallsBackToIP(t *testing.T) {
	handler := RateLimit(0.001, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil)
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
