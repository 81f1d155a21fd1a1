package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/docfollow/internal/booking"
	httpmiddleware "github.com/wolfman30/docfollow/internal/http/middleware"
	"github.com/wolfman30/docfollow/pkg/logging"
)

type stubAuthorizer struct {
	doctorID string
	err      error
	calls    int
}

func (s *stubAuthorizer) CompleteAuthorization(_ context.Context, state, code string) (string, error) {
	s.calls++
	return s.doctorID, s.err
}

type stubURLs struct{}

func (stubURLs) AuthURL(doctorID string) (string, error) {
	return "https://accounts.example.com/auth?state=" + doctorID, nil
}

type stubResumer struct {
	doctors []string
	count   int
}

func (s *stubResumer) ResumeBookingsForDoctor(_ context.Context, doctorID string) (int, error) {
	s.doctors = append(s.doctors, doctorID)
	return s.count, nil
}

func TestCallback_ResumesParkedBookings(t *testing.T) {
	auth := &stubAuthorizer{doctorID: "doc-1"}
	resumer := &stubResumer{count: 2}
	h := NewCalendarHandler(auth, stubURLs{}, resumer, logging.Default())

	rec := httptest.NewRecorder()
	h.Callback(rec, httptest.NewRequest(http.MethodGet, "/oauth/google/callback?state=s&code=c", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"doc-1"}, resumer.doctors)
	assert.Contains(t, rec.Body.String(), "2 pending booking(s) resumed")
}

func TestCallback_Failures(t *testing.T) {
	cases := []struct {
		name  string
		query string
		err   error
		code  int
		calls int
	}{
		{"declined", "error=access_denied", nil, http.StatusBadRequest, 0},
		{"missing code", "state=s", nil, http.StatusBadRequest, 0},
		{"bad state", "state=s&code=c", fmt.Errorf("%w: expired", booking.ErrInvalidState), http.StatusBadRequest, 1},
		{"exchange failed", "state=s&code=c", errors.New("token endpoint down"), http.StatusBadGateway, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &stubAuthorizer{err: tc.err}
			resumer := &stubResumer{}
			h := NewCalendarHandler(auth, stubURLs{}, resumer, logging.Default())

			rec := httptest.NewRecorder()
			h.Callback(rec, httptest.NewRequest(http.MethodGet, "/oauth/google/callback?"+tc.query, nil))

			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.calls, auth.calls)
			assert.Empty(t, resumer.doctors)
		})
	}
}

func TestConnectURL(t *testing.T) {
	h := NewCalendarHandler(&stubAuthorizer{}, stubURLs{}, &stubResumer{}, logging.Default())

	req := httptest.NewRequest(http.MethodGet, "/doctors/me/calendar/connect", nil)
	req = req.WithContext(httpmiddleware.WithDoctorID(req.Context(), "doc-9"))
	rec := httptest.NewRecorder()
	h.ConnectURL(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "state=doc-9")
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
