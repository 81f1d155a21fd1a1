package booking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/pkg/logging"
)

var tracer = otel.Tracer("docfollow.internal.booking")

const (
	defaultDuration   = 30 * time.Minute
	defaultCalendarID = "primary"
	slotStep          = 30 * time.Minute
	workdayStartHour  = 9
	workdayEndHour    = 17
)

// ServiceFactory builds a Calendar client for one doctor's token source.
type ServiceFactory func(ctx context.Context, ts oauth2.TokenSource) (*calendar.Service, error)

func defaultServiceFactory(ctx context.Context, ts oauth2.TokenSource) (*calendar.Service, error) {
	return calendar.NewService(ctx, option.WithTokenSource(ts))
}

// GoogleCalendarScheduler books follow-up appointments in the doctor's
// Google Calendar. The event id is derived from the request id, so a
// re-submitted request finds the event it already created.
type GoogleCalendarScheduler struct {
	flow       *OAuthFlow
	tokens     TokenStore
	newService ServiceFactory
	calendarID string
	duration   time.Duration
	location   *time.Location
	now        func() time.Time
	logger     *logging.Logger
}

// CalendarOption configures a GoogleCalendarScheduler.
type CalendarOption func(*GoogleCalendarScheduler)

func WithServiceFactory(f ServiceFactory) CalendarOption {
	return func(s *GoogleCalendarScheduler) {
		if f != nil {
			s.newService = f
		}
	}
}

func WithAppointmentDuration(d time.Duration) CalendarOption {
	return func(s *GoogleCalendarScheduler) {
		if d > 0 {
			s.duration = d
		}
	}
}

// WithLocation sets the zone used for working hours.
func WithLocation(loc *time.Location) CalendarOption {
	return func(s *GoogleCalendarScheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithSchedulerClock(now func() time.Time) CalendarOption {
	return func(s *GoogleCalendarScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewGoogleCalendarScheduler(flow *OAuthFlow, tokens TokenStore, logger *logging.Logger, opts ...CalendarOption) *GoogleCalendarScheduler {
	if flow == nil || tokens == nil {
		panic("booking: google calendar scheduler requires oauth flow and token store")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &GoogleCalendarScheduler{
		flow:       flow,
		tokens:     tokens,
		newService: defaultServiceFactory,
		calendarID: defaultCalendarID,
		duration:   defaultDuration,
		location:   time.UTC,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ followup.Scheduler = (*GoogleCalendarScheduler)(nil)

// Book implements followup.Scheduler. Missing or revoked authorization comes
// back as a NotAuthorized outcome; network and server failures as errors.
func (s *GoogleCalendarScheduler) Book(ctx context.Context, req followup.BookingRequest) (followup.BookingOutcome, error) {
	ctx, span := tracer.Start(ctx, "booking.google.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("docfollow.booking_request_id", req.ID),
		attribute.String("docfollow.doctor_id", req.DoctorID),
	)

	tok, err := s.tokens.Get(ctx, req.DoctorID)
	if errors.Is(err, ErrNoToken) {
		return s.notAuthorized(ctx, req, false)
	}
	if err != nil {
		span.RecordError(err)
		return followup.BookingOutcome{}, err
	}

	svc, err := s.newService(ctx, s.flow.TokenSource(ctx, s.tokens, req.DoctorID, tok))
	if err != nil {
		return followup.BookingOutcome{}, fmt.Errorf("booking: calendar client: %w", err)
	}

	eventID := EventIDFor(req.ID)
	existing, err := svc.Events.Get(s.calendarID, eventID).Context(ctx).Do()
	switch {
	case err == nil && existing.Status != "cancelled":
		s.logger.Info("calendar event already exists", "request_id", req.ID, "event_id", eventID)
		return confirmed(existing), nil
	case err != nil && !isStatus(err, http.StatusNotFound):
		return s.failure(ctx, req, err)
	}

	from, to := s.window(req)
	busy, err := s.busy(ctx, svc, from, to)
	if err != nil {
		return s.failure(ctx, req, err)
	}
	start, ok := firstFreeSlot(from, to, s.duration, busy, s.location)
	if !ok {
		reason := fmt.Sprintf("no free %s slot between %s and %s", s.duration, from.In(s.location).Format(time.RFC1123), to.In(s.location).Format(time.RFC1123))
		return followup.BookingOutcome{Kind: followup.BookingRejected, Reason: reason}, nil
	}

	event := &calendar.Event{
		Id:          eventID,
		Summary:     fmt.Sprintf("Appointment with %s", valueOrNA(req.PatientName)),
		Description: fmt.Sprintf("%s for %s (phone %s).", valueOrNA(req.Purpose), valueOrNA(req.PatientName), valueOrNA(req.PatientPhone)),
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: s.location.String()},
		End:         &calendar.EventDateTime{DateTime: start.Add(s.duration).Format(time.RFC3339), TimeZone: s.location.String()},
	}
	if req.DoctorEmail != "" {
		event.Attendees = []*calendar.EventAttendee{{Email: req.DoctorEmail}}
	}
	created, err := svc.Events.Insert(s.calendarID, event).Context(ctx).Do()
	if isStatus(err, http.StatusConflict) {
		// Lost a race with an earlier attempt for the same request.
		created, err = svc.Events.Get(s.calendarID, eventID).Context(ctx).Do()
	}
	if err != nil {
		return s.failure(ctx, req, err)
	}

	s.logger.Info("calendar event created", "request_id", req.ID, "event_id", created.Id, "start", start)
	return confirmed(created), nil
}

func (s *GoogleCalendarScheduler) busy(ctx context.Context, svc *calendar.Service, from, to time.Time) ([]*calendar.TimePeriod, error) {
	resp, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: s.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	cal, ok := resp.Calendars[s.calendarID]
	if !ok {
		return nil, nil
	}
	return cal.Busy, nil
}

// window is the availability the doctor gave, or the coming week.
func (s *GoogleCalendarScheduler) window(req followup.BookingRequest) (time.Time, time.Time) {
	now := s.now()
	if req.Window != nil && req.Window.End.After(req.Window.Start) {
		from := req.Window.Start
		if from.Before(now) {
			from = now
		}
		return from, req.Window.End
	}
	return now.Add(time.Hour), now.Add(7 * 24 * time.Hour)
}

func (s *GoogleCalendarScheduler) failure(ctx context.Context, req followup.BookingRequest, err error) (followup.BookingOutcome, error) {
	switch classifyCalendarError(err) {
	case calendarAuth:
		return s.notAuthorized(ctx, req, true)
	case calendarRejected:
		return followup.BookingOutcome{Kind: followup.BookingRejected, Reason: err.Error()}, nil
	default:
		return followup.BookingOutcome{}, fmt.Errorf("booking: calendar: %w", err)
	}
}

func (s *GoogleCalendarScheduler) notAuthorized(ctx context.Context, req followup.BookingRequest, revoked bool) (followup.BookingOutcome, error) {
	if revoked {
		if err := s.tokens.Delete(ctx, req.DoctorID); err != nil {
			s.logger.Warn("failed to drop revoked calendar token", "doctor_id", req.DoctorID, "error", err)
		}
	}
	authURL, err := s.flow.AuthURL(req.DoctorID)
	if err != nil {
		return followup.BookingOutcome{}, err
	}
	s.logger.Info("calendar authorization required", "doctor_id", req.DoctorID, "request_id", req.ID, "revoked", revoked)
	return followup.BookingOutcome{Kind: followup.BookingNotAuthorized, AuthURL: authURL}, nil
}

// CompleteAuthorization handles the OAuth callback and returns the doctor
// whose calendar is now connected.
func (s *GoogleCalendarScheduler) CompleteAuthorization(ctx context.Context, state, code string) (string, error) {
	doctorID, err := s.flow.DoctorFromState(state)
	if err != nil {
		return "", err
	}
	tok, err := s.flow.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	if err := s.tokens.Save(ctx, doctorID, tok); err != nil {
		return "", err
	}
	s.logger.Info("calendar authorized", "doctor_id", doctorID)
	return doctorID, nil
}

// EventIDFor maps a booking request id onto a valid Calendar event id
// (base32hex characters, 5 to 1024 long).
func EventIDFor(requestID string) string {
	sum := sha256.Sum256([]byte(requestID))
	return "df" + hex.EncodeToString(sum[:16])
}

func confirmed(ev *calendar.Event) followup.BookingOutcome {
	out := followup.BookingOutcome{Kind: followup.BookingConfirmed, EventID: ev.Id}
	if ev.Start != nil {
		if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			out.Start = t
		}
	}
	return out
}

type calendarErrorClass int

const (
	calendarTransient calendarErrorClass = iota
	calendarAuth
	calendarRejected
)

func classifyCalendarError(err error) calendarErrorClass {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return calendarAuth
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return calendarTransient
	}
	switch {
	case gerr.Code == http.StatusUnauthorized:
		return calendarAuth
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return calendarTransient
			}
		}
		return calendarAuth
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return calendarTransient
	case gerr.Code >= 400:
		return calendarRejected
	}
	return calendarTransient
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// firstFreeSlot returns the earliest slot of length d inside [from, to) that
// falls on a weekday between workday hours in loc and overlaps no busy period.
func firstFreeSlot(from, to time.Time, d time.Duration, busy []*calendar.TimePeriod, loc *time.Location) (time.Time, bool) {
	periods := make([][2]time.Time, 0, len(busy))
	for _, p := range busy {
		start, err1 := time.Parse(time.RFC3339, p.Start)
		end, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			continue
		}
		periods = append(periods, [2]time.Time{start, end})
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i][0].Before(periods[j][0]) })

	candidate := from.In(loc).Truncate(slotStep)
	if candidate.Before(from) {
		candidate = candidate.Add(slotStep)
	}
	for !candidate.Add(d).After(to) {
		dayStart := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), workdayStartHour, 0, 0, 0, loc)
		dayEnd := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), workdayEndHour, 0, 0, 0, loc)
		switch {
		case candidate.Weekday() == time.Saturday || candidate.Weekday() == time.Sunday || !candidate.Add(d).Before(dayEnd.Add(time.Nanosecond)):
			candidate = dayStart.AddDate(0, 0, 1)
			continue
		case candidate.Before(dayStart):
			candidate = dayStart
			continue
		}
		clash := false
		for _, p := range periods {
			if candidate.Before(p[1]) && p[0].Before(candidate.Add(d)) {
				candidate = p[1].In(loc)
				if t := candidate.Truncate(slotStep); t.Before(candidate) {
					candidate = t.Add(slotStep)
				}
				clash = true
				break
			}
		}
		if !clash {
			return candidate, true
		}
	}
	return time.Time{}, false
}

func valueOrNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}
