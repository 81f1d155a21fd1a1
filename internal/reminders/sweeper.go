// Package reminders opens follow-up conversations for patients whose
// follow-up date has arrived.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/docfollow/internal/archive"
	"github.com/wolfman30/docfollow/internal/directory"
	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/observability/metrics"
	"github.com/wolfman30/docfollow/pkg/logging"
)

const (
	resultStarted = "started"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

// Directory is the subset of directory.Repository the sweep uses.
type Directory interface {
	DuePatients(ctx context.Context, day string) ([]directory.Patient, error)
	ClearFollowUpDate(ctx context.Context, patientID, day string) error
	GetDoctor(ctx context.Context, id string) (*directory.Doctor, error)
}

// Engine is the subset of *followup.Engine the sweep drives.
type Engine interface {
	StartFollowUp(ctx context.Context, req followup.StartRequest) (*followup.Conversation, error)
	Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// ClosedStore lists and removes closed conversations once archived.
type ClosedStore interface {
	ListByState(ctx context.Context, state followup.State, updatedBefore time.Time, limit int) ([]*followup.Conversation, error)
	Delete(ctx context.Context, id string) error
}

// Archiver writes a closed conversation to long-term storage.
type Archiver interface {
	Enabled() bool
	ArchiveConversation(ctx context.Context, record *archive.ConversationRecord) error
}

// Report summarizes one sweep.
type Report struct {
	Due       int `json:"due"`
	Started   int `json:"started"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Recovered int `json:"recovered"`
	Archived  int `json:"archived"`
}

// Sweeper runs reminder sweeps. Overlapping sweeps are safe: the store
// rejects a second conversation for the same patient and date.
type Sweeper struct {
	directory Directory
	engine    Engine

	closed       ClosedStore
	archiver     Archiver
	archiveAfter time.Duration

	concurrency  int
	recoverAfter time.Duration
	batchSize    int
	location     *time.Location
	now          func() time.Time
	metrics      *metrics.ReminderMetrics
	logger       *logging.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLocation sets the zone that decides which day it is.
func WithLocation(loc *time.Location) Option {
	return func(s *Sweeper) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m *metrics.ReminderMetrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithRecoverAfter sets how long work may sit undispatched before Recover picks it up.
func WithRecoverAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.recoverAfter = d
		}
	}
}

// WithArchive moves conversations closed longer than after into the archive.
func WithArchive(store ClosedStore, archiver Archiver, after time.Duration) Option {
	return func(s *Sweeper) {
		s.closed = store
		s.archiver = archiver
		s.archiveAfter = after
	}
}

func NewSweeper(dir Directory, engine Engine, logger *logging.Logger, opts ...Option) *Sweeper {
	if dir == nil || engine == nil {
		panic("reminders: directory and engine are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Sweeper{
		directory:    dir,
		engine:       engine,
		concurrency:  4,
		recoverAfter: 10 * time.Minute,
		batchSize:    100,
		location:     time.UTC,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.sweepLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("reminder sweep failed", "error", err)
	}
}

// Sweep opens conversations for every due patient, re-dispatches stalled
// work and archives old closed conversations. Per-patient failures are
// counted in the report; only a failure to list due patients is returned.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	today := followup.FollowUpDay(s.now().In(s.location))

	due, err := s.directory.DuePatients(ctx, today)
	if err != nil {
		return report, fmt.Errorf("reminders: list due patients: %w", err)
	}
	report.Due = len(due)

	var (
		mu      sync.Mutex
		doctors = make(map[string]*directory.Doctor)
	)
	doctorFor := func(ctx context.Context, id string) (*directory.Doctor, error) {
		mu.Lock()
		defer mu.Unlock()
		if d, ok := doctors[id]; ok {
			return d, nil
		}
		d, err := s.directory.GetDoctor(ctx, id)
		if err != nil {
			return nil, err
		}
		doctors[id] = d
		return d, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range due {
		p := due[i]
		g.Go(func() error {
			result := s.remind(gctx, &p, doctorFor)
			s.metrics.ObserveResult(result)
			mu.Lock()
			switch result {
			case resultStarted:
				report.Started++
			case resultSkipped:
				report.Skipped++
			default:
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	recovered, err := s.engine.Recover(ctx, s.recoverAfter, s.batchSize)
	if err != nil {
		s.logger.Error("reminder sweep: recover failed", "error", err)
	}
	report.Recovered = recovered

	report.Archived = s.archiveClosed(ctx)

	s.metrics.ObserveSweep()
	s.logger.Info("reminder sweep complete",
		"day", today,
		"due", report.Due,
		"started", report.Started,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"recovered", report.Recovered,
		"archived", report.Archived,
	)
	return report, nil
}

func (s *Sweeper) remind(ctx context.Context, p *directory.Patient, doctorFor func(context.Context, string) (*directory.Doctor, error)) string {
	doctor, err := doctorFor(ctx, p.DoctorID)
	if err != nil {
		s.logger.Error("reminder: doctor lookup failed", "patient_id", p.ID, "doctor_id", p.DoctorID, "error", err)
		return resultFailed
	}

	conv, err := s.engine.StartFollowUp(ctx, followup.StartRequest{
		PatientID:    p.ID,
		DoctorID:     p.DoctorID,
		FollowUpDate: p.FollowUpDate,
		Participants: directory.Participants(p, doctor),
		Greeting:     ReminderMessage(p.Name, doctor.Name, p.Diagnosis),
	})
	switch {
	case errors.Is(err, followup.ErrDuplicateFollowUp):
		// Reminded by an earlier or overlapping sweep that did not get to clear the date.
		s.markReminded(ctx, p)
		return resultSkipped
	case errors.Is(err, followup.ErrOpenConversationExists):
		// Stays due until the open conversation closes.
		return resultSkipped
	case err != nil:
		s.logger.Error("reminder: start follow-up failed", "patient_id", p.ID, "error", err)
		return resultFailed
	}
	s.logger.Info("reminder sent", "patient_id", p.ID, "conversation_id", conv.ID, "followup_date", p.FollowUpDate)
	s.markReminded(ctx, p)
	return resultStarted
}

// markReminded clears the patient's follow-up date once its conversation
// exists, so archiving that conversation later cannot make the date due again.
func (s *Sweeper) markReminded(ctx context.Context, p *directory.Patient) {
	if err := s.directory.ClearFollowUpDate(ctx, p.ID, p.FollowUpDate); err != nil {
		s.logger.Error("reminder: clear follow-up date failed", "patient_id", p.ID, "followup_date", p.FollowUpDate, "error", err)
	}
}

func (s *Sweeper) archiveClosed(ctx context.Context) int {
	if s.closed == nil || s.archiver == nil || !s.archiver.Enabled() || s.archiveAfter <= 0 {
		return 0
	}
	now := s.now().UTC()
	convs, err := s.closed.ListByState(ctx, followup.StateClosed, now.Add(-s.archiveAfter), s.batchSize)
	if err != nil {
		s.logger.Error("archive: list closed conversations failed", "error", err)
		return 0
	}
	archived := 0
	for _, conv := range convs {
		if err := s.archiver.ArchiveConversation(ctx, archive.NewRecord(conv, now)); err != nil {
			s.logger.Error("archive: write failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		if err := s.closed.Delete(ctx, conv.ID); err != nil && !errors.Is(err, followup.ErrNotFound) {
			s.logger.Error("archive: delete failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		archived++
	}
	return archived
}
