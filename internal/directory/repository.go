package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/docfollow/internal/messaging"
)

// Repository stores patients and doctors.
type Repository interface {
	SavePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id string) (*Patient, error)
	// PatientIDByPhone returns "" when no patient owns the number.
	PatientIDByPhone(ctx context.Context, phone string) (string, error)
	// DuePatients returns patients whose follow-up date is on or before day.
	DuePatients(ctx context.Context, day string) ([]Patient, error)
	// ClearFollowUpDate marks the patient's follow-up as reminded. It only
	// clears the date when it still equals day, so a newly scheduled date
	// survives.
	ClearFollowUpDate(ctx context.Context, patientID, day string) error
	SaveDoctor(ctx context.Context, d *Doctor) error
	GetDoctor(ctx context.Context, id string) (*Doctor, error)
}

// MemoryRepository is an in-process Repository for local runs and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	patients map[string]Patient
	doctors  map[string]Doctor
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients: make(map[string]Patient),
		doctors:  make(map[string]Doctor),
		now:      time.Now,
	}
}

func (r *MemoryRepository) SavePatient(_ context.Context, p *Patient) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, other := range r.patients {
		if id != p.ID && other.Phone == p.Phone {
			return ErrPhoneTaken
		}
	}
	now := r.now().UTC()
	if existing, ok := r.patients[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.patients[p.ID] = *p
	return nil
}

func (r *MemoryRepository) GetPatient(_ context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) PatientIDByPhone(_ context.Context, phone string) (string, error) {
	phone = messaging.NormalizeE164(phone)
	if phone == "" {
		return "", nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patients {
		if p.Phone == phone {
			return p.ID, nil
		}
	}
	return "", nil
}

func (r *MemoryRepository) DuePatients(_ context.Context, day string) ([]Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Patient
	for _, p := range r.patients {
		// Dates are YYYY-MM-DD so lexical order is chronological.
		if p.FollowUpDate != "" && p.FollowUpDate <= day {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FollowUpDate != out[j].FollowUpDate {
			return out[i].FollowUpDate < out[j].FollowUpDate
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) ClearFollowUpDate(_ context.Context, patientID, day string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[patientID]
	if !ok {
		return ErrPatientNotFound
	}
	if p.FollowUpDate != day {
		return nil
	}
	p.FollowUpDate = ""
	p.UpdatedAt = r.now().UTC()
	r.patients[patientID] = p
	return nil
}

func (r *MemoryRepository) SaveDoctor(_ context.Context, d *Doctor) error {
	if d.ID == "" {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.doctors[d.ID]; ok {
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = r.now().UTC()
	}
	r.doctors[d.ID] = *d
	return nil
}

func (r *MemoryRepository) GetDoctor(_ context.Context, id string) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}
