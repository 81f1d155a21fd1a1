package followup

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*Conversation)}
}

func (s *MemoryStore) Create(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.convs {
		if existing.PatientID != conv.PatientID {
			continue
		}
		if existing.FollowUpDate == conv.FollowUpDate {
			return ErrDuplicateFollowUp
		}
		if existing.State.Open() {
			return ErrOpenConversationExists
		}
	}
	conv.Version = 1
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, conv *Conversation, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.convs[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrStorageConflict
	}
	conv.Version = expectedVersion + 1
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) FindOpenByPatient(_ context.Context, patientID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conv := range s.convs {
		if conv.PatientID == patientID && conv.State.Open() {
			return conv.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByDoctor(_ context.Context, doctorID string, states ...State) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, conv := range s.convs {
		if conv.DoctorID != doctorID || !stateIn(conv.State, states) {
			continue
		}
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State, updatedBefore time.Time, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, conv := range s.convs {
		if conv.State == state && conv.UpdatedAt.Before(updatedBefore) {
			out = append(out, conv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingDelivery(_ context.Context, cutoff time.Time, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, conv := range s.convs {
		if len(conv.PendingDeliveries(cutoff)) > 0 {
			out = append(out, conv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

func stateIn(state State, states []State) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
