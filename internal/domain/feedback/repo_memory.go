package feedback

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/clinqo/clinqo/internal/apperr"
)

// MemoryRepo is the in-memory Repository for development mode and tests.
type MemoryRepo struct {
	mu          sync.RWMutex
	events      []*Event
	byEncounter map[uuid.UUID]struct{}
	profiles    map[string]*Profile
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byEncounter: make(map[uuid.UUID]struct{}),
		profiles:    make(map[string]*Profile),
	}
}

func (r *MemoryRepo) AppendEvent(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEncounter[ev.EncounterID]; ok {
		return apperr.AlreadyReviewedf("feedback already recorded for encounter %s", ev.EncounterID)
	}
	cp := *ev
	r.events = append(r.events, &cp)
	r.byEncounter[ev.EncounterID] = struct{}{}
	return nil
}

func (r *MemoryRepo) ExistsForEncounter(_ context.Context, encounterID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byEncounter[encounterID]
	return ok, nil
}

func (r *MemoryRepo) ListByDoctor(_ context.Context, doctorRef string, limit, offset int) ([]*Event, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Event
	// Newest first.
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].DoctorRef == doctorRef {
			matched = append(matched, r.events[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*Event, 0, end-offset)
	for _, ev := range matched[offset:end] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, total, nil
}

func (r *MemoryRepo) GetProfile(_ context.Context, doctorRef string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[doctorRef].Clone(), nil
}

func (r *MemoryRepo) SaveProfile(_ context.Context, p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.DoctorRef] = p.Clone()
	return nil
}
