package encounter

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clinqo/clinqo/internal/apperr"
)

// MemoryRepo is a thread-safe in-memory Repository used in development
// mode (no DATABASE_URL) and in tests.
type MemoryRepo struct {
	mu         sync.RWMutex
	encounters map[uuid.UUID]*Encounter
	order      []uuid.UUID // creation order, oldest first
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{encounters: make(map[uuid.UUID]*Encounter)}
}

func (r *MemoryRepo) Create(_ context.Context, enc *Encounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.encounters[enc.ID]; ok {
		return apperr.Validationf("encounter %s already exists", enc.ID)
	}
	r.encounters[enc.ID] = enc.Clone()
	r.order = append(r.order, enc.ID)
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Encounter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc, ok := r.encounters[id]
	if !ok {
		return nil, apperr.NotFoundf("encounter %s not found", id)
	}
	return enc.Clone(), nil
}

func (r *MemoryRepo) Update(_ context.Context, enc *Encounter, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.encounters[enc.ID]
	if !ok {
		return apperr.NotFoundf("encounter %s not found", enc.ID)
	}
	if stored.Version != expectedVersion {
		return apperr.StateConflictf("encounter %s modified concurrently: version %d, expected %d",
			enc.ID, stored.Version, expectedVersion)
	}
	r.encounters[enc.ID] = enc.Clone()
	return nil
}

func (r *MemoryRepo) List(_ context.Context, limit, offset int) ([]*Encounter, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.page(r.order, limit, offset)
}

func (r *MemoryRepo) ListByPatient(_ context.Context, patientRef string, limit, offset int) ([]*Encounter, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []uuid.UUID
	for _, id := range r.order {
		if r.encounters[id].PatientRef == patientRef {
			ids = append(ids, id)
		}
	}
	return r.page(ids, limit, offset)
}

// page returns a newest-first window over ids (which are oldest-first).
func (r *MemoryRepo) page(ids []uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	total := len(ids)
	newest := make([]uuid.UUID, total)
	copy(newest, ids)
	sort.SliceStable(newest, func(i, j int) bool {
		return r.encounters[newest[i]].CreatedAt.After(r.encounters[newest[j]].CreatedAt)
	})

	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*Encounter, 0, end-offset)
	for _, id := range newest[offset:end] {
		out = append(out, r.encounters[id].Clone())
	}
	return out, total, nil
}
