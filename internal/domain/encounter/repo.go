package encounter

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists encounters. Update takes the version the caller
// loaded; implementations must refuse the write when the stored version
// differs (optimistic concurrency under multi-instance deployment).
type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	Update(ctx context.Context, enc *Encounter, expectedVersion int64) error
	List(ctx context.Context, limit, offset int) ([]*Encounter, int, error)
	ListByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Encounter, int, error)
}
