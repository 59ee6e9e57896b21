package feedback

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists feedback events and profile projections.
// AppendEvent must enforce the one-event-per-encounter invariant.
type Repository interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ExistsForEncounter(ctx context.Context, encounterID uuid.UUID) (bool, error)
	ListByDoctor(ctx context.Context, doctorRef string, limit, offset int) ([]*Event, int, error)
	GetProfile(ctx context.Context, doctorRef string) (*Profile, error)
	SaveProfile(ctx context.Context, p *Profile) error
}
