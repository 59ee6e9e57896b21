package encounter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/apperr"
	"github.com/clinqo/clinqo/internal/platform/websocket"
)

// HubPublisher forwards committed transitions to the sync hub. It runs
// on the transition's goroutine, so deltas reach the hub in version
// order per encounter.
type HubPublisher struct {
	hub *websocket.Hub
	log zerolog.Logger
}

func NewHubPublisher(hub *websocket.Hub, log zerolog.Logger) *HubPublisher {
	return &HubPublisher{hub: hub, log: log.With().Str("component", "sync-publisher").Logger()}
}

func (p *HubPublisher) PublishDelta(ctx context.Context, d Delta) {
	payload, err := json.Marshal(d.Encounter)
	if err != nil {
		p.log.Error().Err(err).Str("encounter_id", d.EncounterID.String()).Msg("marshal delta payload")
		payload = nil
	}
	p.hub.Publish(ctx, websocket.Delta{
		EncounterID: d.EncounterID.String(),
		Version:     d.Version,
		Event:       d.Event,
		Reason:      d.Reason,
		Payload:     payload,
		Timestamp:   d.Timestamp,
	})
}

// SnapshotFunc adapts the service's read path to the hub's resync fetch.
func SnapshotFunc(svc *Service) websocket.SnapshotFunc {
	return func(ctx context.Context, encounterID string) (json.RawMessage, int64, error) {
		id, err := uuid.Parse(encounterID)
		if err != nil {
			return nil, 0, apperr.Validationf("invalid encounter id %q", encounterID)
		}
		enc, err := svc.Get(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		payload, err := json.Marshal(enc)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal encounter snapshot: %w", err)
		}
		return payload, enc.Version, nil
	}
}
