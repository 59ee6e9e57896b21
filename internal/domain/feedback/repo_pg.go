package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinqo/clinqo/internal/apperr"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns the PostgreSQL-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const uniqueViolation = "23505"

func (r *repoPG) AppendEvent(ctx context.Context, ev *Event) error {
	original, err := json.Marshal(ev.OriginalCandidate)
	if err != nil {
		return fmt.Errorf("marshal original candidate: %w", err)
	}
	final, err := json.Marshal(ev.FinalPrescription)
	if err != nil {
		return fmt.Errorf("marshal final prescription: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO feedback_events (
			id, encounter_id, doctor_ref, signature,
			original_candidate, final_prescription, overridden, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.EncounterID, ev.DoctorRef, ev.Signature,
		original, final, ev.Overridden, ev.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.AlreadyReviewedf("feedback already recorded for encounter %s", ev.EncounterID)
	}
	return err
}

func (r *repoPG) ExistsForEncounter(ctx context.Context, encounterID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM feedback_events WHERE encounter_id = $1)`, encounterID).Scan(&exists)
	return exists, err
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorRef string, limit, offset int) ([]*Event, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback_events WHERE doctor_ref = $1`, doctorRef).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, encounter_id, doctor_ref, signature,
			original_candidate, final_prescription, overridden, created_at
		FROM feedback_events WHERE doctor_ref = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		doctorRef, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var original, final []byte
		if err := rows.Scan(&ev.ID, &ev.EncounterID, &ev.DoctorRef, &ev.Signature,
			&original, &final, &ev.Overridden, &ev.CreatedAt); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal(original, &ev.OriginalCandidate); err != nil {
			return nil, 0, fmt.Errorf("unmarshal original candidate: %w", err)
		}
		if err := json.Unmarshal(final, &ev.FinalPrescription); err != nil {
			return nil, 0, fmt.Errorf("unmarshal final prescription: %w", err)
		}
		out = append(out, &ev)
	}
	return out, total, rows.Err()
}

func (r *repoPG) GetProfile(ctx context.Context, doctorRef string) (*Profile, error) {
	var data []byte
	err := r.pool.QueryRow(ctx,
		`SELECT profile FROM feedback_profiles WHERE doctor_ref = $1`, doctorRef).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &p, nil
}

func (r *repoPG) SaveProfile(ctx context.Context, p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO feedback_profiles (doctor_ref, profile, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (doctor_ref) DO UPDATE SET profile = $2, updated_at = $3`,
		p.DoctorRef, data, p.UpdatedAt)
	return err
}
