package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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

const encCols = `id, patient_ref, doctor_ref, status, intake_text, intake_audio,
	clinical_context, suggestion_candidate, final_prescription,
	overridden, failure_reason, version, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, enc *Encounter) error {
	cctx, cand, final, err := marshalJSONFields(enc)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO encounters (
			id, patient_ref, doctor_ref, status, intake_text, intake_audio,
			clinical_context, suggestion_candidate, final_prescription,
			overridden, failure_reason, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		enc.ID, enc.PatientRef, enc.DoctorRef, enc.Status, enc.IntakeText, enc.IntakeAudio,
		cctx, cand, final,
		enc.Overridden, enc.FailureReason, enc.Version, enc.CreatedAt, enc.UpdatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	enc, err := scanEnc(r.pool.QueryRow(ctx, `SELECT `+encCols+` FROM encounters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("encounter %s not found", id)
	}
	return enc, err
}

// Update writes the full record guarded by the version the caller
// loaded. Zero affected rows means a concurrent writer got there first.
func (r *repoPG) Update(ctx context.Context, enc *Encounter, expectedVersion int64) error {
	cctx, cand, final, err := marshalJSONFields(enc)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE encounters SET
			doctor_ref=$2, status=$3, intake_text=$4, intake_audio=$5,
			clinical_context=$6, suggestion_candidate=$7, final_prescription=$8,
			overridden=$9, failure_reason=$10, version=$11, updated_at=$12
		WHERE id = $1 AND version = $13`,
		enc.ID, enc.DoctorRef, enc.Status, enc.IntakeText, enc.IntakeAudio,
		cctx, cand, final,
		enc.Overridden, enc.FailureReason, enc.Version, enc.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.StateConflictf("encounter %s modified concurrently, expected version %d", enc.ID, expectedVersion)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Encounter, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM encounters`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+encCols+` FROM encounters ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectEncs(rows, total)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Encounter, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM encounters WHERE patient_ref = $1`, patientRef).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+encCols+` FROM encounters WHERE patient_ref = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientRef, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectEncs(rows, total)
}

func marshalJSONFields(enc *Encounter) (cctx, cand, final []byte, err error) {
	if enc.Context != nil {
		if cctx, err = json.Marshal(enc.Context); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal clinical context: %w", err)
		}
	}
	if enc.Candidate != nil {
		if cand, err = json.Marshal(enc.Candidate); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal candidate: %w", err)
		}
	}
	if enc.FinalPrescription != nil {
		if final, err = json.Marshal(enc.FinalPrescription); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal final prescription: %w", err)
		}
	}
	return cctx, cand, final, nil
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var enc Encounter
	var cctx, cand, final []byte
	err := row.Scan(
		&enc.ID, &enc.PatientRef, &enc.DoctorRef, &enc.Status, &enc.IntakeText, &enc.IntakeAudio,
		&cctx, &cand, &final,
		&enc.Overridden, &enc.FailureReason, &enc.Version, &enc.CreatedAt, &enc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(cctx) > 0 {
		enc.Context = &ClinicalContext{}
		if err := json.Unmarshal(cctx, enc.Context); err != nil {
			return nil, fmt.Errorf("unmarshal clinical context: %w", err)
		}
	}
	if len(cand) > 0 {
		enc.Candidate = &Candidate{}
		if err := json.Unmarshal(cand, enc.Candidate); err != nil {
			return nil, fmt.Errorf("unmarshal candidate: %w", err)
		}
	}
	if len(final) > 0 {
		enc.FinalPrescription = &Prescription{}
		if err := json.Unmarshal(final, enc.FinalPrescription); err != nil {
			return nil, fmt.Errorf("unmarshal final prescription: %w", err)
		}
	}
	return &enc, nil
}

func collectEncs(rows pgx.Rows, total int) ([]*Encounter, int, error) {
	var out []*Encounter
	for rows.Next() {
		enc, err := scanEnc(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, enc)
	}
	return out, total, rows.Err()
}
