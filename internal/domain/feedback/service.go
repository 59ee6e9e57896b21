package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/apperr"
	"github.com/clinqo/clinqo/internal/domain/encounter"
)

// GlobalRef keys the clinic-wide profile every event also feeds. It
// backs suggestions for doctors with no history of their own.
const GlobalRef = ""

// EncounterSource provides the encounter a decision refers to, for the
// status guard and the clinical signature.
type EncounterSource interface {
	Get(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error)
}

// Service records decisions and maintains profile projections.
type Service struct {
	repo       Repository
	encounters EncounterSource
	log        zerolog.Logger

	// mu serializes profile read-modify-write cycles; events are
	// append-only and need no such coordination.
	mu sync.Mutex
}

func NewService(repo Repository, encounters EncounterSource, log zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		encounters: encounters,
		log:        log.With().Str("component", "feedback").Logger(),
	}
}

// Record appends the decision event and folds it into the doctor's and
// the clinic-wide profiles. Exactly one event per encounter: a repeat
// call reports the decision as already reviewed.
func (s *Service) Record(ctx context.Context, encounterID uuid.UUID, doctorRef string, original encounter.Candidate, final encounter.Prescription, overridden bool) error {
	enc, err := s.encounters.Get(ctx, encounterID)
	if err != nil {
		return err
	}
	if enc.Status != encounter.StatusReviewed && enc.Status != encounter.StatusClosed {
		return apperr.StateConflict("recordFeedback", "reviewed", string(enc.Status))
	}
	if exists, err := s.repo.ExistsForEncounter(ctx, encounterID); err != nil {
		return err
	} else if exists {
		return apperr.AlreadyReviewedf("feedback already recorded for encounter %s", encounterID)
	}

	var signature string
	if enc.Context != nil {
		signature = Signature(*enc.Context)
	}
	now := time.Now().UTC()
	ev := &Event{
		ID:                uuid.New(),
		EncounterID:       encounterID,
		DoctorRef:         doctorRef,
		Signature:         signature,
		OriginalCandidate: original,
		FinalPrescription: final,
		Overridden:        overridden,
		CreatedAt:         now,
	}
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range []string{doctorRef, GlobalRef} {
		if err := s.applyToProfile(ctx, ref, signature, final, now); err != nil {
			// The event is the source of truth; a profile write failure
			// is recoverable by rebuilding from events.
			s.log.Error().Err(err).
				Str("doctor_ref", ref).
				Str("encounter_id", encounterID.String()).
				Msg("update feedback profile")
		}
	}

	s.log.Info().
		Str("encounter_id", encounterID.String()).
		Str("doctor_ref", doctorRef).
		Str("signature", signature).
		Bool("overridden", overridden).
		Msg("feedback recorded")
	return nil
}

func (s *Service) applyToProfile(ctx context.Context, doctorRef, signature string, final encounter.Prescription, at time.Time) error {
	p, err := s.repo.GetProfile(ctx, doctorRef)
	if err != nil {
		return err
	}
	if p == nil {
		p = NewProfile(doctorRef)
	}
	p.Apply(signature, final, at)
	return s.repo.SaveProfile(ctx, p)
}

// ProfileFor returns the doctor's profile with the clinic-wide profile
// filling in signatures the doctor has never seen. Never returns nil.
func (s *Service) ProfileFor(ctx context.Context, doctorRef string) (*Profile, error) {
	doctor, err := s.repo.GetProfile(ctx, doctorRef)
	if err != nil {
		return nil, err
	}
	global, err := s.repo.GetProfile(ctx, GlobalRef)
	if err != nil {
		return nil, err
	}

	if doctor == nil {
		if global == nil {
			return NewProfile(doctorRef), nil
		}
		merged := global.Clone()
		merged.DoctorRef = doctorRef
		return merged, nil
	}

	merged := doctor.Clone()
	if global != nil {
		for sig, entries := range global.Signatures {
			if _, ok := merged.Signatures[sig]; !ok {
				merged.Signatures[sig] = append([]ProfileEntry(nil), entries...)
			}
		}
	}
	return merged, nil
}

// ListByDoctor returns a doctor's feedback events, newest first.
func (s *Service) ListByDoctor(ctx context.Context, doctorRef string, limit, offset int) ([]*Event, int, error) {
	return s.repo.ListByDoctor(ctx, doctorRef, limit, offset)
}
