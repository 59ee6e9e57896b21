package encounter

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/apperr"
)

// Publisher receives one delta per committed transition, synchronously,
// in version order per encounter.
type Publisher interface {
	PublishDelta(ctx context.Context, d Delta)
}

// NopPublisher discards deltas. Used when no hub is wired.
type NopPublisher struct{}

func (NopPublisher) PublishDelta(context.Context, Delta) {}

const lockStripes = 64

// Service owns every Encounter mutation. Each transition validates the
// current status, mutates, increments Version and emits a delta as a
// single atomic operation. Transitions for the same encounter are
// serialized by a striped lock; different encounters never contend on
// a shared global lock.
type Service struct {
	repo  Repository
	pub   Publisher
	log   zerolog.Logger
	locks [lockStripes]sync.Mutex
}

func NewService(repo Repository, pub Publisher, log zerolog.Logger) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Service{
		repo: repo,
		pub:  pub,
		log:  log.With().Str("component", "encounter").Logger(),
	}
}

func (s *Service) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &s.locks[h.Sum32()%lockStripes]
}

// Create registers a new encounter in Intake at version 0. Creation is
// not a mutation; the version counter starts moving with the first
// transition.
func (s *Service) Create(ctx context.Context, patientRef string, doctorRef *string) (*Encounter, error) {
	if strings.TrimSpace(patientRef) == "" {
		return nil, apperr.Validationf("patient_ref is required")
	}
	now := time.Now().UTC()
	enc := &Encounter{
		ID:         uuid.New(),
		PatientRef: patientRef,
		DoctorRef:  doctorRef,
		Status:     StatusIntake,
		Version:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, enc); err != nil {
		return nil, err
	}
	s.publish(ctx, enc, EventCreated, "")
	return enc.Clone(), nil
}

// transition is the single mutation path: load under the encounter's
// lock, apply fn, bump the version, persist with an optimistic check
// and publish the resulting delta.
func (s *Service) transition(ctx context.Context, id uuid.UUID, fn func(e *Encounter) (string, error)) (*Encounter, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	event, err := fn(enc)
	if err != nil {
		return nil, err
	}

	prev := enc.Version
	enc.Version++
	enc.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, enc, prev); err != nil {
		return nil, err
	}

	s.publish(ctx, enc, event, enc.FailureReason)
	return enc.Clone(), nil
}

func (s *Service) publish(ctx context.Context, enc *Encounter, event, reason string) {
	d := Delta{
		EncounterID: enc.ID,
		Version:     enc.Version,
		Event:       event,
		Status:      enc.Status,
		Reason:      reason,
		Encounter:   enc.Clone(),
		Timestamp:   enc.UpdatedAt,
	}
	s.pub.PublishDelta(ctx, d)
	s.log.Debug().
		Str("encounter_id", enc.ID.String()).
		Str("event", event).
		Str("status", string(enc.Status)).
		Int64("version", enc.Version).
		Msg("transition committed")
}

// SubmitIntake records the intake payload and moves Intake -> Extracting.
// Resubmission after the pipeline has started is a conflict; the
// receptionist must create a new encounter or wait for failure.
func (s *Service) SubmitIntake(ctx context.Context, id uuid.UUID, text string, audio []byte) (*Encounter, error) {
	if strings.TrimSpace(text) == "" && len(audio) == 0 {
		return nil, apperr.Validationf("intake requires text or audio")
	}
	return s.transition(ctx, id, func(e *Encounter) (string, error) {
		if e.Status != StatusIntake {
			return "", apperr.StateConflict("submitIntake", string(StatusIntake), string(e.Status))
		}
		e.IntakeText = text
		e.IntakeAudio = audio
		e.Status = StatusExtracting
		return EventIntakeSubmitted, nil
	})
}

// ExtractionComplete stores the write-once clinical context and moves
// Extracting -> AwaitingSuggestion.
func (s *Service) ExtractionComplete(ctx context.Context, id uuid.UUID, cctx ClinicalContext) (*Encounter, error) {
	if len(cctx.Symptoms) == 0 {
		return nil, apperr.Validationf("clinical context requires at least one symptom")
	}
	return s.transition(ctx, id, func(e *Encounter) (string, error) {
		if e.Status != StatusExtracting {
			return "", apperr.StateConflict("extractionComplete", string(StatusExtracting), string(e.Status))
		}
		c := cctx
		e.Context = &c
		e.Status = StatusAwaitingSuggestion
		return EventContextExtracted, nil
	})
}

// SuggestionComplete stores the candidate and moves
// AwaitingSuggestion -> SuggestionReady. The candidate slot is
// write-once per request cycle.
func (s *Service) SuggestionComplete(ctx context.Context, id uuid.UUID, cand Candidate) (*Encounter, error) {
	return s.transition(ctx, id, func(e *Encounter) (string, error) {
		if e.Status != StatusAwaitingSuggestion {
			return "", apperr.StateConflict("suggestionComplete", string(StatusAwaitingSuggestion), string(e.Status))
		}
		if e.Candidate != nil {
			return "", apperr.StateConflictf("suggestion candidate already present for this cycle")
		}
		c := cand
		e.Candidate = &c
		e.Status = StatusSuggestionReady
		return EventSuggestionReady, nil
	})
}

// RequestNewSuggestion invalidates the current candidate and returns
// SuggestionReady -> AwaitingSuggestion for a fresh cycle.
func (s *Service) RequestNewSuggestion(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.transition(ctx, id, func(e *Encounter) (string, error) {
		if e.Status != StatusSuggestionReady {
			return "", apperr.StateConflict("requestNewSuggestion", string(StatusSuggestionReady), string(e.Status))
		}
		e.Candidate = nil
		e.Status = StatusAwaitingSuggestion
		return EventSuggestionRerequested, nil
	})
}

// Fail moves a non-terminal, pre-review encounter to Failed with a
// reason code. The reason travels on the failure delta so both
// sessions learn of it without polling.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, reason string) (*Encounter, error) {
	return s.transition(ctx, id, func(e *Encounter) (string, error) {
		switch e.Status {
		case StatusExtracting, StatusAwaitingSuggestion, StatusSuggestionReady:
		default:
			return "", apperr.StateConflict("fail", "extracting|awaiting_suggestion|suggestion_ready", string(e.Status))
		}
		e.Status = StatusFailed
		e.FailureReason = reason
		return EventFailed, nil
	})
}

// Decision records the doctor's accept/override and moves
// SuggestionReady -> Reviewed. A decision arriving in any other status
// (including after a suggestion timeout, before the retry completes)
// is a StateConflict.
func (s *Service) Decision(ctx context.Context, id uuid.UUID, doctorRef string, accept bool, override *Prescription) (*Encounter, error) {
	if strings.TrimSpace(doctorRef) == "" {
		return nil, apperr.Validationf("doctor_ref is required")
	}
	if !accept && override == nil {
		return nil, apperr.Validationf("override decision requires a final prescription")
	}
	return s.transition(ctx, id, func(e *Encounter) (string, error) {
		if e.Status != StatusSuggestionReady {
			return "", apperr.StateConflict("doctorDecision", string(StatusSuggestionReady), string(e.Status))
		}
		e.DoctorRef = &doctorRef
		if accept {
			p := e.Candidate.Prescription.clone()
			e.FinalPrescription = &p
			e.Overridden = false
		} else {
			p := override.clone()
			e.FinalPrescription = &p
			e.Overridden = true
		}
		e.Status = StatusReviewed
		return EventDecisionRecorded, nil
	})
}

// Close moves Reviewed -> Closed.
func (s *Service) Close(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.transition(ctx, id, func(e *Encounter) (string, error) {
		if e.Status != StatusReviewed {
			return "", apperr.StateConflict("closeEncounter", string(StatusReviewed), string(e.Status))
		}
		e.Status = StatusClosed
		return EventClosed, nil
	})
}

// Get returns a snapshot of the encounter.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return enc.Clone(), nil
}

// List returns encounters, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// ListByPatient returns one patient's encounters, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.ListByPatient(ctx, patientRef, limit, offset)
}
