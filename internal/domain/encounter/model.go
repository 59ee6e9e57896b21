package encounter

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an encounter.
type Status string

const (
	StatusIntake             Status = "intake"
	StatusExtracting         Status = "extracting"
	StatusAwaitingSuggestion Status = "awaiting_suggestion"
	StatusSuggestionReady    Status = "suggestion_ready"
	StatusReviewed           Status = "reviewed"
	StatusClosed             Status = "closed"
	StatusFailed             Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

var validStatuses = map[Status]bool{
	StatusIntake:             true,
	StatusExtracting:         true,
	StatusAwaitingSuggestion: true,
	StatusSuggestionReady:    true,
	StatusReviewed:           true,
	StatusClosed:             true,
	StatusFailed:             true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return validStatuses[s] }

// ClinicalContext is the structured extraction output for one encounter.
// It is set once by the extraction step and immutable afterwards.
type ClinicalContext struct {
	Age        *int     `json:"age,omitempty"`
	Gender     string   `json:"gender,omitempty"`
	Symptoms   []string `json:"symptoms"`
	Duration   string   `json:"duration,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
}

// Medication is one prescribed item.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Prescription is a complete prescription, either AI-proposed or doctor-final.
type Prescription struct {
	Diagnosis    string       `json:"diagnosis"`
	Medications  []Medication `json:"medications"`
	Instructions string       `json:"instructions,omitempty"`
	FollowUp     string       `json:"follow_up,omitempty"`
}

// Candidate is a proposed prescription produced by the suggestion engine.
// Write-once per request cycle: a new cycle requires an explicit
// re-request, which invalidates the prior candidate.
type Candidate struct {
	RequestID    uuid.UUID    `json:"request_id"`
	Prescription Prescription `json:"prescription"`
	Confidence   float64      `json:"confidence"`
	SourceModel  string       `json:"source_model,omitempty"`
}

// Encounter is one patient-visit record. It is mutated only through the
// Service's transition entry points; Version increments on every
// committed transition and is the basis for delta ordering and
// optimistic concurrency.
type Encounter struct {
	ID                uuid.UUID        `db:"id" json:"id"`
	PatientRef        string           `db:"patient_ref" json:"patient_ref"`
	DoctorRef         *string          `db:"doctor_ref" json:"doctor_ref,omitempty"`
	Status            Status           `db:"status" json:"status"`
	IntakeText        string           `db:"intake_text" json:"intake_text,omitempty"`
	IntakeAudio       []byte           `db:"intake_audio" json:"-"`
	Context           *ClinicalContext `db:"clinical_context" json:"clinical_context,omitempty"`
	Candidate         *Candidate       `db:"suggestion_candidate" json:"suggestion_candidate,omitempty"`
	FinalPrescription *Prescription    `db:"final_prescription" json:"final_prescription,omitempty"`
	Overridden        bool             `db:"overridden" json:"overridden"`
	FailureReason     string           `db:"failure_reason" json:"failure_reason,omitempty"`
	Version           int64            `db:"version" json:"version"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy, so snapshots and deltas never alias the
// record owned by the repository.
func (e *Encounter) Clone() *Encounter {
	out := *e
	if e.DoctorRef != nil {
		v := *e.DoctorRef
		out.DoctorRef = &v
	}
	if e.IntakeAudio != nil {
		out.IntakeAudio = append([]byte(nil), e.IntakeAudio...)
	}
	if e.Context != nil {
		cctx := *e.Context
		if e.Context.Age != nil {
			age := *e.Context.Age
			cctx.Age = &age
		}
		cctx.Symptoms = append([]string(nil), e.Context.Symptoms...)
		out.Context = &cctx
	}
	if e.Candidate != nil {
		cand := *e.Candidate
		cand.Prescription = e.Candidate.Prescription.clone()
		out.Candidate = &cand
	}
	if e.FinalPrescription != nil {
		p := e.FinalPrescription.clone()
		out.FinalPrescription = &p
	}
	return &out
}

func (p Prescription) clone() Prescription {
	out := p
	out.Medications = append([]Medication(nil), p.Medications...)
	return out
}

// Delta is one committed state change, tagged with the version it produced.
type Delta struct {
	EncounterID uuid.UUID  `json:"encounter_id"`
	Version     int64      `json:"version"`
	Event       string     `json:"event"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Encounter   *Encounter `json:"encounter"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Delta event names, one per transition.
const (
	EventCreated               = "created"
	EventIntakeSubmitted       = "intake_submitted"
	EventContextExtracted      = "context_extracted"
	EventSuggestionReady       = "suggestion_ready"
	EventSuggestionRerequested = "suggestion_rerequested"
	EventDecisionRecorded      = "decision_recorded"
	EventClosed                = "closed"
	EventFailed                = "failed"
)

// Failure reason codes carried on failed transitions.
const (
	ReasonExtractionFailed    = "extraction_failed"
	ReasonSuggestionExhausted = "suggestion_exhausted"
)
