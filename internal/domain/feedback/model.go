// Package feedback accumulates doctor decisions into per-doctor
// prescribing profiles. Events are append-only, one per encounter; the
// profile is an incrementally maintained projection that the suggestion
// engine reads to bias future candidates.
package feedback

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinqo/clinqo/internal/domain/encounter"
)

// Event is one recorded decision. Exactly one event may exist per
// encounter.
type Event struct {
	ID                uuid.UUID              `db:"id" json:"id"`
	EncounterID       uuid.UUID              `db:"encounter_id" json:"encounter_id"`
	DoctorRef         string                 `db:"doctor_ref" json:"doctor_ref"`
	Signature         string                 `db:"signature" json:"signature"`
	OriginalCandidate encounter.Candidate    `db:"original_candidate" json:"original_candidate"`
	FinalPrescription encounter.Prescription `db:"final_prescription" json:"final_prescription"`
	Overridden        bool                   `db:"overridden" json:"overridden"`
	CreatedAt         time.Time              `db:"created_at" json:"created_at"`
}

// Signature normalizes a clinical context into a stable key: lowercased
// symptoms, sorted, joined. Presentations that differ only in symptom
// order or casing share a signature.
func Signature(cctx encounter.ClinicalContext) string {
	symptoms := make([]string, 0, len(cctx.Symptoms))
	for _, s := range cctx.Symptoms {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			symptoms = append(symptoms, s)
		}
	}
	sort.Strings(symptoms)
	return strings.Join(symptoms, "+")
}

const (
	// decayFactor down-weights older observations each time a signature
	// is seen again, so recent practice dominates.
	decayFactor = 0.8
	// pruneThreshold drops entries decayed into irrelevance.
	pruneThreshold = 0.05
	// maxEntriesPerSignature caps how many alternatives are tracked.
	maxEntriesPerSignature = 5
)

// ProfileEntry is one weighted prescription choice for a signature.
type ProfileEntry struct {
	Prescription encounter.Prescription `json:"prescription"`
	Weight       float64                `json:"weight"`
}

// Profile is a doctor's accumulated prescribing preferences, keyed by
// clinical signature. DoctorRef "" is the clinic-wide profile every
// event also feeds.
type Profile struct {
	DoctorRef  string                    `json:"doctor_ref"`
	Signatures map[string][]ProfileEntry `json:"signatures"`
	EventCount int64                     `json:"event_count"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

func NewProfile(doctorRef string) *Profile {
	return &Profile{DoctorRef: doctorRef, Signatures: make(map[string][]ProfileEntry)}
}

// prescriptionKey identifies prescriptions that count as the same
// choice: same diagnosis and the same set of medications.
func prescriptionKey(p encounter.Prescription) string {
	names := make([]string, 0, len(p.Medications))
	for _, m := range p.Medications {
		names = append(names, strings.ToLower(m.Name))
	}
	sort.Strings(names)
	return strings.ToLower(p.Diagnosis) + "|" + strings.Join(names, ",")
}

// Apply folds one decision into the profile: existing entries for the
// signature decay, the chosen prescription gains a unit of weight, and
// entries below the prune threshold are dropped.
func (p *Profile) Apply(signature string, final encounter.Prescription, at time.Time) {
	if p.Signatures == nil {
		p.Signatures = make(map[string][]ProfileEntry)
	}
	entries := p.Signatures[signature]
	key := prescriptionKey(final)

	matched := false
	next := entries[:0]
	for _, e := range entries {
		e.Weight *= decayFactor
		if prescriptionKey(e.Prescription) == key {
			e.Weight += 1.0
			e.Prescription = final
			matched = true
		}
		if e.Weight >= pruneThreshold {
			next = append(next, e)
		}
	}
	if !matched {
		next = append(next, ProfileEntry{Prescription: final, Weight: 1.0})
	}

	sort.SliceStable(next, func(i, j int) bool { return next[i].Weight > next[j].Weight })
	if len(next) > maxEntriesPerSignature {
		next = next[:maxEntriesPerSignature]
	}

	p.Signatures[signature] = next
	p.EventCount++
	p.UpdatedAt = at
}

// Preferred returns the highest-weighted prescription for a signature.
func (p *Profile) Preferred(signature string) (encounter.Prescription, float64, bool) {
	if p == nil {
		return encounter.Prescription{}, 0, false
	}
	entries := p.Signatures[signature]
	if len(entries) == 0 {
		return encounter.Prescription{}, 0, false
	}
	return entries[0].Prescription, entries[0].Weight, true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := &Profile{
		DoctorRef:  p.DoctorRef,
		Signatures: make(map[string][]ProfileEntry, len(p.Signatures)),
		EventCount: p.EventCount,
		UpdatedAt:  p.UpdatedAt,
	}
	for sig, entries := range p.Signatures {
		out.Signatures[sig] = append([]ProfileEntry(nil), entries...)
	}
	return out
}
