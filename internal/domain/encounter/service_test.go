package encounter

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/apperr"
)

// capturePublisher records every delta in publish order.
type capturePublisher struct {
	mu     sync.Mutex
	deltas []Delta
}

func (p *capturePublisher) PublishDelta(_ context.Context, d Delta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, d)
}

func (p *capturePublisher) all() []Delta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delta(nil), p.deltas...)
}

func newTestService(t *testing.T) (*Service, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	return NewService(NewMemoryRepo(), pub, zerolog.Nop()), pub
}

func testContext() ClinicalContext {
	age := 30
	return ClinicalContext{Age: &age, Symptoms: []string{"fever", "cough"}, Duration: "3 days"}
}

func testCandidate() Candidate {
	return Candidate{
		RequestID: uuid.New(),
		Prescription: Prescription{
			Diagnosis:   "viral fever",
			Medications: []Medication{{Name: "paracetamol", Dosage: "500mg"}},
		},
		Confidence: 0.82,
	}
}

func TestCreateStartsAtIntakeVersionZero(t *testing.T) {
	svc, pub := newTestService(t)
	enc, err := svc.Create(context.Background(), "pat-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if enc.Status != StatusIntake || enc.Version != 0 {
		t.Fatalf("expected intake/v0, got %s/v%d", enc.Status, enc.Version)
	}
	deltas := pub.all()
	if len(deltas) != 1 || deltas[0].Event != EventCreated || deltas[0].Version != 0 {
		t.Fatalf("expected created delta at v0, got %+v", deltas)
	}
}

func TestCreateRequiresPatientRef(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Create(context.Background(), "  ", nil); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// Full happy path: each committed transition bumps the version by
// exactly one and emits its delta in order.
func TestLifecycleHappyPath(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	enc, err := svc.Create(ctx, "pat-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := enc.ID

	if enc, err = svc.SubmitIntake(ctx, id, "fever and cough for 3 days", nil); err != nil {
		t.Fatalf("submit intake: %v", err)
	}
	if enc.Status != StatusExtracting || enc.Version != 1 {
		t.Fatalf("expected extracting/v1, got %s/v%d", enc.Status, enc.Version)
	}

	if enc, err = svc.ExtractionComplete(ctx, id, testContext()); err != nil {
		t.Fatalf("extraction complete: %v", err)
	}
	if enc.Status != StatusAwaitingSuggestion || enc.Version != 2 {
		t.Fatalf("expected awaiting_suggestion/v2, got %s/v%d", enc.Status, enc.Version)
	}

	if enc, err = svc.SuggestionComplete(ctx, id, testCandidate()); err != nil {
		t.Fatalf("suggestion complete: %v", err)
	}
	if enc.Status != StatusSuggestionReady || enc.Version != 3 {
		t.Fatalf("expected suggestion_ready/v3, got %s/v%d", enc.Status, enc.Version)
	}

	if enc, err = svc.Decision(ctx, id, "doc-1", true, nil); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if enc.Status != StatusReviewed || enc.Version != 4 {
		t.Fatalf("expected reviewed/v4, got %s/v%d", enc.Status, enc.Version)
	}
	if enc.Overridden || enc.FinalPrescription == nil || enc.FinalPrescription.Diagnosis != "viral fever" {
		t.Fatalf("accept should copy the candidate prescription, got %+v", enc.FinalPrescription)
	}

	if enc, err = svc.Close(ctx, id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if enc.Status != StatusClosed || enc.Version != 5 {
		t.Fatalf("expected closed/v5, got %s/v%d", enc.Status, enc.Version)
	}

	wantEvents := []string{
		EventCreated, EventIntakeSubmitted, EventContextExtracted,
		EventSuggestionReady, EventDecisionRecorded, EventClosed,
	}
	deltas := pub.all()
	if len(deltas) != len(wantEvents) {
		t.Fatalf("expected %d deltas, got %d", len(wantEvents), len(deltas))
	}
	for i, d := range deltas {
		if d.Event != wantEvents[i] {
			t.Errorf("delta %d: expected event %s, got %s", i, wantEvents[i], d.Event)
		}
		if d.Version != int64(i) {
			t.Errorf("delta %d: expected version %d, got %d", i, i, d.Version)
		}
	}
}

func TestSubmitIntakeRejectsEmptyPayload(t *testing.T) {
	svc, _ := newTestService(t)
	enc, _ := svc.Create(context.Background(), "pat-1", nil)
	if _, err := svc.SubmitIntake(context.Background(), enc.ID, "  ", nil); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitIntakeTwiceConflicts(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.Create(ctx, "pat-1", nil)
	if _, err := svc.SubmitIntake(ctx, enc.ID, "fever", nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.SubmitIntake(ctx, enc.ID, "fever again", nil)
	if apperr.CodeOf(err) != apperr.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	// Rejected transition must not bump the version or publish.
	got, _ := svc.Get(ctx, enc.ID)
	if got.Version != 1 {
		t.Fatalf("version should stay at 1, got %d", got.Version)
	}
	if n := len(pub.all()); n != 2 {
		t.Fatalf("expected 2 deltas (created, intake), got %d", n)
	}
}

func TestExtractionCompleteRequiresSymptoms(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.Create(ctx, "pat-1", nil)
	svc.SubmitIntake(ctx, enc.ID, "fever", nil)
	_, err := svc.ExtractionComplete(ctx, enc.ID, ClinicalContext{})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecisionBeforeSuggestionReadyConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.Create(ctx, "pat-1", nil)
	svc.SubmitIntake(ctx, enc.ID, "fever", nil)
	svc.ExtractionComplete(ctx, enc.ID, testContext())

	_, err := svc.Decision(ctx, enc.ID, "doc-1", true, nil)
	if apperr.CodeOf(err) != apperr.CodeStateConflict {
		t.Fatalf("expected state conflict while awaiting suggestion, got %v", err)
	}
}

func TestDecisionOverrideRequiresPrescription(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Decision(context.Background(), uuid.New(), "doc-1", false, nil)
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecisionOverrideSetsFlagAndPrescription(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.Create(ctx, "pat-1", nil)
	svc.SubmitIntake(ctx, enc.ID, "fever", nil)
	svc.ExtractionComplete(ctx, enc.ID, testContext())
	svc.SuggestionComplete(ctx, enc.ID, testCandidate())

	override := Prescription{Diagnosis: "bacterial infection", Medications: []Medication{{Name: "amoxicillin"}}}
	got, err := svc.Decision(ctx, enc.ID, "doc-1", false, &override)
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if !got.Overridden || got.FinalPrescription.Diagnosis != "bacterial infection" {
		t.Fatalf("expected overridden prescription, got %+v", got)
	}
	if got.DoctorRef == nil || *got.DoctorRef != "doc-1" {
		t.Fatalf("expected doctor ref recorded, got %v", got.DoctorRef)
	}
}

func TestSuggestionCandidateIsWriteOncePerCycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.Create(ctx, "pat-1", nil)
	svc.SubmitIntake(ctx, enc.ID, "fever", nil)
	svc.ExtractionComplete(ctx, enc.ID, testContext())
	if _, err := svc.SuggestionComplete(ctx, enc.ID, testCandidate()); err != nil {
		t.Fatalf("first suggestion: %v", err)
	}
	_, err := svc.SuggestionComplete(ctx, enc.ID, testCandidate())
	if apperr.CodeOf(err) != apperr.CodeStateConflict {
		t.Fatalf("expected conflict on duplicate suggestion, got %v", err)
	}
}

func TestRequestNewSuggestionClearsCandidate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.Create(ctx, "pat-1", nil)
	svc.SubmitIntake(ctx, enc.ID, "fever", nil)
	svc.ExtractionComplete(ctx, enc.ID, testContext())
	svc.SuggestionComplete(ctx, enc.ID, testCandidate())

	got, err := svc.RequestNewSuggestion(ctx, enc.ID)
	if err != nil {
		t.Fatalf("request new suggestion: %v", err)
	}
	if got.Status != StatusAwaitingSuggestion || got.Candidate != nil {
		t.Fatalf("expected awaiting_suggestion with candidate cleared, got %s %+v", got.Status, got.Candidate)
	}
	// A fresh cycle accepts a new candidate.
	if _, err := svc.SuggestionComplete(ctx, enc.ID, testCandidate()); err != nil {
		t.Fatalf("new cycle suggestion: %v", err)
	}
}

func TestFailCarriesReasonAndIsTerminal(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.Create(ctx, "pat-1", nil)
	svc.SubmitIntake(ctx, enc.ID, "fever", nil)

	got, err := svc.Fail(ctx, enc.ID, ReasonExtractionFailed)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Status != StatusFailed || got.FailureReason != ReasonExtractionFailed {
		t.Fatalf("expected failed with reason, got %+v", got)
	}
	deltas := pub.all()
	last := deltas[len(deltas)-1]
	if last.Event != EventFailed || last.Reason != ReasonExtractionFailed {
		t.Fatalf("expected failure delta with reason, got %+v", last)
	}
	// Terminal: nothing moves out of failed.
	if _, err := svc.ExtractionComplete(ctx, enc.ID, testContext()); apperr.CodeOf(err) != apperr.CodeStateConflict {
		t.Fatalf("expected conflict after failure, got %v", err)
	}
}

func TestFailFromIntakeConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	enc, _ := svc.Create(context.Background(), "pat-1", nil)
	_, err := svc.Fail(context.Background(), enc.ID, ReasonExtractionFailed)
	if apperr.CodeOf(err) != apperr.CodeStateConflict {
		t.Fatalf("expected conflict failing from intake, got %v", err)
	}
}

func TestGetUnknownEncounterNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Get(context.Background(), uuid.New())
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryRepoRejectsStaleVersion(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	enc := &Encounter{ID: uuid.New(), PatientRef: "pat-1", Status: StatusIntake}
	if err := repo.Create(ctx, enc); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := repo.GetByID(ctx, enc.ID)
	b, _ := repo.GetByID(ctx, enc.ID)

	a.Version = 1
	if err := repo.Update(ctx, a, 0); err != nil {
		t.Fatalf("first update: %v", err)
	}
	b.Version = 1
	if err := repo.Update(ctx, b, 0); apperr.CodeOf(err) != apperr.CodeStateConflict {
		t.Fatalf("expected conflict on stale update, got %v", err)
	}
}

func TestListByPatientFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Create(ctx, "pat-1", nil)
	svc.Create(ctx, "pat-2", nil)
	svc.Create(ctx, "pat-1", nil)

	encs, total, err := svc.ListByPatient(ctx, "pat-1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(encs) != 2 {
		t.Fatalf("expected 2 encounters for pat-1, got %d/%d", len(encs), total)
	}
	for _, e := range encs {
		if e.PatientRef != "pat-1" {
			t.Errorf("unexpected patient %s", e.PatientRef)
		}
	}
}
