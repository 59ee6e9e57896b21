package encounter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/platform/auth"
)

type fakeAdvancer struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (a *fakeAdvancer) Advance(_ context.Context, id uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return nil
}

func (a *fakeAdvancer) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

type recordedFeedback struct {
	encounterID uuid.UUID
	doctorRef   string
	overridden  bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedFeedback
}

func (r *fakeRecorder) Record(_ context.Context, encounterID uuid.UUID, doctorRef string, _ Candidate, _ Prescription, overridden bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedFeedback{encounterID, doctorRef, overridden})
	return nil
}

type handlerFixture struct {
	e        *echo.Echo
	svc      *Service
	advancer *fakeAdvancer
	recorder *fakeRecorder
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	svc := NewService(NewMemoryRepo(), NopPublisher{}, zerolog.Nop())
	advancer := &fakeAdvancer{}
	recorder := &fakeRecorder{}

	e := echo.New()
	g := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(svc, advancer, recorder, zerolog.Nop()).RegisterRoutes(g, auth.RequireRole(auth.RoleDoctor))

	return &handlerFixture{e: e, svc: svc, advancer: advancer, recorder: recorder}
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeEncounter(t *testing.T, rec *httptest.ResponseRecorder) Encounter {
	t.Helper()
	var enc Encounter
	if err := json.Unmarshal(rec.Body.Bytes(), &enc); err != nil {
		t.Fatalf("decode encounter: %v (%s)", err, rec.Body.String())
	}
	return enc
}

func (f *handlerFixture) readyEncounter(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	enc, err := f.svc.Create(ctx, "pat-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SubmitIntake(ctx, enc.ID, "fever and cough", nil); err != nil {
		t.Fatalf("submit intake: %v", err)
	}
	if _, err := f.svc.ExtractionComplete(ctx, enc.ID, testContext()); err != nil {
		t.Fatalf("extraction: %v", err)
	}
	if _, err := f.svc.SuggestionComplete(ctx, enc.ID, testCandidate()); err != nil {
		t.Fatalf("suggestion: %v", err)
	}
	return enc.ID
}

func TestCreateEncounterWithInlineIntake(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/encounters",
		`{"patient_ref":"pat-1","intake_text":"fever and cough for 3 days"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	enc := decodeEncounter(t, rec)
	if enc.Status != StatusExtracting || enc.Version != 1 {
		t.Fatalf("expected extracting/v1, got %s/v%d", enc.Status, enc.Version)
	}
	if f.advancer.calls() != 1 {
		t.Fatalf("expected pipeline kicked once, got %d", f.advancer.calls())
	}
}

func TestCreateEncounterWithoutIntakeStaysInIntake(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/encounters", `{"patient_ref":"pat-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	enc := decodeEncounter(t, rec)
	if enc.Status != StatusIntake || f.advancer.calls() != 0 {
		t.Fatalf("expected intake with no pipeline kick, got %s, %d calls", enc.Status, f.advancer.calls())
	}
}

func TestCreateEncounterMissingPatientRef(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/encounters", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "validation_error" {
		t.Fatalf("expected validation_error code, got %v", body)
	}
}

func TestCreateEncounterRejectsBadAudio(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/encounters",
		`{"patient_ref":"pat-1","intake_audio_base64":"not-base64!!"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetEncounterNotFound(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/encounters/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetEncounterInvalidID(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/encounters/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListEncountersFiltersByPatient(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	f.svc.Create(ctx, "pat-1", nil)
	f.svc.Create(ctx, "pat-2", nil)

	rec := f.do(t, http.MethodGet, "/api/v1/encounters?patient_ref=pat-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []Encounter `json:"data"`
		Total int         `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0].PatientRef != "pat-1" {
		t.Fatalf("unexpected list result: %+v", body)
	}
}

func TestDecisionAcceptRecordsFeedback(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.readyEncounter(t)

	rec := f.do(t, http.MethodPost, "/api/v1/encounters/"+id.String()+"/decision", `{"accept":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	enc := decodeEncounter(t, rec)
	if enc.Status != StatusReviewed || enc.Overridden {
		t.Fatalf("expected reviewed accept, got %+v", enc)
	}

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.records) != 1 {
		t.Fatalf("expected 1 feedback record, got %d", len(f.recorder.records))
	}
	r := f.recorder.records[0]
	if r.encounterID != id || r.doctorRef != "dev-user" || r.overridden {
		t.Fatalf("unexpected feedback record %+v", r)
	}
}

func TestDecisionBeforeSuggestionReadyReturns409(t *testing.T) {
	f := newHandlerFixture(t)
	enc, _ := f.svc.Create(context.Background(), "pat-1", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/encounters/"+enc.ID.String()+"/decision", `{"accept":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.records) != 0 {
		t.Fatal("rejected decision must not record feedback")
	}
}

func TestRerequestSuggestionStartsNewCycle(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.readyEncounter(t)

	rec := f.do(t, http.MethodPost, "/api/v1/encounters/"+id.String()+"/suggestion", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	enc := decodeEncounter(t, rec)
	if enc.Status != StatusAwaitingSuggestion || enc.Candidate != nil {
		t.Fatalf("expected fresh cycle, got %+v", enc)
	}
	if f.advancer.calls() != 1 {
		t.Fatalf("expected pipeline kicked, got %d calls", f.advancer.calls())
	}
}

func TestCloseEncounter(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.readyEncounter(t)
	f.do(t, http.MethodPost, "/api/v1/encounters/"+id.String()+"/decision", `{"accept":true}`)

	rec := f.do(t, http.MethodPost, "/api/v1/encounters/"+id.String()+"/close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if enc := decodeEncounter(t, rec); enc.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", enc.Status)
	}
}
