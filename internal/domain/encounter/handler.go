package encounter

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/apperr"
	"github.com/clinqo/clinqo/internal/platform/auth"
	"github.com/clinqo/clinqo/pkg/pagination"
)

// Advancer drives the asynchronous pipeline step for an encounter. A
// repeat call while a step is in flight is a no-op.
type Advancer interface {
	Advance(ctx context.Context, id uuid.UUID) error
}

// FeedbackRecorder persists the doctor's decision for learning. The
// decision stands even if recording fails.
type FeedbackRecorder interface {
	Record(ctx context.Context, encounterID uuid.UUID, doctorRef string, original Candidate, final Prescription, overridden bool) error
}

type nopAdvancer struct{}

func (nopAdvancer) Advance(context.Context, uuid.UUID) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, uuid.UUID, string, Candidate, Prescription, bool) error {
	return nil
}

// Handler exposes the encounter lifecycle over HTTP.
type Handler struct {
	svc      *Service
	advancer Advancer
	recorder FeedbackRecorder
	log      zerolog.Logger
}

func NewHandler(svc *Service, advancer Advancer, recorder FeedbackRecorder, log zerolog.Logger) *Handler {
	if advancer == nil {
		advancer = nopAdvancer{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Handler{
		svc:      svc,
		advancer: advancer,
		recorder: recorder,
		log:      log.With().Str("component", "encounter-handler").Logger(),
	}
}

// RegisterRoutes mounts the encounter endpoints. doctorOnly guards the
// review surface; pass nil to leave it open (tests, dev mode handles
// this via permissive auth instead).
func (h *Handler) RegisterRoutes(g *echo.Group, doctorOnly echo.MiddlewareFunc) {
	g.POST("/encounters", h.CreateEncounter)
	g.GET("/encounters", h.ListEncounters)
	g.GET("/encounters/:id", h.GetEncounter)
	g.POST("/encounters/:id/intake", h.SubmitIntake)
	g.POST("/encounters/:id/advance", h.Advance)
	g.POST("/encounters/:id/close", h.CloseEncounter)

	if doctorOnly != nil {
		g.POST("/encounters/:id/decision", h.RecordDecision, doctorOnly)
		g.POST("/encounters/:id/suggestion", h.RerequestSuggestion, doctorOnly)
	} else {
		g.POST("/encounters/:id/decision", h.RecordDecision)
		g.POST("/encounters/:id/suggestion", h.RerequestSuggestion)
	}
}

type createRequest struct {
	PatientRef        string  `json:"patient_ref"`
	DoctorRef         *string `json:"doctor_ref,omitempty"`
	IntakeText        string  `json:"intake_text,omitempty"`
	IntakeAudioBase64 string  `json:"intake_audio_base64,omitempty"`
}

// CreateEncounter registers a new encounter. When the request carries
// intake content the intake is submitted in the same call and the
// pipeline starts immediately.
func (h *Handler) CreateEncounter(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validationf("invalid request body"))
	}
	audio, err := decodeAudio(req.IntakeAudioBase64)
	if err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()
	enc, err := h.svc.Create(ctx, req.PatientRef, req.DoctorRef)
	if err != nil {
		return writeError(c, err)
	}

	if req.IntakeText != "" || len(audio) > 0 {
		enc, err = h.svc.SubmitIntake(ctx, enc.ID, req.IntakeText, audio)
		if err != nil {
			return writeError(c, err)
		}
		h.advance(enc.ID)
	}

	return c.JSON(http.StatusCreated, enc)
}

type intakeRequest struct {
	Text        string `json:"text,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
}

// SubmitIntake records the intake payload and starts the pipeline.
func (h *Handler) SubmitIntake(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req intakeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validationf("invalid request body"))
	}
	audio, err := decodeAudio(req.AudioBase64)
	if err != nil {
		return writeError(c, err)
	}

	enc, err := h.svc.SubmitIntake(c.Request().Context(), id, req.Text, audio)
	if err != nil {
		return writeError(c, err)
	}
	h.advance(enc.ID)
	return c.JSON(http.StatusOK, enc)
}

// GetEncounter returns the current state of one encounter.
func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}
	enc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, enc)
}

// ListEncounters returns encounters newest first, optionally filtered
// by patient_ref.
func (h *Handler) ListEncounters(c echo.Context) error {
	p := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		encs  []*Encounter
		total int
		err   error
	)
	if patientRef := c.QueryParam("patient_ref"); patientRef != "" {
		encs, total, err = h.svc.ListByPatient(ctx, patientRef, p.Limit, p.Offset)
	} else {
		encs, total, err = h.svc.List(ctx, p.Limit, p.Offset)
	}
	if err != nil {
		return writeError(c, err)
	}
	if encs == nil {
		encs = []*Encounter{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(encs, total, p.Limit, p.Offset))
}

// Advance nudges the pipeline. Safe to call repeatedly; a step already
// in flight is not duplicated.
func (h *Handler) Advance(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.advancer.Advance(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "advancing"})
}

type decisionRequest struct {
	Accept       bool          `json:"accept"`
	Prescription *Prescription `json:"prescription,omitempty"`
}

// RecordDecision records the doctor's accept or override of the current
// candidate and feeds the outcome into the learning store.
func (h *Handler) RecordDecision(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validationf("invalid request body"))
	}

	doctorRef := auth.UserIDFromContext(c)
	ctx := c.Request().Context()
	enc, err := h.svc.Decision(ctx, id, doctorRef, req.Accept, req.Prescription)
	if err != nil {
		return writeError(c, err)
	}

	// The decision is committed; a feedback write failure must not roll
	// it back, only be visible in the logs.
	if enc.Candidate != nil && enc.FinalPrescription != nil {
		if err := h.recorder.Record(ctx, enc.ID, doctorRef, *enc.Candidate, *enc.FinalPrescription, enc.Overridden); err != nil {
			h.log.Error().Err(err).
				Str("encounter_id", enc.ID.String()).
				Msg("record feedback")
		}
	}
	return c.JSON(http.StatusOK, enc)
}

// RerequestSuggestion invalidates the current candidate and starts a
// fresh suggestion cycle.
func (h *Handler) RerequestSuggestion(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}
	enc, err := h.svc.RequestNewSuggestion(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	h.advance(enc.ID)
	return c.JSON(http.StatusOK, enc)
}

// CloseEncounter finishes a reviewed encounter.
func (h *Handler) CloseEncounter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}
	enc, err := h.svc.Close(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, enc)
}

// advance kicks the pipeline without tying it to the request lifetime.
func (h *Handler) advance(id uuid.UUID) {
	if err := h.advancer.Advance(context.Background(), id); err != nil {
		h.log.Error().Err(err).Str("encounter_id", id.String()).Msg("advance pipeline")
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validationf("invalid encounter id %q", c.Param("id"))
	}
	return id, nil
}

func decodeAudio(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	audio, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, apperr.Validationf("audio payload is not valid base64")
	}
	return audio, nil
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
}

func writeError(c echo.Context, err error) error {
	code := apperr.CodeOf(err)
	if code == "" {
		code = "internal_error"
	}
	return c.JSON(apperr.HTTPStatus(err), errorBody{
		Code:    code,
		Reason:  apperr.ReasonOf(err),
		Message: err.Error(),
	})
}
