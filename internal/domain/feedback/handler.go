package feedback

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/apperr"
	"github.com/clinqo/clinqo/pkg/pagination"
)

// Handler exposes the read side of the feedback store.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "feedback-handler").Logger()}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/doctors/:ref/profile", h.GetProfile)
	g.GET("/doctors/:ref/feedback", h.ListFeedback)
}

// GetProfile returns the doctor's prescribing profile, including
// clinic-wide fallback entries for unseen signatures.
func (h *Handler) GetProfile(c echo.Context) error {
	p, err := h.svc.ProfileFor(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// ListFeedback returns the doctor's recorded decisions, newest first.
func (h *Handler) ListFeedback(c echo.Context) error {
	p := pagination.FromContext(c)
	events, total, err := h.svc.ListByDoctor(c.Request().Context(), c.Param("ref"), p.Limit, p.Offset)
	if err != nil {
		return writeError(c, err)
	}
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, p.Limit, p.Offset))
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
