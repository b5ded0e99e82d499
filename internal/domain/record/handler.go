package record

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/firmamed/firmamed/internal/domain/audit"
	"github.com/firmamed/firmamed/internal/platform/auth"
	"github.com/firmamed/firmamed/internal/platform/errs"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinician := api.Group("", auth.RequireRole("admin", "doctor", "nurse"))
	clinician.POST("/records", h.CreateRecord)
	clinician.GET("/records/:id", h.GetRecord)
	clinician.PUT("/records/:id/content", h.UpdateContent)
	clinician.POST("/records/:id/cancel", h.CancelRecord)
}

type createRecordRequest struct {
	PatientID  uuid.UUID      `json:"patient_id"`
	RecordType string         `json:"record_type"`
	Content    map[string]any `json:"content"`
}

type updateContentRequest struct {
	Content map[string]any `json:"content"`
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	if req.RecordType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "record_type is required")
	}
	if len(req.Content) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	rec, err := h.svc.CreateDraft(c.Request().Context(), audit.CallerFromEcho(c), req.PatientID, req.RecordType, req.Content)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), audit.CallerFromEcho(c), id)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateContent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req updateContentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Content) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	rec, err := h.svc.UpdateContent(c.Request().Context(), audit.CallerFromEcho(c), id, req.Content)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CancelRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Cancel(c.Request().Context(), audit.CallerFromEcho(c), id); err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.NoContent(http.StatusNoContent)
}
