package audit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/firmamed/firmamed/internal/platform/auth"
	"github.com/firmamed/firmamed/internal/platform/errs"
	"github.com/firmamed/firmamed/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "auditor"))
	read.GET("/audit", h.ListRecords)
	read.GET("/audit/stats", h.GetStats)
	read.GET("/audit/export", h.ExportRecords)
	read.GET("/audit/:id", h.GetRecord)
}

// parseFilter builds a Filter from query parameters, validating the date
// range (RFC 3339 or plain dates; end must not precede start).
func parseFilter(c echo.Context) (Filter, error) {
	filter := Filter{
		ActorID:     c.QueryParam("actor"),
		ActorRole:   c.QueryParam("role"),
		SubjectType: c.QueryParam("subject_type"),
	}

	if action := c.QueryParam("action"); action != "" {
		if !ValidAction(Action(action)) {
			return filter, fmt.Errorf("unknown action %q", action)
		}
		filter.Action = Action(action)
	}
	if raw := c.QueryParam("subject_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid subject_id")
		}
		filter.SubjectID = &id
	}
	if raw := c.QueryParam("success"); raw != "" {
		succeeded := raw == "true"
		if raw != "true" && raw != "false" {
			return filter, fmt.Errorf("success must be true or false")
		}
		filter.Succeeded = &succeeded
	}

	var err error
	if filter.From, err = parseTime(c.QueryParam("from"), false); err != nil {
		return filter, fmt.Errorf("invalid from date: %w", err)
	}
	if filter.To, err = parseTime(c.QueryParam("to"), true); err != nil {
		return filter, fmt.Errorf("invalid to date: %w", err)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return filter, fmt.Errorf("date range end precedes start")
	}
	return filter, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates. A plain end date is
// widened to the end of that day so the range is inclusive.
func parseTime(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (h *Handler) ListRecords(c echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)

	items, total, err := h.svc.Query(c.Request().Context(), CallerFromEcho(c), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), CallerFromEcho(c), id)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetStats(c echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stats, err := h.svc.GetStats(c.Request().Context(), CallerFromEcho(c), filter)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, stats)
}

// ExportRecords streams the filtered trail as CSV.
func (h *Handler) ExportRecords(c echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv")
	res.Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="audit-%s.csv"`, time.Now().UTC().Format("20060102-150405")))
	res.WriteHeader(http.StatusOK)

	if _, err := h.svc.ExportCSV(c.Request().Context(), CallerFromEcho(c), filter, res); err != nil {
		// Headers are already committed; all we can do is log via the
		// returned error and cut the stream.
		return err
	}
	return nil
}
