package signature

import (
	"net/http"
	"time"

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
	signer := api.Group("", auth.RequireRole("admin", "doctor", "nurse", "lab-technician"))
	signer.POST("/records/:id/sign", h.SignRecord)
	signer.POST("/records/:id/cadena", h.GetCadena)
	signer.GET("/records/:id/verify", h.VerifyRecord)
	signer.GET("/records/:id/signatures", h.ListByRecord)
	signer.GET("/signatures/:id", h.GetSignature)
	signer.GET("/signatures/:id/verify", h.VerifySignature)
	signer.POST("/signatures/:id/revoke", h.RevokeSignature)
}

type signRequest struct {
	Purpose      string    `json:"purpose"`
	Algorithm    string    `json:"algorithm"`
	CertPEM      string    `json:"cert_pem"`
	SignatureB64 string    `json:"firma"`
	SignedAt     time.Time `json:"signed_at"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// signatureView decorates a Signature with its derived effective state.
type signatureView struct {
	*Signature
	EffectiveState string `json:"effective_state"`
}

func viewOf(sig *Signature, now time.Time) signatureView {
	return signatureView{Signature: sig, EffectiveState: sig.EffectiveState(now)}
}

func (h *Handler) SignRecord(c echo.Context) error {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	var req signRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CertPEM == "" || req.SignatureB64 == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cert_pem and firma are required")
	}

	sig, err := h.svc.Sign(c.Request().Context(), audit.CallerFromEcho(c), SignRequest{
		RecordID:     recordID,
		Purpose:      Purpose(req.Purpose),
		Algorithm:    Algorithm(req.Algorithm),
		CertPEM:      req.CertPEM,
		SignatureB64: req.SignatureB64,
		SignedAt:     req.SignedAt,
	})
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusCreated, viewOf(sig, time.Now().UTC()))
}

// GetCadena returns the exact string the client must sign for the given
// record and certificate, so signature bytes can be produced before SignRecord.
func (h *Handler) GetCadena(c echo.Context) error {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	var req signRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CertPEM == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cert_pem is required")
	}

	cadena, hash, err := h.svc.Cadena(c.Request().Context(), audit.CallerFromEcho(c), SignRequest{
		RecordID:  recordID,
		Purpose:   Purpose(req.Purpose),
		Algorithm: Algorithm(req.Algorithm),
		CertPEM:   req.CertPEM,
		SignedAt:  req.SignedAt,
	})
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, echo.Map{
		"cadena_original": cadena,
		"document_hash":   hash,
	})
}

func (h *Handler) VerifyRecord(c echo.Context) error {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	res, err := h.svc.VerifyRecord(c.Request().Context(), audit.CallerFromEcho(c), recordID)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListByRecord(c echo.Context) error {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	sigs, err := h.svc.ListByRecord(c.Request().Context(), recordID)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	now := time.Now().UTC()
	views := make([]signatureView, 0, len(sigs))
	for _, sig := range sigs {
		views = append(views, viewOf(sig, now))
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetSignature(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sig, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, viewOf(sig, time.Now().UTC()))
}

func (h *Handler) VerifySignature(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.VerifySignature(c.Request().Context(), audit.CallerFromEcho(c), id)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RevokeSignature(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sig, err := h.svc.Revoke(c.Request().Context(), audit.CallerFromEcho(c), id, req.Reason)
	if err != nil {
		return echo.NewHTTPError(errs.HTTPStatus(err), errs.MessageOf(err))
	}
	return c.JSON(http.StatusOK, viewOf(sig, time.Now().UTC()))
}
