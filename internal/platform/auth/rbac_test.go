package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRole(t *testing.T, role string) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if role != "" {
		req = req.WithContext(WithActor(req.Context(), &Actor{ID: "u-1", Role: role}))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRole(t, "doctor")
	if err := RequireRole("doctor", "nurse")(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithRole(t, "billing")
	err := RequireRole("doctor", "nurse")(okHandler)(c)

	if err == nil {
		t.Fatal("expected error for unauthorized role")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := contextWithRole(t, "admin")
	if err := RequireRole("doctor")(okHandler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestRequireRole_Unauthenticated(t *testing.T) {
	c := contextWithRole(t, "")
	err := RequireRole("doctor")(okHandler)(c)

	if err == nil {
		t.Fatal("expected error for unauthenticated request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}
