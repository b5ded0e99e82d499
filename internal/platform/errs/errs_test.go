package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf_OperationalError(t *testing.T) {
	err := New(CodeNotFound, "record not found")
	if CodeOf(err) != CodeNotFound {
		t.Errorf("expected NotFound, got %s", CodeOf(err))
	}
}

func TestCodeOf_WrappedChain(t *testing.T) {
	inner := New(CodeExpiredCertificate, "certificate outside validity window")
	outer := fmt.Errorf("sign record: %w", inner)

	if CodeOf(outer) != CodeExpiredCertificate {
		t.Errorf("expected ExpiredCertificate through the wrap chain, got %s", CodeOf(outer))
	}
}

func TestCodeOf_UnknownError(t *testing.T) {
	if CodeOf(errors.New("disk on fire")) != CodeInternal {
		t.Error("expected non-operational errors to map to Internal")
	}
}

func TestMessageOf_HidesInternals(t *testing.T) {
	err := errors.New("pq: connection refused on 10.0.0.5")
	if MessageOf(err) != "internal error" {
		t.Errorf("expected opaque message for unexpected errors, got %q", MessageOf(err))
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("row scan failed")
	err := Wrap(cause, CodeInternal, "load signature")

	if !errors.Is(err, cause) {
		t.Error("expected wrapped error to unwrap to its cause")
	}
	if CodeOf(err) != CodeInternal {
		t.Errorf("expected Internal, got %s", CodeOf(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeUnauthorized, http.StatusForbidden},
		{CodeRecordAlreadySigned, http.StatusConflict},
		{CodeAlreadyRevoked, http.StatusConflict},
		{CodeImmutableRecordViolation, http.StatusConflict},
		{CodeContentHashMismatch, http.StatusUnprocessableEntity},
		{CodeExpiredCertificate, http.StatusUnprocessableEntity},
		{CodeCryptographicMismatch, http.StatusUnprocessableEntity},
		{CodeUnsupportedAlgorithm, http.StatusUnprocessableEntity},
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := HTTPStatus(New(tt.code, "x")); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(CodeRevoked, "signature revoked")
	if !Is(err, CodeRevoked) {
		t.Error("expected Is to match the carried code")
	}
	if Is(err, CodeNotFound) {
		t.Error("expected Is to reject a different code")
	}
}
