package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// deadlineWriter serializes response writes between the handler goroutine
// and the timeout path. Once the timeout response has been sent, anything
// the still-running handler writes is discarded.
type deadlineWriter struct {
	http.ResponseWriter
	mu     sync.Mutex
	wrote  bool
	closed bool
}

func (w *deadlineWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *deadlineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(b), nil
	}
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// expire writes the timeout response if the handler has not started one,
// then seals the writer against any later handler output. Reports whether
// the timeout response was written.
func (w *deadlineWriter) expire(body []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wrote || w.closed {
		w.closed = true
		return false
	}
	w.ResponseWriter.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	w.ResponseWriter.WriteHeader(http.StatusGatewayTimeout)
	w.ResponseWriter.Write(body)
	w.closed = true
	return true
}

// RequestTimeout sets a context deadline on each incoming request. If the
// deadline passes before the handler completes, a 504 is returned and the
// handler's eventual writes are dropped. Handlers that need longer (the
// audit export stream) derive their own deadline from the request context.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	timeoutBody := []byte(`{"error":"request processing exceeded the allowed time limit"}`)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			w := &deadlineWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = w

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					return ctx.Err()
				}
				w.expire(timeoutBody)
				return nil
			}
		}
	}
}
