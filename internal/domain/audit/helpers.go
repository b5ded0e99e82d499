package audit

import (
	"github.com/labstack/echo/v4"

	"github.com/firmamed/firmamed/internal/platform/auth"
	"github.com/firmamed/firmamed/internal/platform/errs"
)

// CallerFromEcho captures the acting identity and request context from an
// HTTP request. Handlers pass the result explicitly into every core
// operation; services never reach back into ambient request state.
func CallerFromEcho(c echo.Context) Caller {
	rid, _ := c.Get("request_id").(string)
	return Caller{
		Actor:     auth.ActorFromContext(c.Request().Context()),
		OriginIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		SessionID: sessionID(c),
		RequestID: rid,
	}
}

func sessionID(c echo.Context) string {
	if actor := auth.ActorFromContext(c.Request().Context()); actor != nil {
		return actor.SessionID
	}
	return ""
}

func messageOrOK(err error, ok string) string {
	if err == nil {
		return ok
	}
	return errs.MessageOf(err)
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	return string(errs.CodeOf(err))
}
