package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const actorKey contextKey = "actor"

// Actor is the authenticated identity behind a request. The role is the role
// held at request time; audit records snapshot it rather than re-deriving it
// later, because role assignments change and history must reflect the role
// held when the action occurred.
type Actor struct {
	ID        string
	Name      string
	Email     string
	Role      string
	SessionID string
}

// Claims are the JWT claims the identity layer issues for this service.
type Claims struct {
	jwt.RegisteredClaims
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
}

// JWTConfig configures the JWT middleware.
type JWTConfig struct {
	Issuer   string
	Audience string
	// SigningKey is the HMAC key shared with the identity layer.
	SigningKey []byte
}

// JWTMiddleware validates the bearer token and places the Actor on the
// request context. Requests without a valid token are rejected.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256"}),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actor := &Actor{
				ID:        claims.Subject,
				Name:      claims.Name,
				Email:     claims.Email,
				Role:      claims.Role,
				SessionID: claims.SessionID,
			}

			ctx := context.WithValue(c.Request().Context(), actorKey, actor)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware grants every request a fixed admin actor. Development
// only; config.Validate refuses this mode in production.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := &Actor{
				ID:        "dev-user",
				Name:      "Development User",
				Email:     "dev@localhost",
				Role:      "admin",
				SessionID: "dev-session",
			}
			ctx := context.WithValue(c.Request().Context(), actorKey, actor)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithActor returns a context carrying the given actor. Used by tests and by
// non-HTTP callers of the core services.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the authenticated actor, or nil when the request
// was not authenticated.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorKey).(*Actor)
	return actor
}
