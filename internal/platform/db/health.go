package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStatus is a point-in-time view of the connection pool. Signing and
// audit appends persist synchronously, so pool saturation shows up here
// before it shows up as request latency.
type PoolStatus struct {
	Reachable     bool   `json:"reachable"`
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireCount  int64  `json:"acquire_count"`
	AcquireWait   string `json:"acquire_wait"`
}

// Readiness is the payload of GET /health/db.
type Readiness struct {
	Status   string     `json:"status"`
	Error    string     `json:"error,omitempty"`
	Database PoolStatus `json:"database"`
}

// ReadPoolStatus snapshots the pool counters. Reachable is left for the
// caller to fill in from an actual ping.
func ReadPoolStatus(pool *pgxpool.Pool) PoolStatus {
	stat := pool.Stat()
	return PoolStatus{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireCount:  stat.AcquireCount(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// HealthHandler reports whether the service can reach its database. There
// is no degraded mode: every write path (records, signatures, the audit
// trail) needs postgres, so unreachable means the whole API is down.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		status := ReadPoolStatus(pool)
		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, Readiness{
				Status:   "unavailable",
				Error:    err.Error(),
				Database: status,
			})
		}

		status.Reachable = true
		return c.JSON(http.StatusOK, Readiness{Status: "ready", Database: status})
	}
}
