package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 5 * time.Second

// PoolStats is the connection pool snapshot reported on the database
// health endpoint.
type PoolStats struct {
	Acquired int32 `json:"acquired"`
	Idle     int32 `json:"idle"`
	Total    int32 `json:"total"`
	Max      int32 `json:"max"`
}

// Stats snapshots the pool counters.
func Stats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		Acquired: s.AcquiredConns(),
		Idle:     s.IdleConns(),
		Total:    s.TotalConns(),
		Max:      s.MaxConns(),
	}
}

type healthResponse struct {
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Database PoolStats `json:"database"`
}

// healthOf maps a ping result to the health envelope. The "status" key
// matches the top-level /health endpoint so probes can treat both the
// same way.
func healthOf(err error, stats PoolStats) (int, healthResponse) {
	if err != nil {
		return http.StatusServiceUnavailable, healthResponse{
			Status:   "unhealthy",
			Error:    err.Error(),
			Database: stats,
		}
	}
	return http.StatusOK, healthResponse{Status: "ok", Database: stats}
}

// HealthHandler serves the database health check: a bounded ping plus
// the pool snapshot.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		status, body := healthOf(pool.Ping(ctx), Stats(pool))
		return c.JSON(status, body)
	}
}
