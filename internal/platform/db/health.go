package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool section of the health response.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// Health is the body served on /health.
type Health struct {
	Status        string    `json:"status"`
	SchemaVersion int       `json:"schema_version"`
	Pool          PoolStats `json:"pool"`
	Error         string    `json:"error,omitempty"`
}

func (h Health) Code() int {
	if h.Status == "healthy" {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// HealthHandler pings the database and reports the latest applied migration.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := Health{Status: "healthy", Pool: GetPoolStats(pool)}
		err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&h.SchemaVersion)
		if err != nil {
			h.Status = "unhealthy"
			h.Error = err.Error()
		}
		return c.JSON(h.Code(), h)
	}
}
