package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Pinger is anything the health endpoint can probe: the pgx pool, the redis
// client wrapper, or the in-memory store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler probes each named dependency and reports 503 if any fails.
// Pool statistics are attached when one of them is a pgx pool.
func HealthHandler(deps map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		body := map[string]any{"checks": checks}

		for name, dep := range deps {
			err := dep.Ping(ctx)
			if err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
			} else {
				checks[name] = "ok"
			}
			if pool, ok := dep.(*pgxpool.Pool); ok {
				stats := GetPoolStats(pool)
				if err != nil {
					stats.Healthy = false
				}
				body["pool"] = stats
			}
		}

		if status == http.StatusOK {
			body["status"] = "healthy"
		} else {
			body["status"] = "unhealthy"
		}
		return c.JSON(status, body)
	}
}
