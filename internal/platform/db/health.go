package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

type HealthReport struct {
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	Latency string    `json:"ping_latency,omitempty"`
	Pool    PoolStats `json:"pool"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
	}
}

// HealthHandler pings the database. The MAR cannot be charted without it, so
// an unreachable database reports the whole service unhealthy.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := pool.Ping(ctx)
		report := HealthReport{Status: "healthy", Pool: poolStats(pool)}
		if err != nil {
			report.Status, report.Error = "unhealthy", err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		report.Latency = time.Since(start).String()
		return c.JSON(http.StatusOK, report)
	}
}
