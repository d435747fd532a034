package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

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

// Check probes one dependency (postgres, redis, the ledger file).
type Check func(ctx context.Context) error

type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type HealthReport struct {
	Status     string            `json:"status"`
	Store      string            `json:"store"`
	Components []ComponentStatus `json:"components"`
	Pool       *PoolStats        `json:"pool,omitempty"`
}

// RunChecks runs every check with the given timeout and reports them in
// name order.
func RunChecks(ctx context.Context, timeout time.Duration, checks map[string]Check) ([]ComponentStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	out := make([]ComponentStatus, 0, len(names))
	for _, name := range names {
		st := ComponentStatus{Name: name, Healthy: true}
		if err := checks[name](ctx); err != nil {
			st.Healthy = false
			st.Error = err.Error()
			healthy = false
		}
		out = append(out, st)
	}
	return out, healthy
}

// HealthHandler serves /health/db. pool is nil when the service runs on
// the in-memory store.
func HealthHandler(store string, pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	if pool != nil {
		if checks == nil {
			checks = map[string]Check{}
		}
		checks["postgres"] = pool.Ping
	}

	return func(c echo.Context) error {
		components, healthy := RunChecks(c.Request().Context(), 5*time.Second, checks)
		report := HealthReport{
			Status:     "healthy",
			Store:      store,
			Components: components,
		}
		if pool != nil {
			report.Pool = GetPoolStats(pool)
		}

		if !healthy {
			report.Status = "unhealthy"
			if report.Pool != nil {
				report.Pool.Healthy = false
			}
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
