// Package health provides a registry of named subsystem health checkers
// backing the /health/ready endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a health checker.
func (r *Registry) Register(check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// CheckAll runs every checker and returns the aggregate health plus the
// individual results, in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))
	for i, check := range checkers {
		statuses[i] = check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database reports whether db answers a ping within two seconds.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// RunFreshness reports unhealthy when the last successful scoring run is
// older than maxAge. lastRun returns the zero time when nothing has run yet,
// which is healthy: a fresh server has nothing to be stale about.
func RunFreshness(lastRun func(context.Context) time.Time, maxAge time.Duration, now func() time.Time) Checker {
	return func(ctx context.Context) Status {
		at := lastRun(ctx)
		if at.IsZero() {
			return Status{Name: "scoring_run", Healthy: true, Detail: "no runs yet"}
		}
		age := now().Sub(at)
		if age > maxAge {
			return Status{Name: "scoring_run", Healthy: false,
				Detail: fmt.Sprintf("last run %s ago exceeds %s", age.Round(time.Second), maxAge)}
		}
		return Status{Name: "scoring_run", Healthy: true}
	}
}
