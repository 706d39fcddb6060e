package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is worse than other
func (s Status) worse(other Status) bool {
	return rank(s) > rank(other)
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report is the combined result of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry runs a set of checkers together
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a registry holding checkers
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	for _, c := range checkers {
		r.Register(c)
	}
	return r
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Names returns the registered checker names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently. The report takes the worst status
// of its checks; a check still running when ctx ends counts as unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			res := c.Check(ctx)
			res.Name = c.Name()
			results <- res
		}(c)
	}

	report := Report{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(checkers)),
	}

collect:
	for range checkers {
		select {
		case res := <-results:
			report.Checks[res.Name] = res
		case <-ctx.Done():
			break collect
		}
	}

	for _, c := range checkers {
		if _, ok := report.Checks[c.Name()]; !ok {
			report.Checks[c.Name()] = CheckResult{
				Name:      c.Name(),
				Status:    StatusUnhealthy,
				Message:   "check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
	}

	for _, res := range report.Checks {
		if res.Status.worse(report.Status) {
			report.Status = res.Status
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}
