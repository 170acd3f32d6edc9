package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of one check or of a whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// httpCode maps a report status to the /healthz answer. Degraded still answers 200.
func (s Status) httpCode() int {
	if s.rank() >= StatusUnhealthy.rank() {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Result is what a Checker reports. The registry fills in Name and ElapsedMs.
type Result struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// Report is the combined view served on /healthz. Checks are sorted by name.
type Report struct {
	Status     Status    `json:"status"`
	Connection string    `json:"connection,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
	Checks     []Result  `json:"checks"`
}

// Find returns the result of the named check
func (r Report) Find(name string) (Result, bool) {
	for _, res := range r.Checks {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

// Checker is one health probe of the messaging layer
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Registry holds the checks of one client
type Registry struct {
	mu         sync.RWMutex
	connection string
	checkers   []Checker
}

// NewRegistry creates a registry whose reports carry connectionName
func NewRegistry(connectionName string) *Registry {
	return &Registry{connection: connectionName}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.checkers {
		if c.Name() == checker.Name() {
			r.checkers[i] = checker
			return
		}
	}
	r.checkers = append(r.checkers, checker)
}

// Remove drops the named checker
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.checkers {
		if c.Name() == name {
			r.checkers = append(r.checkers[:i], r.checkers[i+1:]...)
			return
		}
	}
}

// Check runs every checker concurrently. Checkers still running when ctx is
// done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	connection := r.connection
	r.mu.RUnlock()

	start := time.Now()
	type indexed struct {
		i   int
		res Result
	}
	done := make(chan indexed, len(checkers))
	for i, c := range checkers {
		go func(i int, c Checker) {
			begin := time.Now()
			res := c.Check(ctx)
			res.Name = c.Name()
			res.ElapsedMs = time.Since(begin).Milliseconds()
			done <- indexed{i: i, res: res}
		}(i, c)
	}

	results := make([]Result, len(checkers))
	seen := make([]bool, len(checkers))
	for n := 0; n < len(checkers); n++ {
		select {
		case d := <-done:
			results[d.i] = d.res
			seen[d.i] = true
			continue
		case <-ctx.Done():
		}
		for i, c := range checkers {
			if !seen[i] {
				results[i] = Result{
					Name:      c.Name(),
					Status:    StatusUnhealthy,
					Message:   "check timed out: " + ctx.Err().Error(),
					ElapsedMs: time.Since(start).Milliseconds(),
				}
			}
		}
		break
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := Report{
		Status:     StatusHealthy,
		Connection: connection,
		CheckedAt:  start,
		Checks:     results,
	}
	for _, res := range results {
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
	}
	return report
}

// Handler serves the registry report as JSON, bounding each run by timeout
func Handler(registry *Registry, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		report := registry.Check(ctx)

		body, err := json.Marshal(report)
		if err != nil {
			http.Error(w, "failed to encode health report", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(report.Status.httpCode())
		_, _ = w.Write(body)
	})
}

// LivenessHandler answers 200 as long as the process serves requests
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
