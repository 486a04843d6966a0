package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const checkTimeout = 3 * time.Second

// Checker holds the probes behind /healthz. A nil probe is not reported.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
}

// Report is the /healthz body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Run executes every configured probe concurrently. Status is "degraded" when any probe fails.
func (c Checker) Run(ctx context.Context) Report {
	probes := map[string]func(context.Context) error{}
	if c.DBPing != nil {
		probes["db"] = c.DBPing
	}
	if c.RPCPing != nil {
		probes["rpc"] = c.RPCPing
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	report := Report{Status: "ok", Checks: make(map[string]CheckResult, len(probes))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe func(context.Context) error) {
			defer wg.Done()
			start := time.Now()
			err := probe(ctx)
			res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			mu.Lock()
			report.Checks[name] = res
			if err != nil {
				report.Status = "degraded"
			}
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()
	return report
}

// Handler serves the report: 200 when every probe passes, 503 otherwise.
func Handler(checker Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := checker.Run(r.Context())
		code := http.StatusOK
		if report.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
}
