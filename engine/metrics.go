// engine/metrics.go
//
// Tracks engine-wide counters for final reporting: tokens, completions,
// failures, batch occupancy, and request latencies.

package engine

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// EngineStats aggregates statistics across the engine's lifetime. The
// engine goroutine writes; any goroutine may read through the accessors.
type EngineStats struct {
	mu sync.Mutex

	TokensProcessed   int
	RequestsCompleted int
	RequestsFailed    int
	BackendFailures   int
	StepCount         int

	batchSizeSum int
	batchCount   int

	latenciesMs []float64
}

// NewEngineStats returns zeroed stats.
func NewEngineStats() *EngineStats {
	return &EngineStats{}
}

func (m *EngineStats) addToken() {
	m.mu.Lock()
	m.TokensProcessed++
	m.mu.Unlock()
}

func (m *EngineStats) addStep(batchSize int) {
	m.mu.Lock()
	m.StepCount++
	m.batchSizeSum += batchSize
	m.batchCount++
	m.mu.Unlock()
}

func (m *EngineStats) addCompleted(latencyMs float64) {
	m.mu.Lock()
	m.RequestsCompleted++
	m.latenciesMs = append(m.latenciesMs, latencyMs)
	m.mu.Unlock()
}

func (m *EngineStats) addFailed() {
	m.mu.Lock()
	m.RequestsFailed++
	m.mu.Unlock()
}

func (m *EngineStats) addBackendFailure() {
	m.mu.Lock()
	m.BackendFailures++
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters without the latency samples.
func (m *EngineStats) Snapshot() (tokens, completed, failed, steps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TokensProcessed, m.RequestsCompleted, m.RequestsFailed, m.StepCount
}

// AvgBatchSize returns the mean batch occupancy across steps that ran a
// forward pass.
func (m *EngineStats) AvgBatchSize() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchCount == 0 {
		return 0
	}
	return float64(m.batchSizeSum) / float64(m.batchCount)
}

// LatencyQuantile returns the q-quantile (0..1) of completed-request
// latency in milliseconds, 0 with no samples.
func (m *EngineStats) LatencyQuantile(q float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latenciesMs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), m.latenciesMs...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

// Print writes the aggregated metrics.
func (m *EngineStats) Print(w io.Writer) {
	tokens, completed, failed, steps := m.Snapshot()
	fmt.Fprintln(w, "=== Engine Metrics ===")
	fmt.Fprintf(w, "Steps              : %d\n", steps)
	fmt.Fprintf(w, "Tokens Processed   : %d\n", tokens)
	fmt.Fprintf(w, "Completed Requests : %d\n", completed)
	fmt.Fprintf(w, "Failed Requests    : %d\n", failed)
	m.mu.Lock()
	fmt.Fprintf(w, "Backend Failures   : %d\n", m.BackendFailures)
	m.mu.Unlock()
	fmt.Fprintf(w, "Avg Batch Size     : %.2f\n", m.AvgBatchSize())
	if completed > 0 {
		fmt.Fprintf(w, "Latency p50        : %.2f ms\n", m.LatencyQuantile(0.5))
		fmt.Fprintf(w, "Latency p99        : %.2f ms\n", m.LatencyQuantile(0.99))
	}
}
