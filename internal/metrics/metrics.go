// Package metrics tracks cache operation latencies.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is a 1% relative error on quantile estimates.
const DefaultAccuracy = 0.01

// LatencyTracker keeps one DDSketch of millisecond durations per operation.
type LatencyTracker struct {
	mu       sync.Mutex
	sketches map[string]*ddsketch.DDSketch
	accuracy float64
}

// NewLatencyTracker creates a tracker with the given relative accuracy.
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	if relativeAccuracy <= 0 || relativeAccuracy >= 1 {
		relativeAccuracy = DefaultAccuracy
	}
	return &LatencyTracker{
		sketches: make(map[string]*ddsketch.DDSketch),
		accuracy: relativeAccuracy,
	}
}

// Record adds one duration for operation.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.accuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.accuracy)
		}
		lt.sketches[operation] = sketch
	}
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Quantile returns the estimated duration in milliseconds at q for operation.
func (lt *LatencyTracker) Quantile(operation string, q float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		return 0, fmt.Errorf("no data for operation: %s", operation)
	}
	return sketch.GetValueAtQuantile(q)
}

// Stats summarizes one operation, durations in milliseconds.
type Stats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// Stats returns the summary of operation.
func (lt *LatencyTracker) Stats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	return summarize(operation, sketch), nil
}

// All returns the summaries of every tracked operation, sorted by name.
func (lt *LatencyTracker) All() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	out := make([]Stats, 0, len(lt.sketches))
	for op, sketch := range lt.sketches {
		out = append(out, summarize(op, sketch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func summarize(op string, sketch *ddsketch.DDSketch) Stats {
	s := Stats{Operation: op, Count: int64(sketch.GetCount())}
	if s.Count == 0 {
		return s
	}
	s.Min, _ = sketch.GetMinValue()
	s.P50, _ = sketch.GetValueAtQuantile(0.50)
	s.P90, _ = sketch.GetValueAtQuantile(0.90)
	s.P99, _ = sketch.GetValueAtQuantile(0.99)
	s.Max, _ = sketch.GetMaxValue()
	return s
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
