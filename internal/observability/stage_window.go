package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Relay latency stages.
const (
	StageTokenAcquire      = "token_acquire"
	StageUpstreamOpen      = "upstream_open"
	StageConnectToReady    = "connect_to_ready"
	StageReadyToFirstAudio = "ready_to_first_audio"
)

// p95 budgets in milliseconds. Stages without an entry report no target.
var stageTargetsMS = map[string]float64{
	StageTokenAcquire:      800,
	StageUpstreamOpen:      1000,
	StageConnectToReady:    2500,
	StageReadyToFirstAudio: 1500,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	Total       int     `json:"total"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow holds the most recent observations per stage, oldest first,
// plus plain event counters.
type stageWindow struct {
	mu       sync.Mutex
	capacity int
	series   map[string]*stageSeries
	counters map[string]int
}

type stageSeries struct {
	recent []float64
	total  int
}

func (s *stageSeries) push(ms float64, capacity int) {
	if len(s.recent) == capacity {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:capacity-1]
	}
	s.recent = append(s.recent, ms)
	s.total++
}

func (s *stageSeries) summarize(stage string) StageStats {
	sorted := slices.Clone(s.recent)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	target := stageTargetsMS[stage]
	over := 0
	if target > 0 {
		idx, _ := slices.BinarySearch(sorted, math.Nextafter(target, math.Inf(1)))
		over = len(sorted) - idx
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		Total:       s.total,
		LastMS:      roundMS(s.recent[len(s.recent)-1]),
		AvgMS:       roundMS(sum / float64(len(sorted))),
		P50MS:       roundMS(nearestRank(sorted, 50)),
		P95MS:       roundMS(nearestRank(sorted, 95)),
		P99MS:       roundMS(nearestRank(sorted, 99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity: capacity,
		series:   make(map[string]*stageSeries),
		counters: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.series[stage]
	if s == nil {
		s = &stageSeries{recent: make([]float64, 0, w.capacity)}
		w.series[stage] = s
	}
	s.push(ms, w.capacity)
}

func (w *stageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.counters[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.series)),
	}
	for _, stage := range sortedKeys(w.series) {
		if s := w.series[stage]; len(s.recent) > 0 {
			snap.Stages = append(snap.Stages, s.summarize(stage))
		}
	}
	for _, name := range sortedKeys(w.counters) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counters[name]})
	}
	return snap
}

func (w *stageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.series)
	clear(w.counters)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// nearestRank returns the pct-th percentile of an ascending slice.
func nearestRank(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
