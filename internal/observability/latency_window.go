package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// LatencyOptions bounds the rolling window served at /v1/perf/latency.
type LatencyOptions struct {
	// Samples caps the samples kept per stage and the outcomes kept overall.
	Samples int
	// MaxAge drops samples older than this. Zero keeps samples until Samples evicts them.
	MaxAge time.Duration
	// TargetsP95 sets the p95 budget for a stage, overriding DefaultLatencyTargets.
	TargetsP95 map[string]time.Duration
}

// DefaultLatencyTargets returns the p95 budgets for the chat stages.
func DefaultLatencyTargets() map[string]time.Duration {
	return map[string]time.Duration{
		StageMemoryLoad: 50 * time.Millisecond,
		StageAgent:      8 * time.Second,
		StagePersist:    100 * time.Millisecond,
		StageTotal:      10 * time.Second,
	}
}

// StageLatency summarizes the recent samples of one chat stage.
type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	MeanMS      float64 `json:"mean_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget"`
}

// OutcomeRate is the share of recent chat requests that ended with Outcome.
type OutcomeRate struct {
	Outcome string  `json:"outcome"`
	Count   int     `json:"count"`
	Rate    float64 `json:"rate"`
}

// LatencySnapshot is the /v1/perf/latency payload.
type LatencySnapshot struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	WindowSamples int            `json:"window_samples"`
	WindowMaxAge  string         `json:"window_max_age,omitempty"`
	Stages        []StageLatency `json:"stages"`
	Outcomes      []OutcomeRate  `json:"outcomes"`
	Failures      map[string]int `json:"failures,omitempty"`
}

type sample struct {
	at time.Time
	ms float64
}

type outcomeSample struct {
	at      time.Time
	outcome string
}

// latencyWindow keeps recent stage latencies and chat outcomes, bounded by
// count and age. Failure counters are cumulative.
type latencyWindow struct {
	limit   int
	maxAge  time.Duration
	targets map[string]float64
	now     func() time.Time

	mu       sync.Mutex
	stages   map[string][]sample
	outcomes []outcomeSample
	failures map[string]int
}

func newLatencyWindow(opts LatencyOptions) *latencyWindow {
	if opts.Samples <= 0 {
		opts.Samples = 256
	}
	targets := make(map[string]float64)
	for stage, d := range DefaultLatencyTargets() {
		targets[stage] = durationMS(d)
	}
	for stage, d := range opts.TargetsP95 {
		if d > 0 {
			targets[strings.ToLower(strings.TrimSpace(stage))] = durationMS(d)
		}
	}
	return &latencyWindow{
		limit:    opts.Samples,
		maxAge:   opts.MaxAge,
		targets:  targets,
		now:      time.Now,
		stages:   make(map[string][]sample),
		failures: make(map[string]int),
	}
}

func (w *latencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages[stage] = keepRecent(append(w.stages[stage], sample{at: w.now(), ms: durationMS(d)}), w.limit)
}

func (w *latencyWindow) observeOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes = keepRecent(append(w.outcomes, outcomeSample{at: w.now(), outcome: outcome}), w.limit)
}

func (w *latencyWindow) observeFailure(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.failures[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt:   now.UTC(),
		WindowSamples: w.limit,
		Stages:        []StageLatency{},
		Outcomes:      []OutcomeRate{},
	}
	if w.maxAge > 0 {
		snap.WindowMaxAge = w.maxAge.String()
	}

	names := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		names = append(names, stage)
	}
	sort.Strings(names)
	for _, stage := range names {
		recent := w.freshSamples(w.stages[stage], now)
		w.stages[stage] = recent
		if len(recent) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, w.summarize(stage, recent))
	}

	w.outcomes = w.freshOutcomes(now)
	if n := len(w.outcomes); n > 0 {
		counts := make(map[string]int)
		for _, o := range w.outcomes {
			counts[o.outcome]++
		}
		for outcome, c := range counts {
			snap.Outcomes = append(snap.Outcomes, OutcomeRate{
				Outcome: outcome,
				Count:   c,
				Rate:    round2(float64(c) / float64(n)),
			})
		}
		sort.Slice(snap.Outcomes, func(i, j int) bool {
			if snap.Outcomes[i].Count != snap.Outcomes[j].Count {
				return snap.Outcomes[i].Count > snap.Outcomes[j].Count
			}
			return snap.Outcomes[i].Outcome < snap.Outcomes[j].Outcome
		})
	}

	if len(w.failures) > 0 {
		snap.Failures = make(map[string]int, len(w.failures))
		for name, c := range w.failures {
			snap.Failures[name] = c
		}
	}
	return snap
}

func (w *latencyWindow) summarize(stage string, recent []sample) StageLatency {
	values := make([]float64, len(recent))
	sum := 0.0
	for i, s := range recent {
		values[i] = s.ms
		sum += s.ms
	}
	sort.Float64s(values)

	out := StageLatency{
		Stage:   stage,
		Samples: len(values),
		LastMS:  round2(recent[len(recent)-1].ms),
		MeanMS:  round2(sum / float64(len(values))),
		P50MS:   round2(nearestRank(values, 0.50)),
		P95MS:   round2(nearestRank(values, 0.95)),
		MaxMS:   round2(values[len(values)-1]),
	}
	if target, ok := w.targets[stage]; ok {
		out.TargetP95MS = round2(target)
		out.OverBudget = out.P95MS > out.TargetP95MS
	}
	return out
}

// freshSamples drops samples older than maxAge. Samples are in arrival order.
func (w *latencyWindow) freshSamples(samples []sample, now time.Time) []sample {
	if w.maxAge <= 0 {
		return samples
	}
	cutoff := now.Add(-w.maxAge)
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].at.Before(cutoff) })
	return samples[i:]
}

func (w *latencyWindow) freshOutcomes(now time.Time) []outcomeSample {
	if w.maxAge <= 0 {
		return w.outcomes
	}
	cutoff := now.Add(-w.maxAge)
	i := sort.Search(len(w.outcomes), func(i int) bool { return !w.outcomes[i].at.Before(cutoff) })
	return w.outcomes[i:]
}

// keepRecent trims s to its last limit entries, reallocating once the
// backing array has grown well past limit.
func keepRecent[T any](s []T, limit int) []T {
	if len(s) <= limit {
		return s
	}
	s = s[len(s)-limit:]
	if cap(s) > 2*limit {
		s = append(make([]T, 0, limit), s...)
	}
	return s
}

// nearestRank returns the q-quantile of sorted values by the nearest-rank method.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
