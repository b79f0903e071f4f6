package health

import (
	"sort"
	"sync"
	"time"
)

// WindowSize bounds the outcome and latency windows kept per source.
const WindowSize = 100

// Status values reported per source.
const (
	StatusUnknown = "unknown"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Overall health levels.
const (
	OverallHealthy  = "healthy"
	OverallDegraded = "degraded"
	OverallCritical = "critical"
)

// Breaker defaults.
const (
	DefaultThreshold = 0.1
	DefaultWindow    = 10
	DefaultCooldown  = 300 * time.Second
)

// BreakerOptions parameterise IsCircuitOpen.
type BreakerOptions struct {
	Threshold float64
	Window    int
	Cooldown  time.Duration
}

// DefaultBreakerOptions returns threshold 0.1, window 10, cooldown 300s.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{Threshold: DefaultThreshold, Window: DefaultWindow, Cooldown: DefaultCooldown}
}

type sourceStats struct {
	successCount  int64
	failureCount  int64
	latencies     *window[float64]
	results       *window[bool]
	lastStatus    string
	lastSuccessAt time.Time
	lastFailureAt time.Time
	lastError     string
	openUntil     time.Time
}

func newSourceStats() *sourceStats {
	return &sourceStats{
		latencies:  newWindow[float64](WindowSize),
		results:    newWindow[bool](WindowSize),
		lastStatus: StatusUnknown,
	}
}

// Observer receives outcome events, e.g. to mirror them into Prometheus.
type Observer interface {
	ObserveCall(source string, ok bool, latency time.Duration)
	ObserveBreaker(source string, open bool)
}

// Recorder tracks per-source call outcomes behind a single mutex.
type Recorder struct {
	mu       sync.Mutex
	sources  map[string]*sourceStats
	now      func() time.Time
	observer Observer
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithObserver mirrors outcomes into an Observer.
func WithObserver(o Observer) Option {
	return func(r *Recorder) { r.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder constructs an empty Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{sources: make(map[string]*sourceStats), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) getOrCreate(source string) *sourceStats {
	stats, ok := r.sources[source]
	if !ok {
		stats = newSourceStats()
		r.sources[source] = stats
	}
	return stats
}

// RecordSuccess stores a successful call. It reports true when the previous
// status was "error", i.e. the source just recovered.
func (r *Recorder) RecordSuccess(source string, latency time.Duration) bool {
	r.mu.Lock()
	stats := r.getOrCreate(source)
	wasError := stats.lastStatus == StatusError
	stats.successCount++
	stats.latencies.push(millis(latency))
	stats.results.push(true)
	stats.lastStatus = StatusOK
	stats.lastSuccessAt = r.now()
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveCall(source, true, latency)
	}
	return wasError
}

// RecordFailure stores a failed call and its error text.
func (r *Recorder) RecordFailure(source, errMsg string, latency time.Duration) {
	r.mu.Lock()
	stats := r.getOrCreate(source)
	stats.failureCount++
	stats.latencies.push(millis(latency))
	stats.results.push(false)
	stats.lastStatus = StatusError
	stats.lastFailureAt = r.now()
	stats.lastError = errMsg
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveCall(source, false, latency)
	}
}

// SuccessRate is the fraction of successes in the current window; ok is false without data.
func (r *Recorder) SuccessRate(source string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.sources[source]
	if !ok || stats.results.len() == 0 {
		return 0, false
	}
	return successRatio(stats.results.values()), true
}

// AvgLatency is the mean latency in milliseconds over the window.
func (r *Recorder) AvgLatency(source string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.sources[source]
	if !ok || stats.latencies.len() == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range stats.latencies.values() {
		sum += v
	}
	return sum / float64(stats.latencies.len()), true
}

// IsCircuitOpen evaluates the breaker for source.
//
// Closed: fewer than Window samples never opens; a success rate below Threshold
// over the last Window samples opens the circuit until now+Cooldown. While open
// every call reports true. The first call at or after the expiry clears it and
// reports false once, letting one probe through.
func (r *Recorder) IsCircuitOpen(source string, opts BreakerOptions) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.sources[source]
	if !ok {
		return false
	}

	now := r.now()
	if !stats.openUntil.IsZero() {
		if now.Before(stats.openUntil) {
			return true
		}
		stats.openUntil = time.Time{}
		r.notifyBreaker(source, false)
		return false
	}

	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	results := stats.results.values()
	if len(results) < window {
		return false
	}
	recent := results[len(results)-window:]
	if successRatio(recent) < opts.Threshold {
		stats.openUntil = now.Add(opts.Cooldown)
		r.notifyBreaker(source, true)
		return true
	}
	return false
}

func (r *Recorder) notifyBreaker(source string, open bool) {
	if r.observer != nil {
		r.observer.ObserveBreaker(source, open)
	}
}

// OverallStatus is healthy when every source is ok (or none recorded),
// critical when every source is in error, degraded otherwise.
func (r *Recorder) OverallStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sources) == 0 {
		return OverallHealthy
	}
	allOK, allErr := true, true
	for _, s := range r.sources {
		if s.lastStatus != StatusOK {
			allOK = false
		}
		if s.lastStatus != StatusError {
			allErr = false
		}
	}
	switch {
	case allOK:
		return OverallHealthy
	case allErr:
		return OverallCritical
	default:
		return OverallDegraded
	}
}

// SourceStatus is a read-only view of one source's record.
type SourceStatus struct {
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	SuccessRate   *float64 `json:"success_rate"`
	AvgLatencyMS  *float64 `json:"avg_latency_ms"`
	SuccessCount  int64    `json:"success_count"`
	FailureCount  int64    `json:"failure_count"`
	LastSuccessAt string   `json:"last_success_at,omitempty"`
	LastFailureAt string   `json:"last_failure_at,omitempty"`
	LastError     string   `json:"last_error,omitempty"`
	CircuitOpen   bool     `json:"circuit_open"`
}

// Summary returns every recorded source sorted by name.
func (r *Recorder) Summary() []SourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]SourceStatus, 0, len(r.sources))
	for name, s := range r.sources {
		st := SourceStatus{
			Name:         name,
			Status:       s.lastStatus,
			SuccessCount: s.successCount,
			FailureCount: s.failureCount,
			LastError:    s.lastError,
			CircuitOpen:  !s.openUntil.IsZero() && now.Before(s.openUntil),
		}
		if s.results.len() > 0 {
			rate := roundTo(successRatio(s.results.values()), 1000)
			st.SuccessRate = &rate
		}
		if s.latencies.len() > 0 {
			var sum float64
			for _, v := range s.latencies.values() {
				sum += v
			}
			avg := roundTo(sum/float64(s.latencies.len()), 10)
			st.AvgLatencyMS = &avg
		}
		if !s.lastSuccessAt.IsZero() {
			st.LastSuccessAt = s.lastSuccessAt.Format("2006-01-02 15:04:05")
		}
		if !s.lastFailureAt.IsZero() {
			st.LastFailureAt = s.lastFailureAt.Format("2006-01-02 15:04:05")
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func successRatio(results []bool) float64 {
	if len(results) == 0 {
		return 0
	}
	ok := 0
	for _, v := range results {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(results))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func roundTo(v, scale float64) float64 {
	if v < 0 {
		return -float64(int64(-v*scale+0.5)) / scale
	}
	return float64(int64(v*scale+0.5)) / scale
}
