// Package timers implements the rotating-window duration counters this
// worker reports through its health surface, paired with the matching
// Prometheus histograms so the same observations are visible to both an
// operator reading GET /zones and a scrape target. Every Registry shares
// one HistogramVec on the default Prometheus registerer, registered by the
// first New; the rotating-window shape itself has no teacher
// counterpart and is built to the data model this worker's health
// endpoint needs (current-window mean alongside a lifetime mean).
package timers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is one named timer's current reading.
type Snapshot struct {
	TotalSum    time.Duration
	TotalCount  int64
	WindowSum   time.Duration
	WindowCount int64
	PrevSum     time.Duration
	PrevCount   int64
}

// Mean returns the lifetime average observation, or zero if none were
// recorded yet.
func (s Snapshot) Mean() time.Duration {
	if s.TotalCount == 0 {
		return 0
	}
	return s.TotalSum / time.Duration(s.TotalCount)
}

// WindowMean returns the average observation within the still-open
// window, falling back to the previous completed window when the
// current one is empty so a just-rotated window doesn't report zero.
func (s Snapshot) WindowMean() time.Duration {
	if s.WindowCount > 0 {
		return s.WindowSum / time.Duration(s.WindowCount)
	}
	if s.PrevCount > 0 {
		return s.PrevSum / time.Duration(s.PrevCount)
	}
	return 0
}

type timer struct {
	mu sync.Mutex

	totalSum   time.Duration
	totalCount int64

	windowSum   time.Duration
	windowCount int64

	prevSum   time.Duration
	prevCount int64

	epoch time.Time
}

// Registry is a named set of rotating-window timers, one per name
// observed (the queue client records one per command, "Command:<NAME>").
type Registry struct {
	windowSize time.Duration

	mu     sync.Mutex
	timers map[string]*timer
	hist   *prometheus.HistogramVec

	tlsDowngrades atomic.Int64
}

// New builds a Registry whose windows rotate every windowSize. Each
// named timer also publishes to a shared
// elemta_outbound_stage_duration_seconds HistogramVec, labeled
// stage=<name>, so Prometheus and the internal snapshot stay in lockstep.
// Later calls reuse the HistogramVec the first call registered.
func New(windowSize time.Duration) *Registry {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "elemta_outbound_stage_duration_seconds",
		Help:    "Duration of named outbound delivery stages.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	if err := prometheus.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			hist = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return &Registry{
		windowSize: windowSize,
		timers:     make(map[string]*timer),
		hist:       hist,
	}
}

// Observe records one duration for name, rotating name's window if
// windowSize has elapsed since it last rotated.
func (r *Registry) Observe(name string, d time.Duration) {
	r.hist.WithLabelValues(name).Observe(d.Seconds())

	t := r.timerFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.epoch.IsZero() {
		t.epoch = now
	} else if now.Sub(t.epoch) >= r.windowSize {
		t.prevSum, t.prevCount = t.windowSum, t.windowCount
		t.windowSum, t.windowCount = 0, 0
		t.epoch = now
	}

	t.totalSum += d
	t.totalCount++
	t.windowSum += d
	t.windowCount++
}

// Time is a convenience wrapper: it records the elapsed time since call
// time when the returned func is invoked, typically via defer.
func (r *Registry) Time(name string) func() {
	start := time.Now()
	return func() { r.Observe(name, time.Since(start)) }
}

func (r *Registry) timerFor(name string) *timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[name]
	if !ok {
		t = &timer{}
		r.timers[name] = t
	}
	return t
}

// Snapshot returns the current reading for name, or the zero Snapshot if
// nothing has been observed under that name yet.
func (r *Registry) Snapshot(name string) Snapshot {
	t := r.timerFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		TotalSum:    t.totalSum,
		TotalCount:  t.totalCount,
		WindowSum:   t.windowSum,
		WindowCount: t.windowCount,
		PrevSum:     t.prevSum,
		PrevCount:   t.prevCount,
	}
}

// IncrTLSDowngrade records one exchange falling back from STARTTLS to
// plaintext after a failed handshake, per internal/dialer.Dialer.
func (r *Registry) IncrTLSDowngrade() {
	r.tlsDowngrades.Add(1)
}

// TLSDowngrades returns the lifetime count of STARTTLS-to-plaintext
// fallbacks this Registry has recorded, surfaced on the admin /zones
// endpoint.
func (r *Registry) TLSDowngrades() int64 {
	return r.tlsDowngrades.Load()
}

// Names returns every timer name observed so far, for health-endpoint
// enumeration.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.timers))
	for name := range r.timers {
		names = append(names, name)
	}
	return names
}
