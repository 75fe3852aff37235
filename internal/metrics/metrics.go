// Package metrics is the in-process counter/meter/timer registry used
// by the download manager and sync state machine: named metrics are
// registered lazily against a package-level registry, so any package
// can grab one with a single NewRegisteredXxx call at init time.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonic (or freely adjustable) integer counter.
type Counter struct {
	v int64
}

func (c *Counter) Inc(delta int64) { atomic.AddInt64(&c.v, delta) }
func (c *Counter) Dec(delta int64) { atomic.AddInt64(&c.v, -delta) }
func (c *Counter) Count() int64    { return atomic.LoadInt64(&c.v) }
func (c *Counter) Clear()          { atomic.StoreInt64(&c.v, 0) }

// Meter tracks an event rate: a running count plus a snapshot of
// events observed in the current window.
type Meter struct {
	mu          sync.Mutex
	count       int64
	windowStart time.Time
	windowCount int64
	rate        float64
}

func newMeter() *Meter {
	return &Meter{windowStart: time.Now()}
}

// Mark records n occurrences of the metered event.
func (m *Meter) Mark(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count += n
	m.windowCount += n
	if elapsed := time.Since(m.windowStart); elapsed >= time.Second {
		m.rate = float64(m.windowCount) / elapsed.Seconds()
		m.windowCount = 0
		m.windowStart = time.Now()
	}
}

func (m *Meter) Count() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *Meter) RateLastWindow() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Timer tracks a count and cumulative duration of timed events.
type Timer struct {
	mu    sync.Mutex
	count int64
	total time.Duration
}

func newTimer() *Timer { return &Timer{} }

func (t *Timer) Update(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.total += d
}

func (t *Timer) Mean() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return t.total / time.Duration(t.count)
}

type registry struct {
	mu       sync.Mutex
	meters   map[string]*Meter
	timers   map[string]*Timer
	counters map[string]*Counter
}

var reg = &registry{
	meters:   make(map[string]*Meter),
	timers:   make(map[string]*Timer),
	counters: make(map[string]*Counter),
}

// NewRegisteredMeter returns (creating if necessary) the named Meter.
// The second argument is an optional parent registry; passing nil
// registers against the package-level one.
func NewRegisteredMeter(name string, _ interface{}) *Meter {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if m, ok := reg.meters[name]; ok {
		return m
	}
	m := newMeter()
	reg.meters[name] = m
	return m
}

// NewRegisteredTimer returns (creating if necessary) the named Timer.
func NewRegisteredTimer(name string, _ interface{}) *Timer {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if t, ok := reg.timers[name]; ok {
		return t
	}
	t := newTimer()
	reg.timers[name] = t
	return t
}

// NewRegisteredCounter returns (creating if necessary) the named
// Counter.
func NewRegisteredCounter(name string, _ interface{}) *Counter {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if c, ok := reg.counters[name]; ok {
		return c
	}
	c := &Counter{}
	reg.counters[name] = c
	return c
}

// Snapshot is a point-in-time dump of every registered metric.
type Snapshot struct {
	Counters map[string]int64
	Meters   map[string]float64
	Timers   map[string]time.Duration
}

// Snap returns a Snapshot of the current registry state.
func Snap() Snapshot {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := Snapshot{
		Counters: make(map[string]int64, len(reg.counters)),
		Meters:   make(map[string]float64, len(reg.meters)),
		Timers:   make(map[string]time.Duration, len(reg.timers)),
	}
	for k, c := range reg.counters {
		s.Counters[k] = c.Count()
	}
	for k, m := range reg.meters {
		s.Meters[k] = m.RateLastWindow()
	}
	for k, t := range reg.timers {
		s.Timers[k] = t.Mean()
	}
	return s
}
