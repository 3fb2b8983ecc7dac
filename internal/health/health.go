// Package health implements the per-credential adaptive health manager of
// spec §4.E: a circuit breaker state machine (closed/open/half-open) with
// probe-slot gating, sliding-window failure-rate detection, and adaptive
// concurrency learning. It generalizes the teacher's per-provider-name
// circuitbreaker.go to per-credential-id state, since a provider may expose
// many credentials with independent health.
package health

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Config holds the tunables; all are configurable per spec §4.E.
type Config struct {
	// closed -> open
	FailureRateThreshold float64 // e.g. 0.5
	MinSampleCount       int
	WindowDuration        time.Duration

	// open -> half-open
	BaseProbeInterval time.Duration
	MaxProbeInterval  time.Duration

	// half-open -> closed | open
	HalfOpenWindow       time.Duration
	RequiredSuccesses    int
	AllowedFailures      int

	// adaptive concurrency
	PeakWindow          time.Duration
	PeaksToTrigger      int
	UtilizationLowWatermark float64
	Cooldown            time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:    0.5,
		MinSampleCount:          5,
		WindowDuration:          60 * time.Second,
		BaseProbeInterval:       30 * time.Second,
		MaxProbeInterval:        10 * time.Minute,
		HalfOpenWindow:          60 * time.Second,
		RequiredSuccesses:       3,
		AllowedFailures:         1,
		PeakWindow:              5 * time.Minute,
		PeaksToTrigger:          3,
		UtilizationLowWatermark: 0.2,
		Cooldown:                5 * time.Minute,
	}
}

// outcome classifies one recorded attempt.
type outcome struct {
	at      time.Time
	failed  bool
	fatal   bool // auth/key-invalid: trips the breaker on a single occurrence
	kind    string
}

type credState struct {
	mu sync.Mutex

	st state

	results []outcome // request_results_window

	openAt        time.Time
	nextProbeAt   time.Time
	probeInterval time.Duration
	halfOpenUntil time.Time
	halfOpenOK    int
	halfOpenFail  int
	probeInFlight bool

	inFlight int

	maxConcurrent        int
	learnedMaxConcurrent int
	lastProbeIncreaseAt  time.Time
	concurrencyPeaks     []time.Time

	limiter *rate.Limiter

	dailyUsedUSD   float64
	monthlyUsedUSD float64
	dailyCapUSD    *float64
	monthlyCapUSD  *float64
}

// Manager tracks health state for a set of credentials, keyed by
// ProviderAPIKey id.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	creds map[uint64]*credState
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, creds: map[uint64]*credState{}}
}

func (m *Manager) get(id uint64, maxConcurrent int, rpm float64) *credState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.creds[id]
	if !ok {
		if maxConcurrent <= 0 {
			maxConcurrent = 10
		}
		cs = &credState{
			maxConcurrent:        maxConcurrent,
			learnedMaxConcurrent: maxConcurrent,
			limiter:              rate.NewLimiter(rate.Limit(rpm/60.0), int(rpm)+1),
		}
		m.creds[id] = cs
	}
	return cs
}

// Admissible implements the four-part test of §4.E: circuit state, in-flight
// concurrency, per-window rate, and daily/monthly caps.
func (m *Manager) Admissible(credentialID uint64, maxConcurrent int, rpm float64) bool {
	cs := m.get(credentialID, maxConcurrent, rpm)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	switch cs.st {
	case open:
		if now.Before(cs.nextProbeAt) {
			return false
		}
		cs.st = halfOpen
		cs.halfOpenUntil = now.Add(m.cfg.HalfOpenWindow)
		cs.halfOpenOK, cs.halfOpenFail = 0, 0
		cs.probeInFlight = false
		fallthrough
	case halfOpen:
		if cs.probeInFlight {
			return false
		}
	case closed:
	}

	limit := cs.maxConcurrent
	if cs.learnedMaxConcurrent > 0 && cs.learnedMaxConcurrent < limit {
		limit = cs.learnedMaxConcurrent
	}
	if cs.inFlight >= limit {
		return false
	}

	if cs.limiter != nil && !cs.limiter.Allow() {
		return false
	}

	if cs.dailyCapUSD != nil && cs.dailyUsedUSD >= *cs.dailyCapUSD {
		return false
	}
	if cs.monthlyCapUSD != nil && cs.monthlyUsedUSD >= *cs.monthlyCapUSD {
		return false
	}

	if cs.st == halfOpen {
		cs.probeInFlight = true
	}
	return true
}

// AcquireSlot increments the in-flight counter; pair with Release.
func (m *Manager) AcquireSlot(credentialID uint64) {
	cs := m.get(credentialID, 0, 0)
	cs.mu.Lock()
	cs.inFlight++
	peak := cs.inFlight
	cs.mu.Unlock()
	m.sampleUtilization(credentialID, peak)
}

func (m *Manager) ReleaseSlot(credentialID uint64) {
	cs := m.get(credentialID, 0, 0)
	cs.mu.Lock()
	if cs.inFlight > 0 {
		cs.inFlight--
	}
	cs.mu.Unlock()
}

// FailureKind classifies a recorded failure for health-transition purposes.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureTimeout    FailureKind = "timeout"
	FailureRateLimit  FailureKind = "rate_limit"
	FailureConcurrent FailureKind = "concurrent"
	FailureServer     FailureKind = "server_error"
	FailurePermanent  FailureKind = "permanent"
	FailureFatal      FailureKind = "fatal" // auth/key-invalid
)

// RecordResult updates rolling counters and drives the state machine.
func (m *Manager) RecordResult(credentialID uint64, kind FailureKind) {
	cs := m.get(credentialID, 0, 0)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	failed := kind != FailureNone
	cs.results = append(cs.results, outcome{at: now, failed: failed, fatal: kind == FailureFatal, kind: string(kind)})
	cs.results = trimWindow(cs.results, now, m.cfg.WindowDuration)

	switch cs.st {
	case halfOpen:
		cs.probeInFlight = false
		if failed {
			cs.halfOpenFail++
			if cs.halfOpenFail >= m.cfg.AllowedFailures {
				cs.st = open
				cs.openAt = now
				if cs.probeInterval == 0 {
					cs.probeInterval = m.cfg.BaseProbeInterval
				} else {
					cs.probeInterval *= 2
				}
				if cs.probeInterval > m.cfg.MaxProbeInterval {
					cs.probeInterval = m.cfg.MaxProbeInterval
				}
				cs.nextProbeAt = now.Add(cs.probeInterval)
			}
			return
		}
		cs.halfOpenOK++
		if cs.halfOpenOK >= m.cfg.RequiredSuccesses {
			cs.st = closed
			cs.openAt = time.Time{}
			cs.nextProbeAt = time.Time{}
			cs.halfOpenUntil = time.Time{}
			cs.probeInterval = 0
		}
		return
	case open:
		return
	default: // closed
		if !failed {
			return
		}
		if kind == FailureFatal {
			cs.tripOpen(now, m.cfg)
			return
		}
		fails, total := countWindow(cs.results)
		if total >= m.cfg.MinSampleCount && float64(fails)/float64(total) > m.cfg.FailureRateThreshold {
			cs.tripOpen(now, m.cfg)
		}
	}

	if kind == FailureConcurrent {
		cs.recordConcurrentPeak(now, m.cfg)
	}
}

func (cs *credState) tripOpen(now time.Time, cfg Config) {
	cs.st = open
	cs.openAt = now
	cs.probeInterval = cfg.BaseProbeInterval
	cs.nextProbeAt = now.Add(cs.probeInterval)
	cs.halfOpenUntil = time.Time{}
}

func (cs *credState) recordConcurrentPeak(now time.Time, cfg Config) {
	cs.concurrencyPeaks = append(cs.concurrencyPeaks, now)
	cutoff := now.Add(-cfg.PeakWindow)
	kept := cs.concurrencyPeaks[:0]
	for _, t := range cs.concurrencyPeaks {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cs.concurrencyPeaks = kept
	if len(cs.concurrencyPeaks) >= cfg.PeaksToTrigger {
		newLimit := int(float64(cs.inFlight) * 0.9)
		if newLimit < 1 {
			newLimit = 1
		}
		if newLimit < cs.learnedMaxConcurrent || cs.learnedMaxConcurrent == 0 {
			cs.learnedMaxConcurrent = newLimit
		}
	}
}

// sampleUtilization tentatively raises learnedMaxConcurrent by one when
// utilization has been sustained-low for at least Cooldown with no 429
// since the last probe increase, per §4.E.
func (m *Manager) sampleUtilization(credentialID uint64, observed int) {
	cs := m.get(credentialID, 0, 0)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	limit := cs.maxConcurrent
	if cs.learnedMaxConcurrent > 0 {
		limit = cs.learnedMaxConcurrent
	}
	if limit == 0 {
		return
	}
	utilization := float64(observed) / float64(limit)
	now := time.Now()
	if utilization >= m.cfg.UtilizationLowWatermark {
		return
	}
	if now.Sub(cs.lastProbeIncreaseAt) < m.cfg.Cooldown {
		return
	}
	if len(cs.concurrencyPeaks) > 0 {
		return
	}
	if cs.learnedMaxConcurrent < cs.maxConcurrent {
		cs.learnedMaxConcurrent++
	}
	cs.lastProbeIncreaseAt = now
}

// StateLabel reports the circuit state for diagnostics/metrics.
func (m *Manager) StateLabel(credentialID uint64) string {
	cs := m.get(credentialID, 0, 0)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch cs.st {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func trimWindow(outcomes []outcome, now time.Time, window time.Duration) []outcome {
	cutoff := now.Add(-window)
	kept := outcomes[:0]
	for _, o := range outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}

func countWindow(outcomes []outcome) (fails, total int) {
	for _, o := range outcomes {
		total++
		if o.failed {
			fails++
		}
	}
	return
}
