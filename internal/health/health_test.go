package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmissibleInitiallyTrue(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.True(t, m.Admissible(1, 10, 600))
}

func TestCircuitTripsAfterFailureRateThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSampleCount = 4
	cfg.FailureRateThreshold = 0.5
	m := NewManager(cfg)

	m.RecordResult(1, FailureServer)
	m.RecordResult(1, FailureServer)
	m.RecordResult(1, FailureServer)
	require.Equal(t, "closed", m.StateLabel(1))
	m.RecordResult(1, FailureServer)

	require.Equal(t, "open", m.StateLabel(1))
	require.False(t, m.Admissible(1, 10, 600))
}

func TestFatalFailureTripsImmediately(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordResult(1, FailureFatal)
	require.Equal(t, "open", m.StateLabel(1))
}

func TestHalfOpenRecoversAfterProbeInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseProbeInterval = 1 * time.Millisecond
	cfg.RequiredSuccesses = 1
	m := NewManager(cfg)

	m.RecordResult(1, FailureFatal)
	require.Equal(t, "open", m.StateLabel(1))

	time.Sleep(5 * time.Millisecond)
	require.True(t, m.Admissible(1, 10, 600))
	require.Equal(t, "half_open", m.StateLabel(1))

	// a second probe must not be admitted while one is in flight.
	require.False(t, m.Admissible(1, 10, 600))

	m.RecordResult(1, FailureNone)
	require.Equal(t, "closed", m.StateLabel(1))
}

func TestHalfOpenFailureReopensCircuit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseProbeInterval = 1 * time.Millisecond
	cfg.AllowedFailures = 1
	m := NewManager(cfg)

	m.RecordResult(1, FailureFatal)
	time.Sleep(5 * time.Millisecond)
	require.True(t, m.Admissible(1, 10, 600))

	m.RecordResult(1, FailureServer)
	require.Equal(t, "open", m.StateLabel(1))
}

func TestConcurrencyLimitBlocksAdmission(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.True(t, m.Admissible(1, 1, 600))
	m.AcquireSlot(1)

	require.False(t, m.Admissible(1, 1, 600))

	m.ReleaseSlot(1)
	require.True(t, m.Admissible(1, 1, 600))
}

func TestRateLimitBlocksAdmission(t *testing.T) {
	m := NewManager(DefaultConfig())
	// rpm=1 -> burst of int(1)+1=2 tokens, refilling at 1/60 per second;
	// the first two admits drain the burst, the third is blocked immediately.
	require.True(t, m.Admissible(2, 10, 1))
	require.True(t, m.Admissible(2, 10, 1))
	require.False(t, m.Admissible(2, 10, 1))
}

func TestDailyCapBlocksAdmission(t *testing.T) {
	m := NewManager(DefaultConfig())
	cs := m.get(1, 10, 600)
	cap := 5.0
	cs.dailyCapUSD = &cap
	cs.dailyUsedUSD = 5.0

	require.False(t, m.Admissible(1, 10, 600))
}
