package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterReplacesPriorSchedule(t *testing.T) {
	s := New(context.Background(), time.UTC, nil)

	require.NoError(t, s.Register(Job{Name: "daily", Spec: "0 0 * * *", Run: func(context.Context) {}}))
	require.NoError(t, s.Register(Job{Name: "daily", Spec: "0 1 * * *", Run: func(context.Context) {}}))

	require.Len(t, s.Names(), 1)
}

func TestRegisterIntervalRunsRepeatedly(t *testing.T) {
	s := New(context.Background(), time.UTC, nil)
	var count int32

	require.NoError(t, s.RegisterInterval("tick", 20*time.Millisecond, func(context.Context) {
		atomic.AddInt32(&count, 1)
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnregisterRemovesJob(t *testing.T) {
	s := New(context.Background(), time.UTC, nil)
	require.NoError(t, s.Register(Job{Name: "x", Spec: "@every 1h", Run: func(context.Context) {}}))
	s.Unregister("x")
	require.Empty(t, s.Names())
}

func TestNextRunReportsScheduledTime(t *testing.T) {
	s := New(context.Background(), time.UTC, nil)
	require.NoError(t, s.Register(Job{Name: "x", Spec: "@every 1h", Run: func(context.Context) {}}))
	s.Start()
	defer s.Stop()

	_, ok := s.NextRun("x")
	require.True(t, ok)

	_, ok = s.NextRun("missing")
	require.False(t, ok)
}
