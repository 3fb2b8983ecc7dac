package videopoll

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/dimensions"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type fakeUpstream struct {
	results map[uint64]PollResult
	errs    map[uint64]error
}

func (f *fakeUpstream) Poll(ctx context.Context, task store.VideoTask) (PollResult, error) {
	if err, ok := f.errs[task.ID]; ok {
		return PollResult{}, err
	}
	return f.results[task.ID], nil
}

type fakeWriter struct {
	success   []store.Usage
	failure   []store.Usage
}

func (f *fakeWriter) RecordStreaming(ctx context.Context, u store.Usage) error { return nil }
func (f *fakeWriter) RecordSuccess(ctx context.Context, u store.Usage) error {
	f.success = append(f.success, u)
	return nil
}
func (f *fakeWriter) RecordFailure(ctx context.Context, u store.Usage) error {
	f.failure = append(f.failure, u)
	return nil
}
func (f *fakeWriter) RecordCancelled(ctx context.Context, u store.Usage) error { return nil }

func mustCreateTask(t *testing.T, st *store.Store, overrides func(*store.VideoTask)) store.VideoTask {
	t.Helper()
	task := store.VideoTask{
		UsageRequestID:      "req-1",
		ExternalTaskID:      "ext-1",
		ProviderID:          1,
		ProviderEndpointID:  1,
		ProviderAPIKeyID:    1,
		Status:              "processing",
		MaxPollCount:        60,
		PollIntervalSeconds: 5,
		NextPollAt:          time.Now().Add(-time.Second),
	}
	if overrides != nil {
		overrides(&task)
	}
	require.NoError(t, st.DB().Create(&task).Error)
	return task
}

func TestTickAdvancesProcessingToCompleted(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, nil)

	up := &fakeUpstream{results: map[uint64]PollResult{
		task.ID: {Status: "completed", VideoURL: "https://cdn.example.com/v.mp4"},
	}}
	writer := &fakeWriter{}

	p := New(st, nil, up, billing.NewEngine(), writer, nil, DefaultConfig(), nil)
	p.Tick(context.Background())

	var got store.VideoTask
	require.NoError(t, st.DB().First(&got, task.ID).Error)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, "https://cdn.example.com/v.mp4", got.VideoURL)
	require.Len(t, writer.success, 1)
}

func TestTickAppliesBackoffOnTransportError(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, nil)

	up := &fakeUpstream{errs: map[uint64]error{task.ID: context.DeadlineExceeded}}
	p := New(st, nil, up, billing.NewEngine(), &fakeWriter{}, nil, DefaultConfig(), nil)
	p.Tick(context.Background())

	var got store.VideoTask
	require.NoError(t, st.DB().First(&got, task.ID).Error)
	require.Equal(t, 1, got.RetryCount)
	require.True(t, got.NextPollAt.After(time.Now()))
}

func TestTickForcesTimeoutAtMaxPollCount(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, func(vt *store.VideoTask) {
		vt.PollCount = 59
		vt.MaxPollCount = 60
	})

	up := &fakeUpstream{results: map[uint64]PollResult{
		task.ID: {Status: "processing", ProgressPercent: 50},
	}}
	writer := &fakeWriter{}
	p := New(st, nil, up, billing.NewEngine(), writer, nil, DefaultConfig(), nil)
	p.Tick(context.Background())

	var got store.VideoTask
	require.NoError(t, st.DB().First(&got, task.ID).Error)
	require.Equal(t, "failed", got.Status)
	require.Equal(t, "poll_timeout", got.ErrorCode)
	require.Len(t, writer.failure, 1)
}

func TestIsPermanentPrefersStatusCodeOverMessage(t *testing.T) {
	require.True(t, isPermanent(400, ""))
	require.False(t, isPermanent(429, "whatever"))
	require.False(t, isPermanent(500, ""))
	require.True(t, isPermanent(0, "invalid request: bad model"))
	require.False(t, isPermanent(0, "connection reset"))
}

func TestSettleEvaluatesBillingRuleSnapshot(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, func(vt *store.VideoTask) {
		vt.BillingRuleSnapshot = store.JSONMap{
			"expression": "duration_seconds * 0.05",
			"dimension_mappings": map[string]any{
				"duration_seconds": map[string]any{"source": "dimension", "key": "duration_seconds"},
			},
		}
	})

	collectors := []dimensions.Collector{
		{DimensionName: "duration_seconds", APIFamily: "video", EndpointKind: "video", TaskType: "video", Source: dimensions.SourceMetadata, JSONPath: "duration", ValueType: dimensions.TypeFloat, Enabled: true},
	}
	up := &fakeUpstream{results: map[uint64]PollResult{
		task.ID: {Status: "completed", VideoURL: "https://cdn.example.com/v.mp4", RawResponse: map[string]any{"duration": 10.0}},
	}}
	writer := &fakeWriter{}
	p := New(st, nil, up, billing.NewEngine(), writer, collectors, DefaultConfig(), nil)
	p.Tick(context.Background())

	require.Len(t, writer.success, 1)
	require.InDelta(t, 0.5, writer.success[0].ActualCostUSD, 0.001)
}

func TestAcquireAndReleaseLockRoundTrip(t *testing.T) {
	rdb := newTestRedis(t)
	p := New(nil, rdb, nil, nil, nil, nil, DefaultConfig(), nil)

	val, ok := p.acquireLock(context.Background())
	require.True(t, ok)

	_, ok2 := p.acquireLock(context.Background())
	require.False(t, ok2)

	p.releaseLock(context.Background(), val)
	_, ok3 := p.acquireLock(context.Background())
	require.True(t, ok3)
}
