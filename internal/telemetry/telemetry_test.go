package telemetry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

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

func TestDirectWriterUpsertsByRequestID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := NewDirectWriter(st)

	require.NoError(t, w.RecordStreaming(ctx, store.Usage{RequestID: "r1", FirstByteTimeMs: ptr(int64(12))}))
	require.NoError(t, w.RecordSuccess(ctx, store.Usage{RequestID: "r1", InputTokens: 5, OutputTokens: 7}))

	got, err := st.GetUsageByRequestID(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, int64(5), got.InputTokens)
}

func TestQueueWriterAndConsumerAppliesTerminalEvent(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)
	ctx := context.Background()

	cfg := DefaultConsumerConfig()
	qw := NewQueueWriter(rdb, cfg.Stream)
	require.NoError(t, qw.RecordSuccess(ctx, store.Usage{RequestID: "req-42", InputTokens: 3}))

	c := NewConsumer(rdb, st, cfg, nil)
	require.NoError(t, c.EnsureGroup(ctx))

	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := st.GetUsageByRequestID(ctx, "req-42")
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, int64(3), got.InputTokens)
}

func TestQueueWriterDuplicateRequestIDIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)
	ctx := context.Background()

	cfg := DefaultConsumerConfig()
	qw := NewQueueWriter(rdb, cfg.Stream)
	require.NoError(t, qw.RecordSuccess(ctx, store.Usage{RequestID: "dup", InputTokens: 1}))
	require.NoError(t, qw.RecordSuccess(ctx, store.Usage{RequestID: "dup", InputTokens: 1}))

	c := NewConsumer(rdb, st, cfg, nil)
	require.NoError(t, c.EnsureGroup(ctx))
	_, err := c.RunOnce(ctx)
	require.NoError(t, err)

	var count int64
	require.NoError(t, st.DB().Model(&store.Usage{}).Where("request_id = ?", "dup").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)
	ctx := context.Background()

	c := NewConsumer(rdb, st, DefaultConsumerConfig(), nil)
	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, c.EnsureGroup(ctx))
}

func TestCompressionRoundTrip(t *testing.T) {
	body := `{"hello":"world","n":1}`
	compressed, err := gzipString(body)
	require.NoError(t, err)
	out, err := Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, body, out)
}

func ptr[T any](v T) *T { return &v }
