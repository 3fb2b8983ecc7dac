package proxynode

import (
	"context"
	"testing"
	"time"

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

func TestRegisterTunnelModeUpsertsByName(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, NewTunnelManager(), nil)
	ctx := context.Background()

	n1, err := r.Register(ctx, RegisterRequest{Name: "worker-1", Region: "us-east", HeartbeatIntervalSec: 30})
	require.NoError(t, err)
	require.Equal(t, "unhealthy", n1.Status)

	n2, err := r.Register(ctx, RegisterRequest{Name: "worker-1", Region: "eu-west", HeartbeatIntervalSec: 15})
	require.NoError(t, err)
	require.Equal(t, n1.ID, n2.ID)

	var count int64
	require.NoError(t, st.DB().Model(&store.ProxyNode{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestManualNodeIsAlwaysOnline(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, NewTunnelManager(), nil)

	n, err := r.Register(context.Background(), RegisterRequest{
		Name: "manual-1", Manual: true, ManualURL: "http://proxy.local:8080",
	})
	require.NoError(t, err)
	require.Equal(t, "online", n.Status)
}

func TestHeartbeatPromotesUnhealthyToOnline(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, NewTunnelManager(), nil)
	ctx := context.Background()

	n, err := r.Register(ctx, RegisterRequest{Name: "w", HeartbeatIntervalSec: 30})
	require.NoError(t, err)

	_, _, err = r.Heartbeat(ctx, n.ID, HeartbeatMetrics{ActiveConnections: 3})
	require.NoError(t, err)

	var got store.ProxyNode
	require.NoError(t, st.DB().First(&got, n.ID).Error)
	require.Equal(t, "online", got.Status)
	require.Equal(t, 3, got.ActiveConnections)
}

func TestHealthSweepMarksStaleNodeOffline(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, NewTunnelManager(), nil)
	ctx := context.Background()

	n, err := r.Register(ctx, RegisterRequest{Name: "w", HeartbeatIntervalSec: 10})
	require.NoError(t, err)
	stale := time.Now().Add(-1 * time.Hour)
	require.NoError(t, st.DB().Model(&store.ProxyNode{}).Where("id = ?", n.ID).
		Updates(map[string]any{"status": "online", "last_heartbeat_at": stale}).Error)

	changed, err := r.HealthSweep(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	var got store.ProxyNode
	require.NoError(t, st.DB().First(&got, n.ID).Error)
	require.Equal(t, "offline", got.Status)
}

func TestStalenessThresholdHasNinetySecondFloor(t *testing.T) {
	require.Equal(t, 90*time.Second, stalenessThreshold(10))
	require.Equal(t, 300*time.Second, stalenessThreshold(100))
}

func TestDeleteCascadesProxyBindings(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, NewTunnelManager(), nil)
	ctx := context.Background()

	n, err := r.Register(ctx, RegisterRequest{Name: "w"})
	require.NoError(t, err)

	prov := store.Provider{Name: "p1", ProxyNodeID: &n.ID}
	require.NoError(t, st.DB().Create(&prov).Error)

	require.NoError(t, r.Delete(ctx, n.ID))

	var got store.Provider
	require.NoError(t, st.DB().First(&got, prov.ID).Error)
	require.Nil(t, got.ProxyNodeID)

	var count int64
	require.NoError(t, st.DB().Model(&store.ProxyNode{}).Where("id = ?", n.ID).Count(&count).Error)
	require.Equal(t, int64(0), count)
}
