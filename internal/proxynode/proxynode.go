// Package proxynode implements the optional remote proxy worker registry of
// spec §4.K: nodes register, heartbeat, receive config pushes, and log
// connect/disconnect/error events; a periodic sweep decides online/offline
// status from heartbeat staleness alone, since the in-process tunnel
// manager's view is only authoritative for nodes terminating in this
// worker.
//
// The tunnel itself uses github.com/gorilla/websocket (already an indirect
// teacher dependency, promoted to direct here) for the persistent reverse
// connection described in spec §6 ("reachable via a tunnel ... not via
// direct outbound HTTP").
package proxynode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// TunnelManager tracks the live websocket connections terminating in this
// process. It is explicitly process-scoped per the §9 redesign note against
// global mutable singletons.
type TunnelManager struct {
	mu    sync.RWMutex
	conns map[uint64]*websocket.Conn
}

func NewTunnelManager() *TunnelManager {
	return &TunnelManager{conns: make(map[uint64]*websocket.Conn)}
}

func (t *TunnelManager) Attach(nodeID uint64, conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[nodeID] = conn
}

func (t *TunnelManager) Detach(nodeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, nodeID)
}

// HasTunnel reports whether this worker currently terminates nodeID's
// tunnel. Not authoritative across a multi-worker deployment — see §4.K.
func (t *TunnelManager) HasTunnel(nodeID uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[nodeID]
	return ok
}

// Dispatch forwards a request frame to nodeID's tunnel and waits for the
// reply frame. Returns an error if no local tunnel exists for the node.
func (t *TunnelManager) Dispatch(ctx context.Context, nodeID uint64, req []byte) ([]byte, error) {
	t.mu.RLock()
	conn := t.conns[nodeID]
	t.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("proxynode: no local tunnel for node %d", nodeID)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, req); err != nil {
		return nil, fmt.Errorf("proxynode: write: %w", err)
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("proxynode: read: %w", err)
	}
	return reply, nil
}

// RegisterRequest is the identity+capability a node POSTs at registration.
type RegisterRequest struct {
	Name                   string
	IP                     string
	Port                   int // 0 for tunnel mode
	Region                 string
	DeclaredMaxConcurrency int
	HeartbeatIntervalSec   int
	Manual                 bool
	ManualURL              string
	ManualUsername         string
	ManualPasswordEnc      []byte
}

// HeartbeatMetrics is the periodic metrics payload of §4.K.
type HeartbeatMetrics struct {
	ActiveConnections int
	TotalRequests     int64
	AvgLatencyMs      float64
}

// Registry owns the ProxyNode lifecycle: register, heartbeat, config push,
// event logging, health sweeping, and cascading deletion.
type Registry struct {
	st      *store.Store
	tunnels *TunnelManager
	log     *slog.Logger
}

func NewRegistry(st *store.Store, tunnels *TunnelManager, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{st: st, tunnels: tunnels, log: log}
}

// Register upserts a node: by name when tunnel-mode (Port == 0 and not
// manual), by IP+port otherwise. Manual nodes are always online; others
// start unhealthy until the tunnel actually opens and the first heartbeat
// lands.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.ProxyNode, error) {
	db := r.st.DB().WithContext(ctx)

	var existing store.ProxyNode
	var err error
	if req.Manual || req.Port != 0 {
		err = db.Where("ip = ? AND port = ?", req.IP, req.Port).First(&existing).Error
	} else {
		err = db.Where("name = ?", req.Name).First(&existing).Error
	}

	status := "unhealthy"
	if req.Manual {
		status = "online"
	}

	node := store.ProxyNode{
		Name:                   req.Name,
		IP:                     req.IP,
		Port:                   req.Port,
		Region:                 req.Region,
		TunnelMode:             !req.Manual && req.Port == 0,
		Manual:                 req.Manual,
		ManualURL:              req.ManualURL,
		ManualUsername:         req.ManualUsername,
		ManualPasswordEnc:      req.ManualPasswordEnc,
		DeclaredMaxConcurrency: req.DeclaredMaxConcurrency,
		HeartbeatIntervalSec:   req.HeartbeatIntervalSec,
		Status:                 status,
	}
	if node.HeartbeatIntervalSec <= 0 {
		node.HeartbeatIntervalSec = 30
	}

	if err == nil {
		node.ID = existing.ID
		if err := db.Model(&store.ProxyNode{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"region":                    node.Region,
			"declared_max_concurrency":  node.DeclaredMaxConcurrency,
			"heartbeat_interval_sec":    node.HeartbeatIntervalSec,
			"manual_url":                node.ManualURL,
			"manual_username":           node.ManualUsername,
			"manual_password_enc":       node.ManualPasswordEnc,
		}).Error; err != nil {
			return nil, fmt.Errorf("proxynode: update on register: %w", err)
		}
		node.CreatedAt = existing.CreatedAt
	} else if isNotFound(err) {
		if err := db.Create(&node).Error; err != nil {
			return nil, fmt.Errorf("proxynode: create: %w", err)
		}
	} else {
		return nil, fmt.Errorf("proxynode: lookup: %w", err)
	}

	if err := r.AppendEvent(ctx, node.ID, "register", ""); err != nil {
		r.log.Warn("proxynode: failed to log register event", slog.String("error", err.Error()))
	}
	return &node, nil
}

// Heartbeat records metrics, promotes unhealthy→online, and returns the
// node's current remote config + version so the caller can apply any
// pending push (§4.K: "take effect on the next heartbeat").
func (r *Registry) Heartbeat(ctx context.Context, nodeID uint64, m HeartbeatMetrics) (store.JSONMap, int, error) {
	now := time.Now()
	db := r.st.DB().WithContext(ctx)

	var node store.ProxyNode
	if err := db.First(&node, nodeID).Error; err != nil {
		return nil, 0, fmt.Errorf("proxynode: heartbeat lookup: %w", err)
	}

	updates := map[string]any{
		"last_heartbeat_at":  now,
		"active_connections": m.ActiveConnections,
		"total_requests":     m.TotalRequests,
		"avg_latency_ms":     m.AvgLatencyMs,
	}
	if !node.Manual && node.Status == "unhealthy" {
		updates["status"] = "online"
	}
	if err := db.Model(&store.ProxyNode{}).Where("id = ?", nodeID).Updates(updates).Error; err != nil {
		return nil, 0, fmt.Errorf("proxynode: heartbeat update: %w", err)
	}
	return node.RemoteConfig, node.ConfigVersion, nil
}

// PushConfig applies an admin-supplied remote config update, bumping
// config_version so the node can detect the change on its next heartbeat.
func (r *Registry) PushConfig(ctx context.Context, nodeID uint64, cfg store.JSONMap) error {
	return r.st.DB().WithContext(ctx).Model(&store.ProxyNode{}).Where("id = ?", nodeID).
		Updates(map[string]any{"remote_config": cfg, "config_version": gorm.Expr("config_version + 1")}).Error
}

// AppendEvent records one connect/disconnect/error event for nodeID.
func (r *Registry) AppendEvent(ctx context.Context, nodeID uint64, eventType, detail string) error {
	return r.st.DB().WithContext(ctx).Create(&store.ProxyNodeEvent{
		ProxyNodeID: nodeID,
		EventType:   eventType,
		Detail:      detail,
	}).Error
}

// TrimEvents deletes events older than the retention window.
func (r *Registry) TrimEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.st.DB().WithContext(ctx).Where("created_at < ?", cutoff).Delete(&store.ProxyNodeEvent{})
	return res.RowsAffected, res.Error
}

// HealthSweep marks non-manual nodes offline purely on heartbeat
// staleness, per §4.K's cross-worker caveat — this worker's tunnel-manager
// view is informational only, never used to declare a node offline.
func (r *Registry) HealthSweep(ctx context.Context, now time.Time) (int, error) {
	var nodes []store.ProxyNode
	if err := r.st.DB().WithContext(ctx).Where("manual = false").Find(&nodes).Error; err != nil {
		return 0, fmt.Errorf("proxynode: sweep query: %w", err)
	}

	changed := 0
	for _, n := range nodes {
		staleness := stalenessThreshold(n.HeartbeatIntervalSec)
		isStale := n.LastHeartbeatAt == nil || now.Sub(*n.LastHeartbeatAt) > staleness
		if isStale && n.Status != "offline" {
			if err := r.st.DB().WithContext(ctx).Model(&store.ProxyNode{}).Where("id = ?", n.ID).
				Update("status", "offline").Error; err != nil {
				return changed, err
			}
			_ = r.AppendEvent(ctx, n.ID, "disconnect", "heartbeat stale")
			changed++
		}
	}
	return changed, nil
}

// stalenessThreshold is max(90s, heartbeat_interval*3), grounded on the
// health-scheduler formula from the system's original proxy-node service.
func stalenessThreshold(heartbeatIntervalSec int) time.Duration {
	min := 90 * time.Second
	computed := time.Duration(heartbeatIntervalSec) * 3 * time.Second
	if computed > min {
		return computed
	}
	return min
}

// Delete removes a node and cascades: clears the system-default-proxy
// config key if it pointed at this node, and nulls the proxy binding on
// any provider/endpoint that referenced it.
func (r *Registry) Delete(ctx context.Context, nodeID uint64) error {
	return r.st.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&store.Provider{}).Where("proxy_node_id = ?", nodeID).
			Update("proxy_node_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&store.ProviderEndpoint{}).Where("proxy_node_id = ?", nodeID).
			Update("proxy_node_id", nil).Error; err != nil {
			return err
		}
		var cfg store.SystemConfig
		if err := tx.Where("key = ?", "default_proxy_node_id").First(&cfg).Error; err == nil {
			if cfg.Value == fmt.Sprintf("%d", nodeID) {
				if err := tx.Delete(&cfg).Error; err != nil {
					return err
				}
			}
		}
		if err := tx.Where("proxy_node_id = ?", nodeID).Delete(&store.ProxyNodeEvent{}).Error; err != nil {
			return err
		}
		return tx.Delete(&store.ProxyNode{}, nodeID).Error
	})
}

func isNotFound(err error) bool { return err == gorm.ErrRecordNotFound }
