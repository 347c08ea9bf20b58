package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/inference-router/internal/config"
	"github.com/aigoflow/inference-router/internal/registry"
)

type HeartbeatService struct {
	nats   *nats.Conn
	config *config.Config
	reg    *registry.Registry
	svc    *NATSService
}

type BackendHeartbeat struct {
	BackendID string `json:"backend_id"`
	Type      string `json:"type"`
	Addr      string `json:"addr"`
	Status    string `json:"status"`
	Health    string `json:"health"`
	Inflight  int64  `json:"inflight"`
}

type Heartbeat struct {
	Timestamp time.Time          `json:"timestamp"`
	Backends  []BackendHeartbeat `json:"backends"`
	Pending   int64              `json:"pending"`
	Active    int64              `json:"active"`
}

func NewHeartbeatService(natsConn *nats.Conn, cfg *config.Config, reg *registry.Registry, svc *NATSService) *HeartbeatService {
	return &HeartbeatService{
		nats:   natsConn,
		config: cfg,
		reg:    reg,
		svc:    svc,
	}
}

func (h *HeartbeatService) Start(ctx context.Context) error {
	// Answer point-in-time status queries over request/reply.
	queryTopic := h.config.HeartbeatTopic + ".query"
	_, err := h.nats.Subscribe(queryTopic, func(msg *nats.Msg) {
		data, err := json.Marshal(h.snapshot())
		if err != nil {
			slog.Error("Failed to marshal heartbeat", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Error("Failed to respond to status query", "error", err)
		}
	})
	if err != nil {
		return err
	}

	slog.Info("Heartbeat service started", "topic", h.config.HeartbeatTopic)

	go h.publishHeartbeats(ctx)

	return nil
}

func (h *HeartbeatService) publishHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(h.snapshot())
			if err != nil {
				continue
			}
			if err := h.nats.Publish(h.config.HeartbeatTopic, data); err != nil {
				slog.Warn("Failed to publish heartbeat", "error", err)
			}
		}
	}
}

func (h *HeartbeatService) snapshot() Heartbeat {
	hb := Heartbeat{Timestamp: time.Now()}
	if h.svc != nil {
		hb.Pending = h.svc.PendingCount()
		hb.Active = h.svc.ActiveCount()
	}
	for _, e := range h.reg.Entries() {
		snap := e.Snapshot()
		hb.Backends = append(hb.Backends, BackendHeartbeat{
			BackendID: snap.ID,
			Type:      snap.Type,
			Addr:      e.Addr(),
			Status:    string(snap.Status),
			Health:    string(snap.Health),
			Inflight:  e.Inflight(),
		})
	}
	return hb
}
