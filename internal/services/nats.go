package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/aigoflow/inference-router/internal/config"
	"github.com/aigoflow/inference-router/internal/executor"
	"github.com/aigoflow/inference-router/internal/models"
)

// WireRequest is the NATS payload for one inference request.
type WireRequest struct {
	ReqID     string             `json:"req_id"`
	TraceID   string             `json:"trace_id,omitempty"`
	Model     string             `json:"model"`
	Messages  []models.Message   `json:"messages"`
	BackendID string             `json:"backend_id,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
	Options   *models.GenOptions `json:"options,omitempty"`
	Caller    string             `json:"caller,omitempty"`
	ReplyTo   string             `json:"reply_to,omitempty"`
}

// WireFragment is one streamed content piece published to ReplyTo.
type WireFragment struct {
	ReqID        string `json:"req_id"`
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done,omitempty"`
}

// WireResponse is the terminal message for a request.
type WireResponse struct {
	ReqID      string `json:"req_id"`
	Text       string `json:"text,omitempty"`
	Status     string `json:"status"`
	BackendID  string `json:"backend_id,omitempty"`
	Attempts   int    `json:"attempts"`
	TokensIn   int    `json:"tokens_in"`
	TokensOut  int    `json:"tokens_out"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// NATSService consumes inference requests from a JetStream work queue and
// runs them through the executor. Each worker goroutine pulls one message
// at a time; request state never crosses workers.
type NATSService struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	exec *executor.Executor
	cfg  *config.Config

	pendingCount int64 // atomic
	activeCount  int64 // atomic
}

func NewNATSService(conn *nats.Conn, cfg *config.Config, exec *executor.Executor) (*NATSService, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSService{
		conn: conn,
		js:   js,
		exec: exec,
		cfg:  cfg,
	}, nil
}

func (s *NATSService) Start(ctx context.Context) error {
	if err := s.ensureStream(); err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}

	consumer, err := s.js.PullSubscribe(s.cfg.RequestSubject, "router-wq", nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to create pull consumer: %w", err)
	}

	slog.Info("NATS service starting",
		"subject", s.cfg.RequestSubject,
		"concurrency", s.cfg.Concurrency)

	for i := 0; i < s.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("router-%s", uuid.NewString()[:8])
		go s.worker(ctx, consumer, workerID)
	}

	<-ctx.Done()
	slog.Info("NATS service shutting down")
	return nil
}

func (s *NATSService) ensureStream() error {
	_, err := s.js.StreamInfo("ROUTING")
	if err != nil {
		if err == nats.ErrStreamNotFound {
			_, err = s.js.AddStream(&nats.StreamConfig{
				Name:      "ROUTING",
				Subjects:  []string{s.cfg.RequestSubject},
				MaxAge:    time.Minute,
				Storage:   nats.FileStorage,
				Retention: nats.WorkQueuePolicy,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
			slog.Info("Created NATS stream", "name", "ROUTING")
			return nil
		}
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	return nil
}

func (s *NATSService) worker(ctx context.Context, consumer *nats.Subscription, workerID string) {
	slog.Info("NATS worker starting", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("NATS worker shutting down", "worker_id", workerID)
			return
		default:
			msgs, err := consumer.Fetch(1, nats.MaxWait(time.Second))
			if err != nil {
				if err == nats.ErrTimeout {
					continue
				}
				slog.Error("Failed to fetch messages", "worker_id", workerID, "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, msg := range msgs {
				atomic.AddInt64(&s.pendingCount, 1)
				s.processMessage(ctx, msg, workerID)
				atomic.AddInt64(&s.pendingCount, -1)
			}
		}
	}
}

func (s *NATSService) processMessage(ctx context.Context, msg *nats.Msg, workerID string) {
	atomic.AddInt64(&s.activeCount, 1)
	defer atomic.AddInt64(&s.activeCount, -1)

	var wire WireRequest

	// A panic must not take the worker down; the request fails instead.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while processing request",
				"worker_id", workerID,
				"req_id", wire.ReqID,
				"panic", r)
			s.reply(wire.ReplyTo, &WireResponse{
				ReqID:  wire.ReqID,
				Status: "internal_error",
				Error:  fmt.Sprintf("internal error: %v", r),
			}, workerID)
			msg.Ack()
		}
	}()

	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		slog.Error("Failed to parse inference request",
			"worker_id", workerID,
			"error", err)
		// A payload that can never parse must not be redelivered.
		msg.Term()
		return
	}

	req := &models.InferenceRequest{
		ReqID:     wire.ReqID,
		TraceID:   wire.TraceID,
		Model:     wire.Model,
		Messages:  wire.Messages,
		BackendID: wire.BackendID,
		Stream:    wire.Stream,
		Options:   wire.Options,
		Caller:    wire.Caller,
	}
	if req.TraceID == "" {
		req.TraceID = req.ReqID
	}

	slog.Debug("Processing NATS inference request",
		"worker_id", workerID,
		"req_id", req.ReqID,
		"model", req.Model,
		"stream", req.Stream)

	var send func(models.Fragment) error
	if wire.Stream && wire.ReplyTo != "" {
		send = func(frag models.Fragment) error {
			data, err := json.Marshal(WireFragment{
				ReqID:        req.ReqID,
				Content:      frag.Content,
				FinishReason: frag.FinishReason,
				Done:         frag.Done,
			})
			if err != nil {
				return err
			}
			return s.conn.Publish(wire.ReplyTo, data)
		}
	}

	outcome, err := s.exec.Execute(ctx, req, send)
	if err != nil {
		// Validation failure: no dispatch happened.
		s.reply(wire.ReplyTo, &WireResponse{
			ReqID:  req.ReqID,
			Status: "invalid_request",
			Error:  err.Error(),
		}, workerID)
		msg.Ack()
		return
	}

	s.reply(wire.ReplyTo, &WireResponse{
		ReqID:      outcome.ReqID,
		Text:       outcome.Text,
		Status:     string(outcome.Status),
		BackendID:  outcome.BackendID,
		Attempts:   outcome.Attempts,
		TokensIn:   outcome.TokensIn,
		TokensOut:  outcome.TokensOut,
		DurationMs: outcome.Latency.Milliseconds(),
		Error:      outcome.Error,
	}, workerID)

	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("Failed to acknowledge message",
			"worker_id", workerID,
			"req_id", req.ReqID,
			"error", ackErr)
	}
}

func (s *NATSService) reply(replyTo string, resp *WireResponse, workerID string) {
	if replyTo == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal response",
			"worker_id", workerID,
			"req_id", resp.ReqID,
			"error", err)
		return
	}
	if err := s.conn.Publish(replyTo, data); err != nil {
		slog.Error("Failed to publish response",
			"worker_id", workerID,
			"req_id", resp.ReqID,
			"reply_subject", replyTo,
			"error", err)
	}
}

func (s *NATSService) GetConnection() *nats.Conn {
	return s.conn
}

// PendingCount returns messages fetched but not yet fully processed.
func (s *NATSService) PendingCount() int64 {
	return atomic.LoadInt64(&s.pendingCount)
}

// ActiveCount returns requests currently executing.
func (s *NATSService) ActiveCount() int64 {
	return atomic.LoadInt64(&s.activeCount)
}
