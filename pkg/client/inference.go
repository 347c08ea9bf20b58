package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// FragmentFunc receives streamed content pieces as the backend produces them.
type FragmentFunc func(Fragment)

// RouterClient submits inference requests to the router over NATS.
type RouterClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onFragment FragmentFunc) (*ChatResponse, error)
	Status(ctx context.Context) (*RouterStatus, error)
	Close() error
}

// NATSRouterClient implements RouterClient using core NATS request/reply
// against the router's JetStream work queue.
type NATSRouterClient struct {
	conn           *nats.Conn
	clientID       string
	requestSubject string
	statusSubject  string
	timeout        time.Duration
}

// NewNATSClient connects to NATS and returns a router client. requestSubject
// must match the router's configured request subject.
func NewNATSClient(natsURL, clientID, requestSubject string) (RouterClient, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if clientID == "" {
		clientID = "router-client"
	}

	return &NATSRouterClient{
		conn:           conn,
		clientID:       clientID,
		requestSubject: requestSubject,
		statusSubject:  "routing.heartbeat.query",
		timeout:        60 * time.Second,
	}, nil
}

// Chat submits a non-streaming request and waits for the terminal response.
func (c *NATSRouterClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return c.send(ctx, req, nil)
}

// ChatStream submits a streaming request, delivering fragments to onFragment
// until the terminal response arrives.
func (c *NATSRouterClient) ChatStream(ctx context.Context, req ChatRequest, onFragment FragmentFunc) (*ChatResponse, error) {
	req.Stream = true
	return c.send(ctx, req, onFragment)
}

func (c *NATSRouterClient) send(ctx context.Context, req ChatRequest, onFragment FragmentFunc) (*ChatResponse, error) {
	if req.ReqID == "" {
		req.ReqID = ulid.Make().String()
	}
	if req.Caller == "" {
		req.Caller = c.clientID
	}
	req.ReplyTo = fmt.Sprintf("routing.reply.%s.%s", c.clientID, req.ReqID)

	slog.Debug("Sending routed request",
		"subject", c.requestSubject,
		"req_id", req.ReqID,
		"model", req.Model,
		"stream", req.Stream)

	requestBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Subscribe to the reply subject before publishing so no message
	// can be lost between publish and subscribe.
	replyChan := make(chan *nats.Msg, 64)
	sub, err := c.conn.Subscribe(req.ReplyTo, func(msg *nats.Msg) {
		replyChan <- msg
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.conn.Publish(c.requestSubject, requestBytes); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	deadline := time.After(c.timeout)
	for {
		select {
		case msg := <-replyChan:
			// A terminal response always carries a status; fragments never do.
			var response ChatResponse
			if err := json.Unmarshal(msg.Data, &response); err != nil {
				return nil, fmt.Errorf("failed to parse reply: %w", err)
			}
			if response.Status != "" {
				return &response, nil
			}

			if onFragment != nil {
				var frag Fragment
				if err := json.Unmarshal(msg.Data, &frag); err != nil {
					return nil, fmt.Errorf("failed to parse fragment: %w", err)
				}
				onFragment(frag)
			}

		case <-deadline:
			return nil, fmt.Errorf("request timeout after %v", c.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Status queries the router's fleet summary over request/reply.
func (c *NATSRouterClient) Status(ctx context.Context) (*RouterStatus, error) {
	msg, err := c.conn.RequestWithContext(ctx, c.statusSubject, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query router status: %w", err)
	}

	var status RouterStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse router status: %w", err)
	}
	return &status, nil
}

// Close closes the NATS connection.
func (c *NATSRouterClient) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// SetTimeout configures the per-request timeout.
func (c *NATSRouterClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
