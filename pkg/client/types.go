package client

import "time"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a routed inference request.
type ChatRequest struct {
	ReqID     string    `json:"req_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	BackendID string    `json:"backend_id,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
	Options   *Options  `json:"options,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
}

// Options carries generation parameters forwarded to the backend.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// ChatResponse is the terminal reply for a routed request.
type ChatResponse struct {
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

// Fragment is one streamed content piece.
type Fragment struct {
	ReqID        string `json:"req_id"`
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done,omitempty"`
}

// BackendStatus describes one backend in a router status snapshot.
type BackendStatus struct {
	BackendID string `json:"backend_id"`
	Type      string `json:"type"`
	Addr      string `json:"addr"`
	Status    string `json:"status"`
	Health    string `json:"health"`
	Inflight  int64  `json:"inflight"`
}

// RouterStatus is the router's point-in-time fleet summary.
type RouterStatus struct {
	Timestamp time.Time       `json:"timestamp"`
	Backends  []BackendStatus `json:"backends"`
	Pending   int64           `json:"pending"`
	Active    int64           `json:"active"`
}
