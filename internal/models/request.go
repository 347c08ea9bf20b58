package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one role/content pair in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenOptions enumerates the recognized generation options. Unknown options
// are rejected at the transport boundary rather than passed through.
type GenOptions struct {
	Temperature *float64 `json:"temperature,omitempty"` // [0, 2]
	MaxTokens   *int     `json:"max_tokens,omitempty"`  // [1, 131072]
}

// UnmarshalJSON rejects unrecognized option keys instead of dropping them.
func (o *GenOptions) UnmarshalJSON(data []byte) error {
	type plain GenOptions
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	*o = GenOptions(p)
	return nil
}

// Validate checks option ranges.
func (o *GenOptions) Validate() error {
	if o == nil {
		return nil
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return fmt.Errorf("%w: temperature %v out of range [0,2]", ErrInvalidRequest, *o.Temperature)
	}
	if o.MaxTokens != nil && (*o.MaxTokens < 1 || *o.MaxTokens > 131072) {
		return fmt.Errorf("%w: max_tokens %d out of range [1,131072]", ErrInvalidRequest, *o.MaxTokens)
	}
	return nil
}

// InferenceRequest is the per-call unit of work. It is owned exclusively by
// the executor invocation that created it and never shared across requests.
type InferenceRequest struct {
	ReqID     string      `json:"req_id"`
	TraceID   string      `json:"trace_id,omitempty"`
	Model     string      `json:"model"`
	Messages  []Message   `json:"messages"`
	BackendID string      `json:"backend_id,omitempty"` // explicit target, optional
	Stream    bool        `json:"stream,omitempty"`
	Options   *GenOptions `json:"options,omitempty"`
	Caller    string      `json:"caller,omitempty"` // opaque authenticated identity, supplied upstream
}

// Validate checks the request is dispatchable.
func (r *InferenceRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages is required", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("%w: message %d has no role", ErrInvalidRequest, i)
		}
	}
	return r.Options.Validate()
}

// Fragment is one incremental piece of a streamed response.
type Fragment struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done,omitempty"`
}

// Usage carries token counts when the backend reports them.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// RequestMeta is the slice of request context handed to the metrics sink.
type RequestMeta struct {
	ReqID   string    `json:"req_id"`
	TraceID string    `json:"trace_id,omitempty"`
	Model   string    `json:"model"`
	Caller  string    `json:"caller,omitempty"`
	Stream  bool      `json:"stream"`
	Start   time.Time `json:"start"`
}
