package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func validRequest() *InferenceRequest {
	return &InferenceRequest{
		Model:    "llama3:8b",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}
}

func TestRequestValidate(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*InferenceRequest)
	}{
		{"missing model", func(r *InferenceRequest) { r.Model = "" }},
		{"no messages", func(r *InferenceRequest) { r.Messages = nil }},
		{"message without role", func(r *InferenceRequest) { r.Messages[0].Role = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRequest()
			tc.mutate(r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestGenOptionsValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	n := func(v int) *int { return &v }

	ok := []*GenOptions{
		nil,
		{},
		{Temperature: f(0)},
		{Temperature: f(2)},
		{MaxTokens: n(1)},
		{MaxTokens: n(131072)},
	}
	for _, o := range ok {
		if err := o.Validate(); err != nil {
			t.Errorf("options %+v should be valid: %v", o, err)
		}
	}

	bad := []*GenOptions{
		{Temperature: f(-0.1)},
		{Temperature: f(2.1)},
		{MaxTokens: n(0)},
		{MaxTokens: n(131073)},
	}
	for _, o := range bad {
		if err := o.Validate(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("options %+v should be rejected, got %v", o, err)
		}
	}
}

func TestGenOptionsRejectUnknownKeys(t *testing.T) {
	var o GenOptions
	if err := json.Unmarshal([]byte(`{"temperature":0.5,"top_p":0.9}`), &o); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown option key should be rejected, got %v", err)
	}
	if err := json.Unmarshal([]byte(`{"temperature":0.5,"max_tokens":64}`), &o); err != nil {
		t.Errorf("recognized keys should decode: %v", err)
	}
	if o.Temperature == nil || *o.Temperature != 0.5 || o.MaxTokens == nil || *o.MaxTokens != 64 {
		t.Errorf("decoded options wrong: %+v", o)
	}
}

func TestDispatchable(t *testing.T) {
	if !HealthHealthy.Dispatchable() {
		t.Error("healthy must be dispatchable")
	}
	if !HealthUnknown.Dispatchable() {
		t.Error("unprobed backends must stay dispatchable")
	}
	if HealthUnhealthy.Dispatchable() {
		t.Error("unhealthy must not be dispatchable")
	}
}
