package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/inference-router/internal/executor"
	"github.com/aigoflow/inference-router/internal/models"
)

// ChatHandler exposes an OpenAI-compatible chat completion endpoint
// backed by the dispatch executor.
type ChatHandler struct {
	exec *executor.Executor
}

func NewChatHandler(exec *executor.Executor) *ChatHandler {
	return &ChatHandler{exec: exec}
}

func (h *ChatHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/v1/chat/completions", h.handleChatCompletions)
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	BackendID   string           `json:"backend_id,omitempty"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      models.Message `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason,omitempty"`
}

type chatStreamResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

func (h *ChatHandler) handleChatCompletions(c *gin.Context) {
	var httpReq chatCompletionRequest
	if err := c.ShouldBindJSON(&httpReq); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", "invalid_request_error")
		return
	}

	req := &models.InferenceRequest{
		ReqID:     ulid.Make().String(),
		TraceID:   c.GetHeader("X-Trace-ID"),
		Model:     httpReq.Model,
		Messages:  httpReq.Messages,
		BackendID: httpReq.BackendID,
		Stream:    httpReq.Stream,
		Caller:    "http",
	}
	if httpReq.Temperature != nil || httpReq.MaxTokens != nil {
		req.Options = &models.GenOptions{
			Temperature: httpReq.Temperature,
			MaxTokens:   httpReq.MaxTokens,
		}
	}
	if err := req.Validate(); err != nil {
		sendError(c, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	if httpReq.Stream {
		h.handleStream(c, req)
		return
	}
	h.handleNonStream(c, req)
}

func (h *ChatHandler) handleStream(c *gin.Context, req *models.InferenceRequest) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + req.ReqID
	created := time.Now().Unix()

	send := func(frag models.Fragment) error {
		choice := streamChoice{Delta: chatDelta{Content: frag.Content}}
		if frag.FinishReason != "" {
			reason := frag.FinishReason
			choice.FinishReason = &reason
		}
		chunk := chatStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []streamChoice{choice},
		}
		return writeSSE(c, chunk)
	}

	outcome, err := h.exec.Execute(c.Request.Context(), req, send)
	if err != nil {
		// Validation failed before any fragment was written.
		_ = writeSSEError(c, err.Error(), "invalid_request_error")
		return
	}
	if outcome.Failed() {
		_ = writeSSEError(c, outcome.Error, errorType(outcome.Status))
		return
	}

	_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
	c.Writer.Flush()
}

func (h *ChatHandler) handleNonStream(c *gin.Context, req *models.InferenceRequest) {
	outcome, err := h.exec.Execute(c.Request.Context(), req, nil)
	if err != nil {
		sendError(c, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	if outcome.Failed() {
		sendError(c, statusCode(outcome.Status), outcome.Error, errorType(outcome.Status))
		return
	}

	c.JSON(http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + outcome.ReqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      models.Message{Role: "assistant", Content: outcome.Text},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     outcome.TokensIn,
			CompletionTokens: outcome.TokensOut,
			TotalTokens:      outcome.TokensIn + outcome.TokensOut,
		},
	})
}

func statusCode(status models.OutcomeStatus) int {
	switch status {
	case models.OutcomeBackendUnavailable:
		return http.StatusServiceUnavailable
	case models.OutcomeTimeout:
		return http.StatusGatewayTimeout
	case models.OutcomeUpstreamError:
		return http.StatusBadGateway
	case models.OutcomeCanceled:
		// Client is gone; the code is never seen but gin wants one.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status models.OutcomeStatus) string {
	switch status {
	case models.OutcomeTimeout:
		return "timeout_error"
	case models.OutcomeUpstreamError:
		return "upstream_error"
	default:
		return "server_error"
	}
}

func sendError(c *gin.Context, code int, message, errType string) {
	c.JSON(code, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	})
}

func writeSSE(c *gin.Context, data any) error {
	if err := c.Request.Context().Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write SSE chunk: %w", err)
	}
	c.Writer.Flush()
	return nil
}

func writeSSEError(c *gin.Context, message, errType string) error {
	return writeSSE(c, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	})
}
