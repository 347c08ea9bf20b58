package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aigoflow/inference-router/internal/models"
)

// OllamaClient speaks Ollama's native chat API: newline-delimited JSON
// streaming on /api/chat, model listing on /api/tags.
type OllamaClient struct {
	baseURL string
	http    *http.Client
}

func NewOllamaClient(baseURL string, httpClient *http.Client) *OllamaClient {
	return &OllamaClient{baseURL: baseURL, http: httpClient}
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  map[string]any   `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Probe checks liveness via /api/tags, same endpoint the original stack
// health-checks.
func (c *OllamaClient) Probe(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decoding /api/tags: %v", models.ErrTransient, err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Chat streams /api/chat, forwarding each content chunk to send. Ollama
// always gets stream:true; non-streaming callers assemble from fragments.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest, send SendFunc) (ChatResult, error) {
	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
	}
	if req.Options != nil {
		opts := make(map[string]any)
		if req.Options.Temperature != nil {
			opts["temperature"] = *req.Options.Temperature
		}
		if req.Options.MaxTokens != nil {
			opts["num_predict"] = *req.Options.MaxTokens
		}
		if len(opts) > 0 {
			body.Options = opts
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ChatResult{}, ctx.Err()
		}
		return ChatResult{}, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return ChatResult{}, classifyStatus(resp.StatusCode, string(respBody))
	}

	var result ChatResult
	var full bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		var chunk ollamaChatChunk
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return result, fmt.Errorf("%w: %s", models.ErrUpstream, chunk.Error)
		}

		frag := models.Fragment{Content: chunk.Message.Content, Done: chunk.Done}
		if chunk.Done {
			frag.FinishReason = chunk.DoneReason
			if frag.FinishReason == "" {
				frag.FinishReason = "stop"
			}
		}
		full.WriteString(chunk.Message.Content)
		if err := send(frag); err != nil {
			return result, err
		}

		if chunk.Done {
			result.Text = full.String()
			result.FinishReason = frag.FinishReason
			result.Usage = models.Usage{TokensIn: chunk.PromptEvalCount, TokensOut: chunk.EvalCount}
			return result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("%w: reading stream: %v", models.ErrTransient, err)
	}

	// Stream ended without a done marker.
	result.Text = full.String()
	result.FinishReason = "stop"
	return result, fmt.Errorf("%w: stream ended without completion marker", models.ErrTransient)
}
