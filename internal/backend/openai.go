package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aigoflow/inference-router/internal/models"
)

// OpenAIClient speaks the OpenAI-compatible API served by vLLM and similar
// runtimes: SSE streaming on /v1/chat/completions, listing on /v1/models.
type OpenAIClient struct {
	baseURL string
	http    *http.Client
}

func NewOpenAIClient(baseURL string, httpClient *http.Client) *OpenAIClient {
	return &OpenAIClient{baseURL: baseURL, http: httpClient}
}

type openAIChatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *OpenAIClient) Probe(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

func (c *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
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

	var list openAIModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: decoding /v1/models: %v", models.ErrTransient, err)
	}
	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// Chat streams /v1/chat/completions as server-sent events, forwarding each
// delta to send until the [DONE] marker.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest, send SendFunc) (ChatResult, error) {
	body := openAIChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
	}
	if req.Options != nil {
		body.Temperature = req.Options.Temperature
		body.MaxTokens = req.Options.MaxTokens
	}

	data, err := json.Marshal(body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

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

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			result.Text = full.String()
			if result.FinishReason == "" {
				result.FinishReason = "stop"
			}
			if err := send(models.Fragment{Done: true, FinishReason: result.FinishReason}); err != nil {
				return result, err
			}
			return result, nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = models.Usage{TokensIn: chunk.Usage.PromptTokens, TokensOut: chunk.Usage.CompletionTokens}
		}
		for _, choice := range chunk.Choices {
			frag := models.Fragment{Content: choice.Delta.Content}
			if choice.FinishReason != nil {
				frag.FinishReason = *choice.FinishReason
				result.FinishReason = *choice.FinishReason
			}
			if frag.Content == "" && frag.FinishReason == "" {
				continue
			}
			full.WriteString(frag.Content)
			if err := send(frag); err != nil {
				return result, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("%w: reading stream: %v", models.ErrTransient, err)
	}

	result.Text = full.String()
	return result, fmt.Errorf("%w: stream ended without [DONE]", models.ErrTransient)
}
