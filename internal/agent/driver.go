package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Driver is an OpenAI-compatible chat-completions runner. A fresh instance
// is built per request so a resolved per-bot key flows only through the
// constructor, never through process state.
type Driver struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewDriver creates a driver bound to one endpoint and key.
func NewDriver(log *slog.Logger, baseURL, apiKey string) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		logger:  log.With(slog.String("component", "agent")),
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Run executes one chat completion. Tool execution happens inside the
// upstream agent service; here each completion is a single step.
func (d *Driver) Run(ctx context.Context, req RunRequest) (Result, error) {
	messages := []chatMessage{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userContent(req)})

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read completion: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode completion: %w", err)
	}
	if parsed.Error != nil {
		return Result{}, fmt.Errorf("completion failed: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("completion failed: status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("completion returned no choices")
	}
	output := parsed.Choices[0].Message.Content
	return Result{
		OutputText: output,
		Steps:      []Step{{Text: output}},
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// userContent renders the user turn: plain string without images, content
// parts with them.
func userContent(req RunRequest) any {
	if len(req.Images) == 0 {
		return req.UserText
	}
	parts := []contentPart{{Type: "text", Text: req.UserText}}
	for _, uri := range req.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: uri}})
	}
	return parts
}
