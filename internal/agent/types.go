// Package agent defines the contract between the message pipeline and the
// agent loop, plus the default OpenAI-compatible driver. The loop itself is
// an external collaborator; the pipeline only sees Run's inputs and outputs.
package agent

import (
	"context"
	"time"
)

// ToolCall is one tool invocation recorded in an agent step.
type ToolCall struct {
	Name      string    `json:"name"`
	Arguments string    `json:"arguments,omitempty"`
	Result    string    `json:"result,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Step is one iteration of the agent loop.
type Step struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage aggregates token accounting for one run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is what a run produces.
type Result struct {
	OutputText string `json:"output_text"`
	Steps      []Step `json:"steps,omitempty"`
	Usage      Usage  `json:"usage"`
}

// RunRequest carries one agent invocation. Images are data URIs for
// vision-capable models. SkillConfigs is the resolved per-skill config the
// agent passes to its tools.
type RunRequest struct {
	SystemPrompt  string
	UserText      string
	Images        []string
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	SkillConfigs  map[string]map[string]any
}

// Runner executes one agent run.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (Result, error)
}

// Transcriber converts audio to text for voice attachments.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}
