package bots

import (
	"time"
)

// Bot represents a bot entity.
type Bot struct {
	ID           string            `json:"id"`
	OwnerUserID  string            `json:"owner_user_id"`
	Name         string            `json:"name"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Capabilities map[string]bool   `json:"capabilities"`
	Models       map[string]string `json:"models"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// CreateBotRequest is the input for creating a bot.
type CreateBotRequest struct {
	Name         string            `json:"name"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Models       map[string]string `json:"models,omitempty"`
}

// UpdateBotRequest is the input for updating a bot. Nil fields are untouched.
type UpdateBotRequest struct {
	Name         *string           `json:"name,omitempty"`
	Model        *string           `json:"model,omitempty"`
	SystemPrompt *string           `json:"system_prompt,omitempty"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Models       map[string]string `json:"models,omitempty"`
}

// ListBotsResponse wraps a list of bots.
type ListBotsResponse struct {
	Items []Bot `json:"items"`
}

// Capability names stored in the capabilities map.
const (
	CapabilityVision   = "vision"
	CapabilityContacts = "contacts"
	CapabilityNotes    = "notes"
	CapabilityRAG      = "rag"
)

// Model slot names stored in the models map.
const (
	ModelSlotUtility = "utility"
	ModelSlotVision  = "vision"
	ModelSlotSTT     = "stt"
)
