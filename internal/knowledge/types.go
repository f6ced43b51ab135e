// Package knowledge assembles the per-message context prelude: skills,
// instructions, notes, contacts, retrieved chunks, and recent history.
package knowledge

import "time"

// Note is a free-form knowledge entry attached to a bot.
type Note struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is one person the bot knows about.
type Contact struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Name      string    `json:"name"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertNoteRequest is the input for creating or updating a note.
type UpsertNoteRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// UpsertContactRequest is the input for creating or updating a contact.
type UpsertContactRequest struct {
	Name    string `json:"name"`
	Details string `json:"details"`
}

// Chunk is one retrieved knowledge fragment with its provenance.
type Chunk struct {
	Content  string  `json:"content"`
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
}

// SkillInstruction is the prompt block an enabled skill contributes.
type SkillInstruction struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// BuildInput carries everything the builder needs for one message.
type BuildInput struct {
	BotID         string
	ChatID        string
	UserMessage   string
	Capabilities  map[string]bool
	EnabledSkills []SkillInstruction
}
