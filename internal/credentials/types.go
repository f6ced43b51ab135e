package credentials

import "time"

// EnvEntry is a masked listing row for a bot or platform environment value.
type EnvEntry struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	MaskedValue string    `json:"masked_value"`
	Source      string    `json:"source,omitempty"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditEntry records one credential mutation. Details never contain raw
// values, only masked previews.
type AuditEntry struct {
	BotID     string         `json:"bot_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	KeyName   string         `json:"key_name"`
	Source    string         `json:"source"`
	IPAddress string         `json:"ip_address,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

const (
	AuditActionCreate   = "create"
	AuditActionUpdate   = "update"
	AuditActionDelete   = "delete"
	AuditActionResetAll = "reset_all"
)

const (
	AuditSourceBot      = "bot"
	AuditSourcePlatform = "platform"
	AuditSourceGlobal   = "global"
)

const (
	EnvSourceUser   = "user"
	EnvSourceSystem = "system"
)

// Mutation carries caller identity for audit records.
type Mutation struct {
	UpdatedBy string
	IPAddress string
}
