// Package credentials persists encrypted per-bot and per-platform environment
// values plus plaintext skill configs. Values are sealed through the crypto
// service; listings expose masked previews only.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/cachibotio/cachibot/internal/crypto"
	"github.com/cachibotio/cachibot/internal/db"
	"github.com/cachibotio/cachibot/internal/redact"
)

// ErrNotFound indicates the requested environment entry does not exist.
var ErrNotFound = errors.New("credentials: entry not found")

// Store is the encrypted credential store.
type Store struct {
	logger *slog.Logger
	pool   db.Querier
	crypto *crypto.Service
}

// NewStore creates a Store backed by the given pool and crypto service.
func NewStore(log *slog.Logger, pool db.Querier, cryptoService *crypto.Service) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		logger: log.With(slog.String("component", "credentials")),
		pool:   pool,
		crypto: cryptoService,
	}
}

// UpsertBotEnv seals and stores a bot-scoped environment value. The prior
// ciphertext, if any, is replaced entirely.
func (s *Store) UpsertBotEnv(ctx context.Context, botID, key, value, source string, mut Mutation) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("env key is required")
	}
	if source == "" {
		source = EnvSourceUser
	}
	sealed, err := s.crypto.Encrypt(value, botID)
	if err != nil {
		return fmt.Errorf("encrypt value: %w", err)
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	var inserted bool
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO bot_environments (bot_id, key, encrypted_value, source, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (bot_id, key) DO UPDATE
		SET encrypted_value = EXCLUDED.encrypted_value,
		    source = EXCLUDED.source,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = now()
		RETURNING (xmax = 0)`,
		botUUID, key, payload, source, mut.UpdatedBy).Scan(&inserted); err != nil {
		return fmt.Errorf("upsert bot env: %w", err)
	}
	action := AuditActionUpdate
	if inserted {
		action = AuditActionCreate
	}
	s.audit(ctx, AuditEntry{
		BotID:     botID,
		UserID:    mut.UpdatedBy,
		Action:    action,
		KeyName:   key,
		Source:    AuditSourceBot,
		IPAddress: mut.IPAddress,
		Details:   map[string]any{"masked_value": redact.Mask(value)},
	})
	return nil
}

// DeleteBotEnv removes a bot-scoped environment value.
func (s *Store) DeleteBotEnv(ctx context.Context, botID, key string, mut Mutation) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM bot_environments WHERE bot_id = $1 AND key = $2`, botUUID, key)
	if err != nil {
		return fmt.Errorf("delete bot env: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.audit(ctx, AuditEntry{
		BotID:     botID,
		UserID:    mut.UpdatedBy,
		Action:    AuditActionDelete,
		KeyName:   key,
		Source:    AuditSourceBot,
		IPAddress: mut.IPAddress,
	})
	return nil
}

// ListBotEnv returns masked previews of all bot-scoped values. A row whose
// ciphertext fails to open degrades to "****" and logs a warning.
func (s *Store) ListBotEnv(ctx context.Context, botID string) ([]EnvEntry, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, key, encrypted_value, source, updated_by, updated_at
		FROM bot_environments WHERE bot_id = $1 ORDER BY key`, botUUID)
	if err != nil {
		return nil, fmt.Errorf("list bot env: %w", err)
	}
	defer rows.Close()

	items := make([]EnvEntry, 0)
	for rows.Next() {
		var entry EnvEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.Key, &payload, &entry.Source, &entry.UpdatedBy, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entry.MaskedValue = s.maskedPreview(payload, botID, entry.ID)
		items = append(items, entry)
	}
	return items, rows.Err()
}

// BotEnvValues decrypts all bot-scoped values for environment resolution.
// Rows that fail to open are skipped with a warning.
func (s *Store) BotEnvValues(ctx context.Context, botID string) (map[string]string, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, key, encrypted_value FROM bot_environments WHERE bot_id = $1`, botUUID)
	if err != nil {
		return nil, fmt.Errorf("load bot env: %w", err)
	}
	defer rows.Close()
	return s.decryptRows(rows, botID)
}

// UpsertPlatformEnv seals and stores a platform-scoped environment value.
func (s *Store) UpsertPlatformEnv(ctx context.Context, platform, key, value string, mut Mutation) error {
	if platform == "" || key == "" {
		return fmt.Errorf("platform and key are required")
	}
	sealed, err := s.crypto.Encrypt(value, "")
	if err != nil {
		return fmt.Errorf("encrypt value: %w", err)
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO platform_environments (platform, key, encrypted_value, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (platform, key) DO UPDATE
		SET encrypted_value = EXCLUDED.encrypted_value,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = now()`,
		platform, key, payload, mut.UpdatedBy); err != nil {
		return fmt.Errorf("upsert platform env: %w", err)
	}
	s.audit(ctx, AuditEntry{
		UserID:    mut.UpdatedBy,
		Action:    AuditActionUpdate,
		KeyName:   key,
		Source:    AuditSourcePlatform,
		IPAddress: mut.IPAddress,
		Details:   map[string]any{"platform": platform, "masked_value": redact.Mask(value)},
	})
	return nil
}

// DeletePlatformEnv removes a platform-scoped environment value.
func (s *Store) DeletePlatformEnv(ctx context.Context, platform, key string, mut Mutation) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM platform_environments WHERE platform = $1 AND key = $2`, platform, key)
	if err != nil {
		return fmt.Errorf("delete platform env: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.audit(ctx, AuditEntry{
		UserID:    mut.UpdatedBy,
		Action:    AuditActionDelete,
		KeyName:   key,
		Source:    AuditSourcePlatform,
		IPAddress: mut.IPAddress,
		Details:   map[string]any{"platform": platform},
	})
	return nil
}

// PlatformEnvValues decrypts all values for one platform kind.
func (s *Store) PlatformEnvValues(ctx context.Context, platform string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, key, encrypted_value FROM platform_environments WHERE platform = $1`, platform)
	if err != nil {
		return nil, fmt.Errorf("load platform env: %w", err)
	}
	defer rows.Close()
	return s.decryptRows(rows, "")
}

// UpsertSkillConfig stores a skill's plaintext JSON config for a bot.
func (s *Store) UpsertSkillConfig(ctx context.Context, botID, skillName string, config map[string]any) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	if skillName == "" {
		return fmt.Errorf("skill name is required")
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO skill_configs (bot_id, skill_name, config_json, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (bot_id, skill_name) DO UPDATE
		SET config_json = EXCLUDED.config_json, updated_at = now()`,
		botUUID, skillName, payload); err != nil {
		return fmt.Errorf("upsert skill config: %w", err)
	}
	return nil
}

// SkillConfigs loads all skill configs for a bot keyed by skill name.
func (s *Store) SkillConfigs(ctx context.Context, botID string) (map[string]map[string]any, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT skill_name, config_json FROM skill_configs WHERE bot_id = $1`, botUUID)
	if err != nil {
		return nil, fmt.Errorf("load skill configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]map[string]any)
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, err
		}
		config := map[string]any{}
		if err := json.Unmarshal(payload, &config); err != nil {
			s.logger.Warn("skill config decode failed", slog.String("bot_id", botID), slog.String("skill", name), slog.Any("error", err))
			continue
		}
		configs[name] = config
	}
	return configs, rows.Err()
}

// DeleteSkillConfig removes a skill config row.
func (s *Store) DeleteSkillConfig(ctx context.Context, botID, skillName string) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM skill_configs WHERE bot_id = $1 AND skill_name = $2`, botUUID, skillName)
	if err != nil {
		return fmt.Errorf("delete skill config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetAll removes every bot-scoped environment value for a bot.
func (s *Store) ResetAll(ctx context.Context, botID string, mut Mutation) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM bot_environments WHERE bot_id = $1`, botUUID); err != nil {
		return fmt.Errorf("reset bot env: %w", err)
	}
	s.audit(ctx, AuditEntry{
		BotID:     botID,
		UserID:    mut.UpdatedBy,
		Action:    AuditActionResetAll,
		KeyName:   "*",
		Source:    AuditSourceBot,
		IPAddress: mut.IPAddress,
	})
	return nil
}

func (s *Store) decryptRows(rows pgx.Rows, botID string) (map[string]string, error) {
	values := make(map[string]string)
	for rows.Next() {
		var id, key string
		var payload []byte
		if err := rows.Scan(&id, &key, &payload); err != nil {
			return nil, err
		}
		plain, err := s.openPayload(payload, botID)
		if err != nil {
			s.logger.Warn("credential decrypt failed", slog.String("row_id", id), slog.Any("error", err))
			continue
		}
		values[key] = plain
	}
	return values, rows.Err()
}

func (s *Store) openPayload(payload []byte, botID string) (string, error) {
	var sealed crypto.EncryptedValue
	if err := json.Unmarshal(payload, &sealed); err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	return s.crypto.Decrypt(sealed, botID)
}

func (s *Store) maskedPreview(payload []byte, botID, rowID string) string {
	plain, err := s.openPayload(payload, botID)
	if err != nil {
		s.logger.Warn("credential decrypt failed", slog.String("row_id", rowID), slog.Any("error", err))
		return "****"
	}
	return redact.Mask(plain)
}

// audit writes one audit entry, best-effort. Failure to audit never fails the
// mutation but is logged.
func (s *Store) audit(ctx context.Context, entry AuditEntry) {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		s.logger.Warn("audit encode failed", slog.Any("error", err))
		return
	}
	var botUUID any
	if entry.BotID != "" {
		parsed, err := db.ParseUUID(entry.BotID)
		if err == nil {
			botUUID = parsed
		}
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO env_audit_log (bot_id, user_id, action, key_name, source, ip_address, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		botUUID, db.TextValue(entry.UserID), entry.Action, entry.KeyName,
		entry.Source, db.TextValue(entry.IPAddress), payload); err != nil {
		s.logger.Warn("audit write failed",
			slog.String("action", entry.Action),
			slog.String("key", entry.KeyName),
			slog.Any("error", err))
	}
}
