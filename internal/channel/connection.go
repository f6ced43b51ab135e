package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cachibotio/cachibot/internal/crypto"
	"github.com/cachibotio/cachibot/internal/db"
)

var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionStore persists connections. Adapter configs are sealed through
// the crypto service before they touch the database; rows coming back out
// are decrypted transparently.
type ConnectionStore struct {
	logger *slog.Logger
	pool   db.Querier
	crypto *crypto.Service
}

// NewConnectionStore creates a connection store.
func NewConnectionStore(log *slog.Logger, pool db.Querier, cryptoService *crypto.Service) *ConnectionStore {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionStore{
		logger: log.With(slog.String("component", "connections")),
		pool:   pool,
		crypto: cryptoService,
	}
}

const connectionColumns = `id, bot_id, platform_kind, display_name, status, config_encrypted,
	message_count, last_activity, error_message, auto_connect, created_at, updated_at`

// Create persists a new connection with its config encrypted under the bot.
func (s *ConnectionStore) Create(ctx context.Context, botID string, req CreateConnectionRequest) (Connection, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Connection{}, err
	}
	kind := strings.TrimSpace(strings.ToLower(req.PlatformKind))
	if kind == "" {
		return Connection{}, fmt.Errorf("platform kind is required")
	}
	sealed, err := s.sealConfig(botID, req.Config)
	if err != nil {
		return Connection{}, err
	}
	autoConnect := true
	if req.AutoConnect != nil {
		autoConnect = *req.AutoConnect
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO connections (bot_id, platform_kind, display_name, config_encrypted, auto_connect)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+connectionColumns,
		botUUID, kind, strings.TrimSpace(req.DisplayName), sealed, autoConnect)
	conn, err := s.scanConnection(row)
	if err != nil {
		return Connection{}, fmt.Errorf("create connection: %w", err)
	}
	s.logger.Info("connection created",
		slog.String("connection_id", conn.ID),
		slog.String("platform", kind))
	return conn, nil
}

// Get returns one connection with its config decrypted.
func (s *ConnectionStore) Get(ctx context.Context, connectionID string) (Connection, error) {
	connUUID, err := db.ParseUUID(connectionID)
	if err != nil {
		return Connection{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, connUUID)
	conn, err := s.scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// ListByBot returns a bot's connections.
func (s *ConnectionStore) ListByBot(ctx context.Context, botID string) ([]Connection, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE bot_id = $1 ORDER BY created_at ASC`, botUUID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return s.collect(rows)
}

// ListAll returns every connection in the system. Used at startup.
func (s *ConnectionStore) ListAll(ctx context.Context) ([]Connection, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return s.collect(rows)
}

// Update applies a partial update. A non-nil config replaces the stored
// config entirely and is re-encrypted.
func (s *ConnectionStore) Update(ctx context.Context, connectionID string, req UpdateConnectionRequest) (Connection, error) {
	conn, err := s.Get(ctx, connectionID)
	if err != nil {
		return Connection{}, err
	}
	if req.DisplayName != nil {
		conn.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.Config != nil {
		conn.Config = req.Config
	}
	if req.AutoConnect != nil {
		conn.AutoConnect = *req.AutoConnect
	}
	sealed, err := s.sealConfig(conn.BotID, conn.Config)
	if err != nil {
		return Connection{}, err
	}
	connUUID, err := db.ParseUUID(connectionID)
	if err != nil {
		return Connection{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE connections
		SET display_name = $2, config_encrypted = $3, auto_connect = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+connectionColumns,
		connUUID, conn.DisplayName, sealed, conn.AutoConnect)
	updated, err := s.scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("update connection: %w", err)
	}
	return updated, nil
}

// Delete removes a connection.
func (s *ConnectionStore) Delete(ctx context.Context, connectionID string) error {
	connUUID, err := db.ParseUUID(connectionID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, connUUID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// UpdateStatus persists a lifecycle transition. The error message is cleared
// on any non-error status.
func (s *ConnectionStore) UpdateStatus(ctx context.Context, connectionID, status, errorMessage string) error {
	connUUID, err := db.ParseUUID(connectionID)
	if err != nil {
		return err
	}
	if status != StatusError {
		errorMessage = ""
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE connections SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`, connUUID, status, db.TextValue(errorMessage))
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return nil
}

// ResetStatuses marks every connection disconnected. Called once at startup
// so stale statuses from a previous process do not survive a restart.
func (s *ConnectionStore) ResetStatuses(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connections SET status = $1, error_message = NULL, updated_at = now()`, StatusDisconnected)
	if err != nil {
		return fmt.Errorf("reset connection statuses: %w", err)
	}
	return nil
}

// RecordActivity bumps the message counter and last-activity timestamp.
func (s *ConnectionStore) RecordActivity(ctx context.Context, connectionID string) error {
	connUUID, err := db.ParseUUID(connectionID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE connections SET message_count = message_count + 1, last_activity = now()
		WHERE id = $1`, connUUID)
	if err != nil {
		return fmt.Errorf("record connection activity: %w", err)
	}
	return nil
}

func (s *ConnectionStore) collect(rows pgx.Rows) ([]Connection, error) {
	defer rows.Close()
	items := make([]Connection, 0)
	for rows.Next() {
		conn, err := s.scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		items = append(items, conn)
	}
	return items, rows.Err()
}

func (s *ConnectionStore) sealConfig(botID string, config map[string]any) ([]byte, error) {
	if config == nil {
		config = map[string]any{}
	}
	plaintext, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	sealed, err := s.crypto.Encrypt(string(plaintext), botID)
	if err != nil {
		return nil, fmt.Errorf("encrypt connection config: %w", err)
	}
	return json.Marshal(sealed)
}

func (s *ConnectionStore) scanConnection(row pgx.Row) (Connection, error) {
	var (
		conn         Connection
		kind         string
		sealed       []byte
		lastActivity pgtype.Timestamptz
		errorMessage pgtype.Text
	)
	if err := row.Scan(&conn.ID, &conn.BotID, &kind, &conn.DisplayName, &conn.Status, &sealed,
		&conn.MessageCount, &lastActivity, &errorMessage, &conn.AutoConnect,
		&conn.CreatedAt, &conn.UpdatedAt); err != nil {
		return Connection{}, err
	}
	conn.PlatformKind = PlatformKind(kind)
	if lastActivity.Valid {
		at := lastActivity.Time
		conn.LastActivity = &at
	}
	conn.ErrorMessage = db.TextToString(errorMessage)
	conn.Config = map[string]any{}
	if len(sealed) > 0 && string(sealed) != "{}" {
		var value crypto.EncryptedValue
		if err := json.Unmarshal(sealed, &value); err != nil {
			return Connection{}, fmt.Errorf("decode connection config: %w", err)
		}
		plaintext, err := s.crypto.Decrypt(value, conn.BotID)
		if err != nil {
			// Unrecoverable config (key rotation, tampering). Surface the row
			// with an empty config instead of hiding it.
			s.logger.Warn("connection config decrypt failed",
				slog.String("connection_id", conn.ID), slog.Any("error", err))
			return conn, nil
		}
		if err := json.Unmarshal([]byte(plaintext), &conn.Config); err != nil {
			return Connection{}, fmt.Errorf("decode connection config: %w", err)
		}
	}
	return conn, nil
}
