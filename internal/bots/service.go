// Package bots provides the bot entity store.
package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cachibotio/cachibot/internal/db"
)

var (
	ErrBotNotFound     = errors.New("bot not found")
	ErrBotAccessDenied = errors.New("bot access denied")
)

// Service provides bot CRUD backed by the bots table.
type Service struct {
	logger *slog.Logger
	pool   db.Querier
}

// NewService creates a new bot service.
func NewService(log *slog.Logger, pool db.Querier) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger: log.With(slog.String("service", "bots")),
		pool:   pool,
	}
}

// Create creates a new bot owned by the given user.
func (s *Service) Create(ctx context.Context, ownerUserID string, req CreateBotRequest) (Bot, error) {
	ownerUUID, err := db.ParseUUID(strings.TrimSpace(ownerUserID))
	if err != nil {
		return Bot{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Bot{}, fmt.Errorf("bot name is required")
	}
	capabilities, err := json.Marshal(nonNilBools(req.Capabilities))
	if err != nil {
		return Bot{}, err
	}
	models, err := json.Marshal(nonNilStrings(req.Models))
	if err != nil {
		return Bot{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bots (owner_user_id, name, model, system_prompt, capabilities, models)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, owner_user_id, name, model, system_prompt, capabilities, models, created_at, updated_at`,
		ownerUUID, name, strings.TrimSpace(req.Model), req.SystemPrompt, capabilities, models)
	bot, err := scanBot(row)
	if err != nil {
		return Bot{}, fmt.Errorf("create bot: %w", err)
	}
	s.logger.Info("bot created", slog.String("bot_id", bot.ID), slog.String("name", bot.Name))
	return bot, nil
}

// Get returns a bot by its ID.
func (s *Service) Get(ctx context.Context, botID string) (Bot, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Bot{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, name, model, system_prompt, capabilities, models, created_at, updated_at
		FROM bots WHERE id = $1`, botUUID)
	bot, err := scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, ErrBotNotFound
	}
	if err != nil {
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return bot, nil
}

// ListByOwner returns bots owned by the given user, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerUserID string) ([]Bot, error) {
	ownerUUID, err := db.ParseUUID(ownerUserID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_user_id, name, model, system_prompt, capabilities, models, created_at, updated_at
		FROM bots WHERE owner_user_id = $1 ORDER BY created_at DESC`, ownerUUID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()
	items := make([]Bot, 0)
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("list bots: %w", err)
		}
		items = append(items, bot)
	}
	return items, rows.Err()
}

// Update applies a partial update and returns the updated bot.
func (s *Service) Update(ctx context.Context, botID string, req UpdateBotRequest) (Bot, error) {
	bot, err := s.Get(ctx, botID)
	if err != nil {
		return Bot{}, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return Bot{}, fmt.Errorf("bot name is required")
		}
		bot.Name = name
	}
	if req.Model != nil {
		bot.Model = strings.TrimSpace(*req.Model)
	}
	if req.SystemPrompt != nil {
		bot.SystemPrompt = *req.SystemPrompt
	}
	if req.Capabilities != nil {
		bot.Capabilities = nonNilBools(req.Capabilities)
	}
	if req.Models != nil {
		bot.Models = nonNilStrings(req.Models)
	}
	capabilities, err := json.Marshal(bot.Capabilities)
	if err != nil {
		return Bot{}, err
	}
	models, err := json.Marshal(bot.Models)
	if err != nil {
		return Bot{}, err
	}
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Bot{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE bots
		SET name = $2, model = $3, system_prompt = $4, capabilities = $5, models = $6, updated_at = now()
		WHERE id = $1
		RETURNING id, owner_user_id, name, model, system_prompt, capabilities, models, created_at, updated_at`,
		botUUID, bot.Name, bot.Model, bot.SystemPrompt, capabilities, models)
	updated, err := scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, ErrBotNotFound
	}
	if err != nil {
		return Bot{}, fmt.Errorf("update bot: %w", err)
	}
	return updated, nil
}

// Delete removes a bot. Connections, environments, chats, and knowledge rows
// cascade at the database level.
func (s *Service) Delete(ctx context.Context, botID string) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, botUUID)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	s.logger.Info("bot deleted", slog.String("bot_id", botID))
	return nil
}

// AuthorizeOwner verifies the user owns the bot, or is an admin.
func (s *Service) AuthorizeOwner(ctx context.Context, userID, botID string, isAdmin bool) (Bot, error) {
	bot, err := s.Get(ctx, botID)
	if err != nil {
		return Bot{}, err
	}
	if isAdmin || bot.OwnerUserID == userID {
		return bot, nil
	}
	return Bot{}, ErrBotAccessDenied
}

// HasCapability reports whether the bot has the named capability enabled.
func (b Bot) HasCapability(name string) bool {
	return b.Capabilities[name]
}

// ModelFor returns the model bound to a slot, falling back to the bot's
// primary model when the slot is empty.
func (b Bot) ModelFor(slot string) string {
	if model := b.Models[slot]; model != "" {
		return model
	}
	return b.Model
}

func scanBot(row pgx.Row) (Bot, error) {
	var (
		bot          Bot
		capabilities []byte
		models       []byte
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&bot.ID, &bot.OwnerUserID, &bot.Name, &bot.Model, &bot.SystemPrompt,
		&capabilities, &models, &createdAt, &updatedAt); err != nil {
		return Bot{}, err
	}
	bot.CreatedAt = createdAt
	bot.UpdatedAt = updatedAt
	bot.Capabilities = map[string]bool{}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &bot.Capabilities); err != nil {
			return Bot{}, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	bot.Models = map[string]string{}
	if len(models) > 0 {
		if err := json.Unmarshal(models, &bot.Models); err != nil {
			return Bot{}, fmt.Errorf("decode models: %w", err)
		}
	}
	return bot, nil
}

func nonNilBools(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
