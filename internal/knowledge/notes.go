package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/cachibotio/cachibot/internal/db"
)

var (
	ErrNoteNotFound    = errors.New("note not found")
	ErrContactNotFound = errors.New("contact not found")
)

// NotesStore persists notes, contacts, and the bot instruction blob.
type NotesStore struct {
	logger *slog.Logger
	pool   db.Querier
}

// NewNotesStore creates the store.
func NewNotesStore(log *slog.Logger, pool db.Querier) *NotesStore {
	if log == nil {
		log = slog.Default()
	}
	return &NotesStore{
		logger: log.With(slog.String("component", "knowledge")),
		pool:   pool,
	}
}

const noteColumns = `id, bot_id, title, content, tags, created_at, updated_at`

// CreateNote adds a note for a bot.
func (s *NotesStore) CreateNote(ctx context.Context, botID string, req UpsertNoteRequest) (Note, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Note{}, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return Note{}, fmt.Errorf("note content is required")
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notes (bot_id, title, content, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING `+noteColumns,
		botUUID, strings.TrimSpace(req.Title), req.Content, tags)
	note, err := scanNote(row)
	if err != nil {
		return Note{}, fmt.Errorf("create note: %w", err)
	}
	return note, nil
}

// UpdateNote replaces a note's fields, scoped to the owning bot.
func (s *NotesStore) UpdateNote(ctx context.Context, botID, noteID string, req UpsertNoteRequest) (Note, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Note{}, err
	}
	noteUUID, err := db.ParseUUID(noteID)
	if err != nil {
		return Note{}, err
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE notes SET title = $3, content = $4, tags = $5, updated_at = now()
		WHERE id = $1 AND bot_id = $2
		RETURNING `+noteColumns,
		noteUUID, botUUID, strings.TrimSpace(req.Title), req.Content, tags)
	note, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("update note: %w", err)
	}
	return note, nil
}

// DeleteNote removes a note, scoped to the owning bot.
func (s *NotesStore) DeleteNote(ctx context.Context, botID, noteID string) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	noteUUID, err := db.ParseUUID(noteID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM notes WHERE id = $1 AND bot_id = $2`, noteUUID, botUUID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// ListNotes returns a bot's notes, most recently updated first.
func (s *NotesStore) ListNotes(ctx context.Context, botID string, limit int) ([]Note, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE bot_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`, botUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

// SearchNotes returns notes ranked by full-text match against the query,
// best match first. Notes with no match are excluded.
func (s *NotesStore) SearchNotes(ctx context.Context, botID, query string, limit int) ([]Note, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return []Note{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE bot_id = $1
		  AND to_tsvector('simple', title || ' ' || content) @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(to_tsvector('simple', title || ' ' || content),
		                 plainto_tsquery('simple', $2)) DESC
		LIMIT $3`, botUUID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

const contactColumns = `id, bot_id, name, details, created_at, updated_at`

// CreateContact adds a contact for a bot.
func (s *NotesStore) CreateContact(ctx context.Context, botID string, req UpsertContactRequest) (Contact, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Contact{}, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return Contact{}, fmt.Errorf("contact name is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (bot_id, name, details)
		VALUES ($1, $2, $3)
		RETURNING `+contactColumns,
		botUUID, strings.TrimSpace(req.Name), req.Details)
	contact, err := scanContact(row)
	if err != nil {
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

// DeleteContact removes a contact, scoped to the owning bot.
func (s *NotesStore) DeleteContact(ctx context.Context, botID, contactID string) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	contactUUID, err := db.ParseUUID(contactID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM contacts WHERE id = $1 AND bot_id = $2`, contactUUID, botUUID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContactNotFound
	}
	return nil
}

// ListContacts returns a bot's contacts in name order.
func (s *NotesStore) ListContacts(ctx context.Context, botID string) ([]Contact, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE bot_id = $1
		ORDER BY name ASC`, botUUID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	items := make([]Contact, 0)
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		items = append(items, contact)
	}
	return items, rows.Err()
}

// GetInstructions returns the bot's persistent instruction blob, or empty.
func (s *NotesStore) GetInstructions(ctx context.Context, botID string) (string, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return "", err
	}
	var content string
	err = s.pool.QueryRow(ctx,
		`SELECT content FROM instructions WHERE bot_id = $1`, botUUID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get instructions: %w", err)
	}
	return content, nil
}

// SetInstructions upserts the bot's instruction blob.
func (s *NotesStore) SetInstructions(ctx context.Context, botID, content string) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO instructions (bot_id, content)
		VALUES ($1, $2)
		ON CONFLICT (bot_id) DO UPDATE SET content = $2, updated_at = now()`,
		botUUID, content)
	if err != nil {
		return fmt.Errorf("set instructions: %w", err)
	}
	return nil
}

func collectNotes(rows pgx.Rows) ([]Note, error) {
	items := make([]Note, 0)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, note)
	}
	return items, rows.Err()
}

func scanNote(row pgx.Row) (Note, error) {
	var note Note
	if err := row.Scan(&note.ID, &note.BotID, &note.Title, &note.Content, &note.Tags,
		&note.CreatedAt, &note.UpdatedAt); err != nil {
		return Note{}, err
	}
	return note, nil
}

func scanContact(row pgx.Row) (Contact, error) {
	var contact Contact
	if err := row.Scan(&contact.ID, &contact.BotID, &contact.Name, &contact.Details,
		&contact.CreatedAt, &contact.UpdatedAt); err != nil {
		return Contact{}, err
	}
	return contact, nil
}
