package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/crypto/bcrypt"

	"github.com/cachibotio/cachibot/internal/db"
)

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var (
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// User is one account. The password hash never serializes.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether the user has the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UserStore persists accounts in Postgres with bcrypt password hashes.
type UserStore struct {
	logger *slog.Logger
	pool   db.Querier
}

// NewUserStore creates a user store.
func NewUserStore(log *slog.Logger, pool db.Querier) *UserStore {
	if log == nil {
		log = slog.Default()
	}
	return &UserStore{
		logger: log.With(slog.String("component", "auth")),
		pool:   pool,
	}
}

const userColumns = "id, username, email, password_hash, role, is_active, created_at"

// Create inserts a user with a freshly hashed password.
func (s *UserStore) Create(ctx context.Context, username, email, password, role string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("username is required")
	}
	if len(password) < 8 {
		return User{}, fmt.Errorf("password must be at least 8 characters")
	}
	if role == "" {
		role = RoleUser
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash, role)
		 VALUES ($1, NULLIF($2, ''), $3, $4)
		 RETURNING `+userColumns,
		username, strings.TrimSpace(email), string(hash), role)
	return scanUser(row)
}

// GetByUsername fetches a user by username.
func (s *UserStore) GetByUsername(ctx context.Context, username string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, strings.TrimSpace(username))
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

// GetByID fetches a user by id.
func (s *UserStore) GetByID(ctx context.Context, userID string) (User, error) {
	uid, err := db.ParseUUID(userID)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, uid)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

// Authenticate checks a username/password pair. Inactive accounts and wrong
// passwords both map to ErrInvalidCredentials so responses stay uniform.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (User, error) {
	user, err := s.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !user.IsActive {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// EnsureAdmin creates the bootstrap admin account when no user exists yet.
// The generated credentials are logged once at startup.
func (s *UserStore) EnsureAdmin(ctx context.Context, username, password string) error {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	user, err := s.Create(ctx, username, "", password, RoleAdmin)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	s.logger.Info("bootstrap admin account created",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username))
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user  User
		id    pgtype.UUID
		email pgtype.Text
	)
	if err := row.Scan(&id, &user.Username, &email, &user.PasswordHash,
		&user.Role, &user.IsActive, &user.CreatedAt); err != nil {
		return User{}, err
	}
	user.ID = db.UUIDString(id)
	user.Email = db.TextToString(email)
	return user, nil
}
