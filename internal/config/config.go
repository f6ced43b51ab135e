package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "cachibot"
	DefaultPGSSLMode    = "disable"
	DefaultQdrantHost   = "127.0.0.1"
	DefaultQdrantPort   = 6334
	DefaultCollection   = "knowledge"

	// Environment variables recognized on top of config.toml.
	EnvMasterKey   = "CACHIBOT_MASTER_KEY"
	EnvDatabaseURL = "CACHIBOT_DATABASE_URL"
	EnvPerBotEnv   = "CACHIBOT_PER_BOT_ENV"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Admin      AdminConfig      `toml:"admin"`
	Auth       AuthConfig       `toml:"auth"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Qdrant     QdrantConfig     `toml:"qdrant"`
	Agent      AgentConfig      `toml:"agent"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`

	// MasterKey is the hex master key from CACHIBOT_MASTER_KEY. When empty,
	// the crypto service falls back to the user-scoped key file.
	MasterKey string `toml:"-"`
	// PerBotEnv is false when CACHIBOT_PER_BOT_ENV=0 collapses resolution to
	// the global layer.
	PerBotEnv bool `toml:"-"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AdminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Email    string `toml:"email"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`

	// URL overrides the discrete fields when set (CACHIBOT_DATABASE_URL).
	URL string `toml:"-"`
}

// ConnString returns the pgx connection string for the configured database.
func (c PostgresConfig) ConnString() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type QdrantConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	APIKey     string `toml:"api_key"`
	Collection string `toml:"collection"`
	UseTLS     bool   `toml:"use_tls"`
}

// EmbeddingsConfig points at an OpenAI-compatible embeddings endpoint used
// for knowledge retrieval. RAG is disabled when Model is empty.
type EmbeddingsConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

type AgentConfig struct {
	Model          string  `toml:"model"`
	UtilityModel   string  `toml:"utility_model"`
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Temperature    float64 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
	MaxIterations  int     `toml:"max_iterations"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
			Email:    "you@example.com",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Qdrant: QdrantConfig{
			Host:       DefaultQdrantHost,
			Port:       DefaultQdrantPort,
			Collection: DefaultCollection,
		},
		Agent: AgentConfig{
			Model:          "gpt-4o-mini",
			Temperature:    0.7,
			MaxTokens:      4096,
			MaxIterations:  10,
			TimeoutSeconds: 120,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	cfg.MasterKey = strings.TrimSpace(os.Getenv(EnvMasterKey))
	cfg.Postgres.URL = strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	cfg.PerBotEnv = os.Getenv(EnvPerBotEnv) != "0"
	return cfg, nil
}
