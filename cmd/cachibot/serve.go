package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/cachibotio/cachibot/internal/agent"
	"github.com/cachibotio/cachibot/internal/auth"
	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/custom"
	"github.com/cachibotio/cachibot/internal/channel/adapters/discord"
	"github.com/cachibotio/cachibot/internal/channel/adapters/line"
	"github.com/cachibotio/cachibot/internal/channel/adapters/teams"
	"github.com/cachibotio/cachibot/internal/channel/adapters/telegram"
	"github.com/cachibotio/cachibot/internal/channel/adapters/viber"
	"github.com/cachibotio/cachibot/internal/channel/adapters/whatsapp"
	"github.com/cachibotio/cachibot/internal/chats"
	"github.com/cachibotio/cachibot/internal/config"
	"github.com/cachibotio/cachibot/internal/credentials"
	"github.com/cachibotio/cachibot/internal/crypto"
	"github.com/cachibotio/cachibot/internal/db"
	"github.com/cachibotio/cachibot/internal/env"
	"github.com/cachibotio/cachibot/internal/event"
	"github.com/cachibotio/cachibot/internal/handlers"
	"github.com/cachibotio/cachibot/internal/knowledge"
	"github.com/cachibotio/cachibot/internal/logger"
	"github.com/cachibotio/cachibot/internal/pipeline"
	"github.com/cachibotio/cachibot/internal/server"
	"github.com/cachibotio/cachibot/internal/webhook"
)

func runServe(configPath string) {
	fx.New(
		fx.Supply(configPathValue(configPath)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideCrypto,
			provideDBConn,
			provideQuerier,
			bots.NewService,
			chats.NewStore,
			credentials.NewStore,
			auth.NewUserStore,
			knowledge.NewNotesStore,
			webhook.NewStore,
			provideDispatcher,
			provideResolver,
			event.NewHub,
			provideChannelRegistry,
			channel.NewConnectionStore,
			provideChannelManager,
			provideSearcher,
			provideBuilder,
			provideTranscriber,
			providePipeline,
			provideTokenConfig,
			provideServerHandler(provideAuthHandler),
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewUsersHandler),
			provideServerHandler(handlers.NewBotsHandler),
			provideServerHandler(handlers.NewConnectionsHandler),
			provideServerHandler(handlers.NewChatsHandler),
			provideServerHandler(handlers.NewEnvironmentsHandler),
			provideServerHandler(handlers.NewSubscribersHandler),
			provideServerHandler(handlers.NewKnowledgeHandler),
			provideServerHandler(handlers.NewWSHandler),
			provideServerHandler(provideIngress),
			provideServer,
		),
		fx.Invoke(
			ensureAdminUser,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

type configPathValue string

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path configPathValue) (config.Config, error) {
	cfg, err := config.Load(string(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideCrypto(log *slog.Logger, cfg config.Config) (*crypto.Service, error) {
	masterKey, err := crypto.ResolveMasterKey(log, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	return crypto.NewService(log, masterKey)
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres.ConnString()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideQuerier(pool *pgxpool.Pool) db.Querier { return pool }

func provideDispatcher(log *slog.Logger, store *webhook.Store) *webhook.Dispatcher {
	return webhook.NewDispatcher(log, store)
}

func provideResolver(log *slog.Logger, store *credentials.Store, cfg config.Config) *env.Resolver {
	return env.NewResolver(log, store, env.Defaults{
		Model:         cfg.Agent.Model,
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxIterations: cfg.Agent.MaxIterations,
		UtilityModel:  cfg.Agent.UtilityModel,
	}, cfg.PerBotEnv)
}

func provideChannelRegistry() *channel.Registry {
	registry := channel.NewRegistry()
	telegram.Register(registry)
	discord.Register(registry)
	whatsapp.Register(registry)
	line.Register(registry)
	viber.Register(registry)
	teams.Register(registry)
	custom.Register(registry)
	return registry
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry, store *channel.ConnectionStore) *channel.Manager {
	return channel.NewManager(log, registry, store, channel.DefaultManagerConfig())
}

func provideSearcher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (knowledge.Searcher, error) {
	if cfg.Embeddings.Model == "" {
		log.Info("no embeddings model configured, knowledge retrieval disabled")
		return nil, nil
	}
	embedder := knowledge.NewHTTPEmbedder(log, cfg.Embeddings.BaseURL, cfg.Embeddings.APIKey, cfg.Embeddings.Model)
	searcher, err := knowledge.NewQdrantSearcher(log, cfg.Qdrant.Host, cfg.Qdrant.Port,
		cfg.Qdrant.APIKey, cfg.Qdrant.Collection, embedder)
	if err != nil {
		return nil, fmt.Errorf("qdrant init: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return searcher.Close() }})
	return searcher, nil
}

func provideBuilder(log *slog.Logger, notes *knowledge.NotesStore, history *chats.Store, searcher knowledge.Searcher) *knowledge.Builder {
	return knowledge.NewBuilder(log, notes, history, searcher)
}

func provideTranscriber(log *slog.Logger, cfg config.Config) agent.Transcriber {
	baseURL := cfg.Agent.BaseURL
	if baseURL == "" {
		baseURL, _ = agent.BaseURLForProvider("openai")
	}
	return agent.NewWhisperTranscriber(log, baseURL, cfg.Agent.APIKey, "")
}

func providePipeline(log *slog.Logger, cfg config.Config, botService *bots.Service, chatStore *chats.Store,
	builder *knowledge.Builder, resolver *env.Resolver, manager *channel.Manager, hub *event.Hub,
	dispatcher *webhook.Dispatcher, transcriber agent.Transcriber) *pipeline.Pipeline {

	var fallback agent.Runner
	baseURL := cfg.Agent.BaseURL
	if baseURL == "" {
		if provider := agent.ProviderForModel(cfg.Agent.Model); provider != "" {
			baseURL, _ = agent.BaseURLForProvider(provider)
		}
	}
	if baseURL != "" {
		fallback = agent.NewDriver(log, baseURL, cfg.Agent.APIKey)
	}

	return pipeline.New(log, pipeline.Deps{
		Bots:        botService,
		Chats:       chatStore,
		Builder:     builder,
		Resolver:    resolver,
		Adapters:    manager,
		Events:      hub,
		Hooks:       dispatcher,
		Transcriber: transcriber,
		Fallback:    fallback,
	})
}

func provideTokenConfig(cfg config.Config) auth.TokenConfig {
	accessTTL, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		accessTTL = 24 * time.Hour
	}
	return auth.TokenConfig{
		Secret:    cfg.Auth.JWTSecret,
		AccessTTL: accessTTL,
	}
}

func provideAuthHandler(log *slog.Logger, users *auth.UserStore, cfg auth.TokenConfig) *auth.Handler {
	return auth.NewHandler(log, users, auth.NewRateLimiter(), cfg)
}

func provideIngress(log *slog.Logger, registry *channel.Registry, manager *channel.Manager) *webhook.Ingress {
	return webhook.NewIngress(log, registry, manager)
}

type serverParams struct {
	fx.In
	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.New(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.Handlers)
}

func ensureAdminUser(lc fx.Lifecycle, users *auth.UserStore, cfg config.Config) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		return users.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password)
	}})
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager,
	p *pipeline.Pipeline, hub *event.Hub, dispatcher *webhook.Dispatcher) {

	manager.SetMessageHandler(p.Handle)
	manager.SetStatusListener(func(conn channel.Connection, status, detail string) {
		payload := map[string]any{
			"connection_id": conn.ID,
			"platform":      conn.PlatformKind.String(),
			"status":        status,
			"detail":        detail,
		}
		hub.Broadcast(conn.BotID, webhook.EventConnectionStatus, payload)
		dispatcher.Dispatch(context.Background(), webhook.EventConnectionStatus, conn.BotID, payload)
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return manager.Start(ctx) },
		OnStop: func(ctx context.Context) error {
			manager.Stop(ctx)
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *slog.Logger, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
