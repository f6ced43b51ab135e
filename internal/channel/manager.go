package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPlatformInUse rejects a connect while another connection for the same
// bot and platform holds a live adapter. One adapter per (bot, platform)
// keeps long-poll platforms from delivering every update twice.
var ErrPlatformInUse = errors.New("another connection for this platform is already active")

// Store is the slice of connection persistence the manager needs.
type Store interface {
	ListAll(ctx context.Context) ([]Connection, error)
	Get(ctx context.Context, connectionID string) (Connection, error)
	UpdateStatus(ctx context.Context, connectionID, status, errorMessage string) error
	ResetStatuses(ctx context.Context) error
	RecordActivity(ctx context.Context, connectionID string) error
}

// MessageHandler runs the inbound pipeline for one message and returns the
// reply the adapter should deliver.
type MessageHandler func(ctx context.Context, msg IncomingMessage) (Response, error)

// StatusListener observes persisted lifecycle transitions.
type StatusListener func(conn Connection, status, detail string)

// ManagerConfig tunes reconnection and health monitoring.
type ManagerConfig struct {
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	MaxReconnects   int
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	HealthThreshold int
}

// DefaultManagerConfig returns the standard tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBase:   5 * time.Second,
		ReconnectCap:    120 * time.Second,
		MaxReconnects:   10,
		HealthInterval:  30 * time.Second,
		HealthTimeout:   5 * time.Second,
		HealthThreshold: 3,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	defaults := DefaultManagerConfig()
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaults.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = defaults.ReconnectCap
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaults.MaxReconnects
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaults.HealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaults.HealthTimeout
	}
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = defaults.HealthThreshold
	}
	return c
}

// handle tracks one live adapter. The reconnect retry counter resets only on
// a successful return to connected; under persistent intermittent failure it
// exhausts and leaves the connection in error until a manual reconnect.
type handle struct {
	adapter      Adapter
	conn         Connection
	failures     int
	retries      int
	stopping     bool
	reconnecting bool
}

// Manager owns live adapter handles: lifecycle, reconnection with backoff,
// a single health-monitor loop, and dispatch into the message handler.
type Manager struct {
	logger   *slog.Logger
	registry *Registry
	store    Store
	cfg      ManagerConfig

	onMessage MessageHandler
	listener  StatusListener

	mu      sync.Mutex
	handles map[string]*handle

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager. The message handler is attached separately
// because the pipeline depends on the manager for typing and sends.
func NewManager(log *slog.Logger, registry *Registry, store Store, cfg ManagerConfig) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger:   log.With(slog.String("component", "channel")),
		registry: registry,
		store:    store,
		cfg:      cfg.withDefaults(),
		handles:  map[string]*handle{},
	}
}

// SetMessageHandler attaches the inbound pipeline entry point.
func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.onMessage = handler
}

// SetStatusListener attaches an observer for lifecycle transitions.
func (m *Manager) SetStatusListener(listener StatusListener) {
	m.listener = listener
}

// Start resets persisted statuses, connects every auto-connect connection,
// and launches the health monitor. Connect failures are logged, not fatal.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := m.store.ResetStatuses(ctx); err != nil {
		return fmt.Errorf("reset statuses: %w", err)
	}
	connections, err := m.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	for _, conn := range connections {
		if !conn.AutoConnect {
			continue
		}
		if err := m.Connect(ctx, conn.ID); err != nil {
			m.logger.Error("startup connect failed",
				slog.String("connection_id", conn.ID),
				slog.String("platform", conn.PlatformKind.String()),
				slog.Any("error", err))
		}
	}
	m.wg.Add(1)
	go m.healthLoop()
	return nil
}

// Stop disconnects every adapter and stops the health monitor.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Disconnect(ctx, id); err != nil {
			m.logger.Warn("disconnect on shutdown failed",
				slog.String("connection_id", id), slog.Any("error", err))
		}
	}
	m.wg.Wait()
}

// Connect builds an adapter for the connection and brings it up. A prior
// adapter for the same connection is torn down first; a live sibling for the
// same bot and platform blocks the attempt with ErrPlatformInUse.
func (m *Manager) Connect(ctx context.Context, connectionID string) error {
	conn, err := m.store.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if id, busy := m.siblingLocked(conn, connectionID); busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s held by connection %s", ErrPlatformInUse, conn.PlatformKind, id)
	}
	if existing, ok := m.handles[connectionID]; ok {
		existing.stopping = true
		m.mu.Unlock()
		if existing.adapter != nil {
			_ = existing.adapter.Disconnect(ctx)
		}
		m.mu.Lock()
		delete(m.handles, connectionID)
	}
	m.mu.Unlock()

	m.setStatus(conn, StatusConnecting, "")
	adapter, err := m.registry.New(m.logger, conn, Callbacks{
		OnMessage:      m.dispatch,
		OnStatusChange: m.onAdapterStatus,
	})
	if err != nil {
		m.setStatus(conn, StatusError, err.Error())
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		m.setStatus(conn, StatusError, err.Error())
		return fmt.Errorf("connect %s: %w", conn.PlatformKind, err)
	}
	m.mu.Lock()
	if id, busy := m.siblingLocked(conn, connectionID); busy {
		// A concurrent connect won the platform while this adapter was
		// coming up.
		m.mu.Unlock()
		_ = adapter.Disconnect(ctx)
		m.setStatus(conn, StatusDisconnected, "")
		return fmt.Errorf("%w: %s held by connection %s", ErrPlatformInUse, conn.PlatformKind, id)
	}
	m.handles[connectionID] = &handle{adapter: adapter, conn: conn}
	m.mu.Unlock()
	m.setStatus(conn, StatusConnected, "")
	m.logger.Info("connection established",
		slog.String("connection_id", connectionID),
		slog.String("platform", conn.PlatformKind.String()))
	return nil
}

// Disconnect tears the adapter down intentionally; no reconnect follows.
// Disconnecting a connection with no live adapter is a no-op, so handlers
// can call it unconditionally before deletes and repeated disconnects.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	h, ok := m.handles[connectionID]
	if ok {
		h.stopping = true
		delete(m.handles, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	var err error
	if h.adapter != nil {
		err = h.adapter.Disconnect(ctx)
	}
	m.setStatus(h.conn, StatusDisconnected, "")
	return err
}

// siblingLocked reports a live handle owned by the same bot for the same
// platform. Callers hold m.mu.
func (m *Manager) siblingLocked(conn Connection, exclude string) (string, bool) {
	for id, h := range m.handles {
		if id == exclude || h.stopping {
			continue
		}
		if h.conn.BotID == conn.BotID && h.conn.PlatformKind == conn.PlatformKind {
			return id, true
		}
	}
	return "", false
}

// Adapter returns the live adapter for a connection.
func (m *Manager) Adapter(connectionID string) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[connectionID]
	if !ok || h.adapter == nil {
		return nil, false
	}
	return h.adapter, true
}

// dispatch routes one inbound message into the pipeline and records activity.
func (m *Manager) dispatch(ctx context.Context, msg IncomingMessage) (Response, error) {
	if m.onMessage == nil {
		return Response{}, fmt.Errorf("message handler not configured")
	}
	if err := m.store.RecordActivity(ctx, msg.ConnectionID); err != nil {
		m.logger.Warn("record activity failed",
			slog.String("connection_id", msg.ConnectionID), slog.Any("error", err))
	}
	return m.onMessage(ctx, msg)
}

// onAdapterStatus handles transitions reported by adapters themselves, such
// as a long-poll loop dying. Unexpected drops trigger the reconnect loop.
func (m *Manager) onAdapterStatus(connectionID, status, detail string) {
	m.mu.Lock()
	h, ok := m.handles[connectionID]
	if !ok || h.stopping {
		m.mu.Unlock()
		return
	}
	conn := h.conn
	shouldReconnect := (status == StatusError || status == StatusDisconnected) && !h.reconnecting
	if shouldReconnect {
		h.reconnecting = true
	}
	m.mu.Unlock()

	m.setStatus(conn, status, detail)
	if shouldReconnect {
		m.wg.Add(1)
		go m.reconnectLoop(connectionID)
	}
}

// reconnectLoop retries with exponential backoff (base 5 s, cap 120 s) up to
// the configured attempt budget, then parks the connection in error.
func (m *Manager) reconnectLoop(connectionID string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		h, ok := m.handles[connectionID]
		if !ok || h.stopping {
			m.mu.Unlock()
			return
		}
		if h.retries >= m.cfg.MaxReconnects {
			conn := h.conn
			delete(m.handles, connectionID)
			m.mu.Unlock()
			m.logger.Error("reconnect attempts exhausted",
				slog.String("connection_id", connectionID))
			m.setStatus(conn, StatusError, "reconnect attempts exhausted")
			return
		}
		h.retries++
		attempt := h.retries
		m.mu.Unlock()

		delay := m.backoff(attempt)
		m.logger.Info("scheduling reconnect",
			slog.String("connection_id", connectionID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
		select {
		case <-m.baseCtx.Done():
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(m.baseCtx, 60*time.Second)
		err := m.Connect(ctx, connectionID)
		cancel()
		if err == nil {
			// Connect installed a fresh handle, so the retry counter starts
			// over at zero for the next failure episode.
			return
		}
		m.logger.Warn("reconnect failed",
			slog.String("connection_id", connectionID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		m.mu.Lock()
		if h2, ok := m.handles[connectionID]; ok {
			h2.retries = attempt
			h2.reconnecting = true
		} else {
			m.handles[connectionID] = &handle{conn: handleConn(h), retries: attempt, reconnecting: true}
		}
		m.mu.Unlock()
	}
}

func handleConn(h *handle) Connection {
	if h == nil {
		return Connection{}
	}
	return h.conn
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectCap {
			return m.cfg.ReconnectCap
		}
	}
	if delay > m.cfg.ReconnectCap {
		return m.cfg.ReconnectCap
	}
	return delay
}

// healthLoop probes every connected adapter on one shared ticker. Probes run
// concurrently with a hard timeout so one slow adapter cannot stall the rest.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		targets := make(map[string]Adapter, len(m.handles))
		for id, h := range m.handles {
			if !h.stopping && !h.reconnecting {
				targets[id] = h.adapter
			}
		}
		m.mu.Unlock()

		var probes sync.WaitGroup
		for id, adapter := range targets {
			probes.Add(1)
			go func() {
				defer probes.Done()
				m.probe(id, adapter)
			}()
		}
		probes.Wait()
	}
}

func (m *Manager) probe(connectionID string, adapter Adapter) {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.HealthTimeout)
	health := adapter.HealthCheck(ctx)
	cancel()

	m.mu.Lock()
	h, ok := m.handles[connectionID]
	if !ok || h.stopping {
		m.mu.Unlock()
		return
	}
	if health.Healthy {
		h.failures = 0
		m.mu.Unlock()
		return
	}
	h.failures++
	failures := h.failures
	trigger := failures >= m.cfg.HealthThreshold && !h.reconnecting
	if trigger {
		h.failures = 0
		h.reconnecting = true
	}
	m.mu.Unlock()

	m.logger.Warn("health check failed",
		slog.String("connection_id", connectionID),
		slog.Int("consecutive", failures),
		slog.String("details", health.Details))
	if trigger {
		m.wg.Add(1)
		go m.reconnectLoop(connectionID)
	}
}

func (m *Manager) setStatus(conn Connection, status, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateStatus(ctx, conn.ID, status, detail); err != nil {
		m.logger.Warn("persist status failed",
			slog.String("connection_id", conn.ID), slog.Any("error", err))
	}
	if m.listener != nil {
		m.listener(conn, status, detail)
	}
}
