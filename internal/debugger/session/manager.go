// Package session implements the Session Manager: a capacity-capped
// registry of debugger sessions, each owning its own driver, command
// tracker, result cache, and isolated command queue, plus the background
// idle-expiry and health-sweep goroutines that keep the registry honest.
package session

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capulus/dbgnexus/internal/common/appctx"
	"github.com/capulus/dbgnexus/internal/common/config"
	apperrors "github.com/capulus/dbgnexus/internal/common/errors"
	"github.com/capulus/dbgnexus/internal/common/logger"
	"github.com/capulus/dbgnexus/internal/debugger/cache"
	"github.com/capulus/dbgnexus/internal/debugger/driver"
	"github.com/capulus/dbgnexus/internal/debugger/extension"
	"github.com/capulus/dbgnexus/internal/debugger/queue"
	"github.com/capulus/dbgnexus/internal/debugger/recovery"
	"github.com/capulus/dbgnexus/internal/debugger/timeoutsvc"
	"github.com/capulus/dbgnexus/internal/debugger/tracker"
	"github.com/capulus/dbgnexus/internal/debugger/types"
	"github.com/capulus/dbgnexus/internal/events"
	"github.com/capulus/dbgnexus/internal/events/bus"
)

// sessionIDPattern validates the "sess-NNNNNN-hhhhhhhh" ID format: a
// six-digit monotonic counter followed by an 8-character hex disambiguator.
var sessionIDPattern = regexp.MustCompile(`^sess-\d{6}-[0-9a-f]{8}$`)

// Handle bundles everything the MCP tool layer needs for one open session.
type Handle struct {
	Session *types.Session
	Driver  *driver.Driver
	Tracker *tracker.Tracker
	Cache   *cache.Cache
	Queue   *queue.Queue
	ExtJobs *extension.Tracker

	recovery *recovery.Controller
	cancel   context.CancelFunc
}

// Manager owns every open session.
type Manager struct {
	cfg    config.SessionConfig
	driverCfg config.DriverConfig
	cacheCfg  config.CacheConfig
	logger *logger.Logger
	notifier queue.Notifier

	mu       sync.RWMutex
	sessions map[string]*Handle
	counter  atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithNotifier wires a Notifier (typically the server's event bus) so the
// manager publishes session.opened/session.closed/server.health events and
// every queue it creates publishes command lifecycle events.
func WithNotifier(n queue.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// noopNotifier discards every event; the default when no bus is wired.
type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, string, *bus.Event) error { return nil }

// NewManager creates a Manager configured per cfg. Call StartSweeps to
// begin idle-expiry and health-check background goroutines.
func NewManager(cfg config.SessionConfig, driverCfg config.DriverConfig, cacheCfg config.CacheConfig, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		driverCfg: driverCfg,
		cacheCfg:  cacheCfg,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		notifier:  noopNotifier{},
		sessions:  make(map[string]*Handle),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// publishSessionStatus fires a session-lifecycle event without blocking the
// caller.
func (m *Manager) publishSessionStatus(eventType, sessionID, target, detail string) {
	status := bus.SessionStatus{SessionID: sessionID, Target: target, Detail: detail}
	go func() {
		if err := m.notifier.Publish(context.Background(), events.BuildCommandSubject(sessionID), bus.NewSessionStatusEvent(eventType, "dbgnexus-session", status)); err != nil {
			m.logger.Warn("failed to publish session event", zap.String("event_type", eventType), zap.Error(err))
		}
	}()
}

// Open validates target, starts a new driver against it, and registers a
// new session. target must be an existing dump file path or a non-empty
// live-attach spec. symbolsPath is optional and, if set, is passed to the
// debugger as its symbol search path.
func (m *Manager) Open(ctx context.Context, target, symbolsPath string) (*Handle, error) {
	m.mu.Lock()
	if current := len(m.sessions); current >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, apperrors.SessionLimitExceeded(current, m.cfg.MaxSessions)
	}
	m.mu.Unlock()

	if target == "" {
		return nil, apperrors.InvalidInput("target must be a dump file path or attach spec")
	}
	if looksLikePath(target) {
		if _, err := os.Stat(target); err != nil {
			return nil, apperrors.InvalidInput("Dump file does not exist: %s", target)
		}
	}

	id := m.nextSessionID()
	log := m.logger.WithSessionID(id)

	drv := driver.New(m.driverCfg, log)
	if err := drv.Start(ctx, target, symbolsPath); err != nil {
		return nil, err
	}

	trk := tracker.New()
	c := cache.New(m.cacheCfg.MaxEntries, m.cacheCfg.MaxBytes)
	ts := timeoutsvc.New()
	q := queue.New(id, drv, trk, c, ts, m.cfg.MaxQueueDepth, log, queue.WithNotifier(m.notifier))

	sessionCtx, cancel := appctx.Detached(ctx, m.stopCh, 24*time.Hour)
	q.Start(sessionCtx)
	if err := q.WaitReady(ctx); err != nil {
		cancel()
		_ = drv.Stop(ctx)
		return nil, err
	}

	sess := &types.Session{
		ID:           id,
		Target:       target,
		SymbolsPath:  symbolsPath,
		Status:       types.SessionActive,
		CreatedAt:    time.Now(),
		LastActiveAt: time.Now(),
	}

	h := &Handle{Session: sess, Driver: drv, Tracker: trk, Cache: c, Queue: q, ExtJobs: extension.New(), cancel: cancel}
	h.recovery = recovery.New(func(ctx context.Context) error {
		return drv.Start(ctx, target, symbolsPath)
	})

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()

	log.Info("session opened", zap.String("target", target))
	m.publishSessionStatus(events.SessionOpened, id, target, "")
	return h, nil
}

// Get returns the handle for sessionID, touching its last-active timestamp.
func (m *Manager) Get(sessionID string) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	h.Session.LastActiveAt = time.Now()
	return h, nil
}

// TryGetQueue returns the queue for sessionID only if it is ready to accept
// commands, distinguishing "not found" from "exists but still starting".
func (m *Manager) TryGetQueue(sessionID string) (*queue.Queue, error) {
	h, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !h.Queue.IsReady() {
		return nil, apperrors.QueueNotReady(sessionID)
	}
	return h.Queue, nil
}

// Close stops a session's driver and queue and removes it from the registry.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.SessionNotFound(sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	h.Session.Status = types.SessionClosing
	h.Queue.CancelAll()
	h.cancel()
	err := h.Driver.Stop(ctx)
	h.Session.Status = types.SessionClosed
	m.logger.Info("session closed", zap.String("session_id", sessionID))
	m.publishSessionStatus(events.SessionClosed, sessionID, "", "")
	return err
}

// List returns a snapshot of every open session.
func (m *Manager) List() []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*types.Session, 0, len(m.sessions))
	for _, h := range m.sessions {
		snapshot := *h.Session
		result = append(result, &snapshot)
	}
	return result
}

// StartSweeps launches the idle-expiry and health-check background
// goroutines, ticking independently of any single request's lifetime.
func (m *Manager) StartSweeps(ctx context.Context) {
	go m.sweepLoop(ctx)
}

// Shutdown stops every open session and the sweep goroutines.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopCh)

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			m.logger.Warn("error closing session during shutdown", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	idleTicker := time.NewTicker(m.cfg.HealthSweepInterval())
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-idleTicker.C:
			m.sweepIdle(ctx)
			m.sweepHealth(ctx)
		}
	}
}

func (m *Manager) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout())

	m.mu.RLock()
	var expired []string
	for id, h := range m.sessions {
		if h.Session.LastActiveAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info("closing idle session", zap.String("session_id", id))
		if err := m.Close(ctx, id); err != nil {
			m.logger.Warn("failed to close idle session", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) sweepHealth(ctx context.Context) {
	m.mu.RLock()
	var unhealthy []*Handle
	for _, h := range m.sessions {
		if !h.Driver.IsActive() && h.Session.Status == types.SessionActive {
			unhealthy = append(unhealthy, h)
		}
	}
	m.mu.RUnlock()

	for _, h := range unhealthy {
		h.Session.Status = types.SessionRecovering
		m.logger.Warn("debugger child unhealthy, attempting recovery", zap.String("session_id", h.Session.ID))
		m.publishSessionStatus(events.SessionRecovering, h.Session.ID, "", "")

		// Recovery protocol: stop whatever is left of the child, fail every
		// in-flight command with a fixed message (not Cancelled -- the
		// client's request never ran to completion), then retry start.
		_ = h.Driver.Stop(ctx)
		h.Queue.CancelAllForRecovery()

		if err := h.recovery.Recover(ctx); err != nil {
			h.Session.Status = types.SessionError
			h.Queue.CancelAllForRecovery() // drain anything queued meanwhile as Failed
			m.logger.Error("session recovery failed", zap.String("session_id", h.Session.ID), zap.Error(err))
			m.publishSessionStatus(events.SessionRecovering, h.Session.ID, "", "error")
			continue
		}
		h.Session.Status = types.SessionActive
	}

	m.publishServerHealth()
}

// publishServerHealth emits a point-in-time snapshot of driver/queue
// occupancy across every open session, consumed by external health dashboards.
func (m *Manager) publishServerHealth() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	activeDrivers := 0
	queueDepth := 0
	executing := 0
	for _, h := range m.sessions {
		if h.Driver.IsActive() {
			activeDrivers++
		}
		status := h.Queue.Status()
		queueDepth += status.Depth
		if status.CurrentCommand != nil {
			executing++
		}
	}

	health := bus.ServerHealth{
		Sessions:       len(m.sessions),
		ActiveDrivers:  activeDrivers,
		QueueDepth:     queueDepth,
		ActiveCommands: executing,
	}
	go func() {
		if err := m.notifier.Publish(context.Background(), events.ServerHealth, bus.NewServerHealthEvent(events.ServerHealth, "dbgnexus-session", health)); err != nil {
			m.logger.Warn("failed to publish server health event", zap.Error(err))
		}
	}()
}

func (m *Manager) nextSessionID() string {
	n := m.counter.Add(1)
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("sess-%06d-%s", n%1_000_000, suffix)
}

// looksLikePath is a conservative heuristic: attach specs are typically
// "host:port" or a bare process name, dump targets are filesystem paths.
func looksLikePath(target string) bool {
	return len(target) > 0 && (target[0] == '/' || target[0] == '.' || regexp.MustCompile(`^[A-Za-z]:[\\/]`).MatchString(target) || regexp.MustCompile(`\.(dmp|core)$`).MatchString(target))
}
