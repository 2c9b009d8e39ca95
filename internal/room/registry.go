package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pressfield/inkwell/backend/internal/access"
	"github.com/pressfield/inkwell/backend/internal/crdt"
	"github.com/pressfield/inkwell/backend/internal/store"
	"github.com/pressfield/inkwell/backend/internal/tasks"
	"go.uber.org/zap"
)

const (
	defaultGracePeriod    = 30 * time.Second
	defaultSettleWindow   = 3 * time.Second
	defaultPersistRetries = 3
)

var (
	errMissingEngine = errors.New("room: crdt engine required")
	errMissingStore  = errors.New("room: persistence store required")
	errMissingTasks  = errors.New("room: task queue required")
)

// Stats is a point-in-time view of live rooms for the health surface.
type Stats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
}

// RegistryConfig describes the dependencies and tuning for the registry.
type RegistryConfig struct {
	Engine         crdt.Engine
	Store          *store.Store
	Tasks          *tasks.Queue
	Logger         *zap.Logger
	Clock          func() time.Time
	GracePeriod    time.Duration
	SettleWindow   time.Duration
	PersistRetries int
}

// Registry owns every live room, keyed by document key. At most one room
// exists per key; all sessions for that key share its replica.
type Registry struct {
	engine         crdt.Engine
	store          *store.Store
	tasks          *tasks.Queue
	logger         *zap.Logger
	clock          func() time.Time
	grace          time.Duration
	settle         time.Duration
	persistRetries int

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs the room registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Tasks == nil {
		return nil, errMissingTasks
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	settle := cfg.SettleWindow
	if settle <= 0 {
		settle = defaultSettleWindow
	}
	retries := cfg.PersistRetries
	if retries <= 0 {
		retries = defaultPersistRetries
	}
	return &Registry{
		engine:         cfg.Engine,
		store:          cfg.Store,
		tasks:          cfg.Tasks,
		logger:         logger,
		clock:          clock,
		grace:          grace,
		settle:         settle,
		persistRetries: retries,
		rooms:          make(map[string]*Room),
	}, nil
}

// Join admits the session into the room for its document key, creating and
// hydrating the room on first join. It blocks until the room is loaded or
// ctx is cancelled.
func (g *Registry) Join(ctx context.Context, session *Session) (*Room, error) {
	docKey := sessionDocKey(session)
	for {
		g.mu.Lock()
		current, exists := g.rooms[docKey]
		if !exists {
			current = newRoom(g, docKey, session.Grant)
			g.rooms[docKey] = current
			go current.load(context.Background())
		}
		g.mu.Unlock()

		select {
		case <-current.loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if current.admit(session) {
			return current, nil
		}
		// The room was reaped between lookup and admission; retry against a
		// fresh one.
	}
}

// Lookup returns the live room for a document key, if any.
func (g *Registry) Lookup(docKey string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	current, exists := g.rooms[docKey]
	return current, exists
}

// Snapshot reports live room and session counts.
func (g *Registry) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := Stats{Rooms: len(g.rooms)}
	for _, current := range g.rooms {
		current.mu.Lock()
		stats.Sessions += len(current.sessions)
		current.mu.Unlock()
	}
	return stats
}

// Shutdown flushes every room through the bounded-retry persist path. Rooms
// are discarded regardless of persist outcome; shutdown is never held open
// indefinitely.
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.Lock()
	remaining := make([]*Room, 0, len(g.rooms))
	for _, current := range g.rooms {
		remaining = append(remaining, current)
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	for _, current := range remaining {
		current.mu.Lock()
		current.defunct = true
		if current.graceTimer != nil {
			current.graceTimer.Stop()
		}
		if current.settleTimer != nil {
			current.settleTimer.Stop()
		}
		current.mu.Unlock()
		current.persistFinal()

		select {
		case <-ctx.Done():
			g.logger.Warn("shutdown window elapsed before all rooms flushed")
			return
		default:
		}
	}
}

// reap tears the room down after its grace timer fires with no sessions.
func (g *Registry) reap(target *Room) {
	target.mu.Lock()
	if len(target.sessions) > 0 || target.state != StateDraining || target.defunct {
		target.mu.Unlock()
		return
	}
	target.defunct = true
	if target.settleTimer != nil {
		target.settleTimer.Stop()
		target.settleTimer = nil
	}
	target.mu.Unlock()

	g.mu.Lock()
	if g.rooms[target.key] == target {
		delete(g.rooms, target.key)
	}
	g.mu.Unlock()

	target.persistFinal()
	g.logger.Info("room unloaded", zap.String("doc_key", target.key))
}

func sessionDocKey(session *Session) string {
	return access.DocumentKey(session.Grant.NoteID)
}
