// Package room owns live document rooms: the in-memory replica, its
// connected sessions, and the persistence lifecycle around both.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pressfield/inkwell/backend/internal/access"
	"github.com/pressfield/inkwell/backend/internal/crdt"
	"github.com/pressfield/inkwell/backend/internal/store"
	"go.uber.org/zap"
)

// State is a room's lifecycle position. A room not present in the registry
// is Empty.
type State string

const (
	// StateLoading means the snapshot hydrate is in flight.
	StateLoading State = "loading"
	// StateActive means the room accepts joins, updates, and presence.
	StateActive State = "active"
	// StateDraining means the last session left and the grace timer runs.
	StateDraining State = "draining"
)

// Room is the collaboration unit for one document key. All replica and
// session-set mutations are serialized through its mutex, so updates merge
// and broadcast in receipt order.
type Room struct {
	key      string
	noteID   string
	registry *Registry

	mu       sync.Mutex
	state    State
	defunct  bool
	replica  crdt.Replica
	sessions map[string]*Session
	presence map[string]json.RawMessage

	notebookID   string
	dirty        bool
	lastDelta    []byte
	lastActor    string
	lastActivity time.Time

	settleTimer *time.Timer
	graceTimer  *time.Timer

	loaded chan struct{}
}

// Key returns the document key the room serves.
func (r *Room) Key() string {
	return r.key
}

// State reports the room's current lifecycle state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionCount reports the number of connected sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// load hydrates the replica from the persisted snapshot. Decode failures are
// logged and treated as an absent snapshot: a corrupt document must still
// become editable rather than locking out all users.
func (r *Room) load(ctx context.Context) {
	snapshot, found, err := r.registry.store.Load(ctx, r.key)
	if err != nil {
		r.registry.logger.Warn("snapshot load degraded, starting empty",
			zap.String("doc_key", r.key), zap.Error(err))
		found = false
	}

	var state []byte
	presence := map[string]json.RawMessage{}
	if found {
		state = snapshot.State
		if snapshot.Presence != nil {
			presence = snapshot.Presence
		}
	}

	replica, err := crdt.DecodeOrEmpty(r.registry.engine, state)
	if err != nil {
		r.registry.logger.Warn("snapshot undecodable, starting empty",
			zap.String("doc_key", r.key), zap.Error(err))
	}

	r.mu.Lock()
	r.replica = replica
	r.presence = presence
	r.state = StateActive
	r.lastActivity = r.registry.clock()
	if len(r.sessions) == 0 {
		r.startGraceLocked()
	}
	r.mu.Unlock()

	close(r.loaded)
}

// admit adds a session after the room is loaded and queues its initial sync
// frame. It reports false when the room was torn down before the session
// could be added; the caller retries against a fresh room.
func (r *Room) admit(session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defunct {
		return false
	}

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	r.state = StateActive
	r.sessions[session.ID] = session
	r.lastActivity = r.registry.clock()

	// The initial frame precedes any broadcast the session can observe.
	synced := session.send(Message{
		Type:     MessageSync,
		State:    r.replica.EncodeState(),
		Presence: clonePresence(r.presence),
	})
	if !synced {
		r.registry.logger.Warn("initial sync frame dropped",
			zap.String("doc_key", r.key), zap.String("session_id", session.ID))
	}
	return true
}

// Apply merges an inbound update from the session and fans the resulting
// delta out to every other session, in arrival order. Updates from read-only
// sessions are policy violations: dropped and logged, never merged, and the
// connection stays alive.
func (r *Room) Apply(session *Session, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defunct {
		return nil
	}

	if !session.Grant.CanEdit {
		r.registry.logger.Warn("update from read-only session dropped",
			zap.String("doc_key", r.key),
			zap.String("user_id", session.UserID),
			zap.String("session_id", session.ID))
		return nil
	}

	delta, changed, err := r.replica.ApplyUpdate(update)
	if err != nil {
		return fmt.Errorf("apply update in %s: %w", r.key, err)
	}
	r.lastActivity = r.registry.clock()
	if !changed {
		return nil
	}

	message := Message{Type: MessageUpdate, Update: delta}
	for id, peer := range r.sessions {
		if id == session.ID {
			continue
		}
		if !peer.send(message) {
			r.registry.logger.Warn("update frame dropped for slow session",
				zap.String("doc_key", r.key), zap.String("session_id", id))
		}
	}

	r.dirty = true
	r.lastDelta = delta
	r.lastActor = session.UserID
	r.scheduleSettleLocked()
	return nil
}

// UpdatePresence replaces the session's presence payload and broadcasts the
// aggregated map to the whole room. The map is also persisted alongside the
// document so a returning client sees last-known presence; failures there
// are logged only.
func (r *Room) UpdatePresence(session *Session, payload json.RawMessage) {
	r.mu.Lock()
	if r.defunct {
		r.mu.Unlock()
		return
	}

	r.presence[session.UserID] = payload
	r.lastActivity = r.registry.clock()
	aggregated := clonePresence(r.presence)
	r.broadcastPresenceLocked(aggregated)
	state := r.replica.EncodeState()
	r.mu.Unlock()

	r.registry.tasks.Submit("presence-persist", func(ctx context.Context) error {
		if err := r.registry.store.Save(ctx, r.key, state, aggregated); err != nil {
			return fmt.Errorf("persist presence for %s: %w", r.key, err)
		}
		return nil
	})
}

// Leave removes the session. When the last session leaves the room starts
// draining; a rejoin within the grace period cancels the drain without a
// reload from storage.
func (r *Room) Leave(session *Session) {
	r.mu.Lock()
	if _, present := r.sessions[session.ID]; !present {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, session.ID)

	if !r.userStillConnectedLocked(session.UserID) {
		delete(r.presence, session.UserID)
	}
	r.broadcastPresenceLocked(clonePresence(r.presence))

	if len(r.sessions) == 0 && !r.defunct {
		r.startGraceLocked()
	}
	r.mu.Unlock()
}

func (r *Room) userStillConnectedLocked(userID string) bool {
	for _, peer := range r.sessions {
		if peer.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Room) broadcastPresenceLocked(aggregated map[string]json.RawMessage) {
	message := Message{Type: MessagePresence, Presence: aggregated}
	for id, peer := range r.sessions {
		if !peer.send(message) {
			r.registry.logger.Warn("presence frame dropped for slow session",
				zap.String("doc_key", r.key), zap.String("session_id", id))
		}
	}
}

func (r *Room) startGraceLocked() {
	r.state = StateDraining
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.graceTimer = time.AfterFunc(r.registry.grace, func() {
		r.registry.reap(r)
	})
}

// scheduleSettleLocked debounces persistence: rapid updates collapse into one
// snapshot write and one history record per settle window.
func (r *Room) scheduleSettleLocked() {
	if r.settleTimer != nil {
		return
	}
	r.settleTimer = time.AfterFunc(r.registry.settle, r.flush)
}

// flush persists the current state and appends a history record for the
// settled change. Persistence hiccups are invisible to editing sessions.
func (r *Room) flush() {
	r.mu.Lock()
	r.settleTimer = nil
	if !r.dirty || r.defunct {
		r.mu.Unlock()
		return
	}
	state := r.replica.EncodeState()
	presence := clonePresence(r.presence)
	delta := r.lastDelta
	actor := r.lastActor
	r.dirty = false
	r.lastDelta = nil
	notebookID := r.notebookID
	r.mu.Unlock()

	if err := r.registry.store.Save(context.Background(), r.key, state, presence); err != nil {
		r.registry.logger.Warn("settled snapshot persist failed",
			zap.String("doc_key", r.key), zap.Error(err))
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}

	r.registry.tasks.Submit("history-append", func(ctx context.Context) error {
		record := store.HistoryRecord{
			DocKey:      r.key,
			NoteID:      r.noteID,
			NotebookID:  notebookID,
			ActorUserID: actor,
			Summary:     "collaborative edit",
			Diff:        delta,
		}
		if err := r.registry.store.AppendHistory(ctx, record); err != nil {
			return fmt.Errorf("append history for %s: %w", r.key, err)
		}
		return nil
	})
}

// persistFinal is the drain-time flush: bounded retries, then the failure is
// logged as data loss and the replica discarded anyway.
func (r *Room) persistFinal() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	state := r.replica.EncodeState()
	presence := clonePresence(r.presence)
	r.dirty = false
	r.mu.Unlock()

	var err error
	for attempt := 1; attempt <= r.registry.persistRetries; attempt++ {
		if err = r.registry.store.Save(context.Background(), r.key, state, presence); err == nil {
			return
		}
		r.registry.logger.Warn("final persist attempt failed",
			zap.String("doc_key", r.key), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	r.registry.logger.Error("final persist exhausted retries, discarding unpersisted state",
		zap.String("doc_key", r.key), zap.Error(err))
}

func newRoom(registry *Registry, key string, grant access.Grant) *Room {
	return &Room{
		key:        key,
		noteID:     grant.NoteID,
		notebookID: grant.NotebookID,
		registry:   registry,
		state:      StateLoading,
		sessions:   make(map[string]*Session),
		presence:   make(map[string]json.RawMessage),
		loaded:     make(chan struct{}),
	}
}

func clonePresence(presence map[string]json.RawMessage) map[string]json.RawMessage {
	cloned := make(map[string]json.RawMessage, len(presence))
	for user, payload := range presence {
		cloned[user] = payload
	}
	return cloned
}
