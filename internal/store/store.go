// Package store is the persistence adapter for document snapshots, presence
// blobs, and the append-only edit history.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventTypeEdit is the fixed event kind for collaborative changes.
const EventTypeEdit = "edit"

var (
	// ErrMissingDatabase indicates the store was built without a database.
	ErrMissingDatabase = errors.New("store: database connection required")
	// ErrInvalidSnapshot indicates a stored snapshot payload that cannot be
	// decoded back into bytes.
	ErrInvalidSnapshot = errors.New("store: invalid snapshot payload")
	// ErrInvalidRecord indicates a history record missing required fields.
	ErrInvalidRecord = errors.New("store: invalid history record")
)

// Snapshot is a loaded durable document state.
type Snapshot struct {
	State     []byte
	Presence  map[string]json.RawMessage
	UpdatedAt time.Time
}

// HistoryRecord describes one settled change to append.
type HistoryRecord struct {
	DocKey      string
	NoteID      string
	NotebookID  string
	ActorUserID string
	Summary     string
	Diff        []byte
}

// StoreConfig describes the dependencies required by the persistence adapter.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Store persists snapshots and history through key-scoped, independent
// operations; no cross-document transactions are used.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewStore constructs the persistence adapter.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, logger: logger, clock: clock}, nil
}

// Load fetches the latest snapshot for a document key. Absence is the
// expected case for a new document and is reported through the boolean, not
// an error. A stored payload that no longer decodes returns
// ErrInvalidSnapshot so the caller can fall back to an empty document.
func (s *Store) Load(ctx context.Context, docKey string) (Snapshot, bool, error) {
	var row DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("doc_key = ?", docKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	state, err := base64.StdEncoding.DecodeString(row.StateB64)
	if err != nil {
		return Snapshot{}, true, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	presence := map[string]json.RawMessage{}
	if row.PresenceJSON != "" {
		if err := json.Unmarshal([]byte(row.PresenceJSON), &presence); err != nil {
			// Presence is advisory; a corrupt blob must not block the document.
			s.logger.Warn("discarding unreadable presence blob",
				zap.String("doc_key", docKey), zap.Error(err))
			presence = map[string]json.RawMessage{}
		}
	}

	return Snapshot{
		State:     state,
		Presence:  presence,
		UpdatedAt: time.Unix(row.UpdatedAtSeconds, 0).UTC(),
	}, true, nil
}

// Save upserts the snapshot for a document key. Saving identical bytes twice
// is a no-op in effect: the row is last-write-wins on its key.
func (s *Store) Save(ctx context.Context, docKey string, state []byte, presence map[string]json.RawMessage) error {
	presenceJSON := ""
	if len(presence) > 0 {
		encoded, err := json.Marshal(presence)
		if err != nil {
			return err
		}
		presenceJSON = string(encoded)
	}

	row := DocumentSnapshot{
		DocKey:           docKey,
		StateB64:         base64.StdEncoding.EncodeToString(state),
		PresenceJSON:     presenceJSON,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_key"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// AppendHistory writes one history record. Each call is isolated: a failure
// here never rolls back or blocks the state change that triggered it.
func (s *Store) AppendHistory(ctx context.Context, record HistoryRecord) error {
	if record.DocKey == "" || record.ActorUserID == "" {
		return fmt.Errorf("%w: doc key and actor required", ErrInvalidRecord)
	}

	historyID, err := uuid.NewV7()
	if err != nil {
		return err
	}

	row := EditHistory{
		HistoryID:        historyID.String(),
		DocKey:           record.DocKey,
		NoteID:           record.NoteID,
		NotebookID:       record.NotebookID,
		ActorUserID:      record.ActorUserID,
		EventType:        EventTypeEdit,
		Summary:          record.Summary,
		DiffB64:          base64.StdEncoding.EncodeToString(record.Diff),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}
