// Package access resolves document keys to per-user permission grants.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressfield/inkwell/backend/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	documentKeyPrefix   = "note:"
	maxIdentifierLength = 190
)

var (
	// ErrInvalidDocumentKey indicates a key outside the note:<id> scheme.
	ErrInvalidDocumentKey = errors.New("access: invalid document key")
	// ErrAccessDenied indicates the user holds no grant on the resource.
	ErrAccessDenied = errors.New("access: denied")
	// ErrMissingDatabase indicates the resolver was built without a database.
	ErrMissingDatabase = errors.New("access: database connection required")
)

// Grant is an immutable permission descriptor for one user on one document.
type Grant struct {
	NoteID     string
	NotebookID string
	CanRead    bool
	CanEdit    bool
}

// ParseDocumentKey extracts the note identifier from a document key.
func ParseDocumentKey(docKey string) (string, error) {
	trimmed := strings.TrimSpace(docKey)
	if !strings.HasPrefix(trimmed, documentKeyPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentKey, docKey)
	}
	noteID := trimmed[len(documentKeyPrefix):]
	if noteID == "" || len(noteID) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentKey, docKey)
	}
	return noteID, nil
}

// DocumentKey builds the canonical key for a note identifier.
func DocumentKey(noteID string) string {
	return documentKeyPrefix + noteID
}

// ResolverConfig describes the dependencies required for grant resolution.
type ResolverConfig struct {
	Database *gorm.DB
	Tasks    *tasks.Queue
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Resolver looks up a caller's relationship to the note behind a document key.
type Resolver struct {
	db     *gorm.DB
	tasks  *tasks.Queue
	logger *zap.Logger
	clock  func() time.Time
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
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
	return &Resolver{
		db:     cfg.Database,
		tasks:  cfg.Tasks,
		logger: logger,
		clock:  clock,
	}, nil
}

// Resolve returns the caller's grant on the document, or ErrAccessDenied.
// Unknown and deleted notes resolve as denied rather than revealing whether
// the resource exists. A write-capable resolution touches the caller's
// notebook membership in the background; that side effect never blocks or
// fails the resolution.
func (r *Resolver) Resolve(ctx context.Context, docKey, userID string) (Grant, error) {
	noteID, err := ParseDocumentKey(docKey)
	if err != nil {
		return Grant{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return Grant{}, fmt.Errorf("%w: empty user id", ErrAccessDenied)
	}

	var note Note
	err = r.db.WithContext(ctx).
		Where("note_id = ? AND is_deleted = ?", noteID, false).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Grant{}, fmt.Errorf("%w: no grant on %s", ErrAccessDenied, docKey)
	}
	if err != nil {
		return Grant{}, err
	}

	grant := Grant{NoteID: noteID, NotebookID: note.NotebookID}
	switch {
	case note.OwnerUserID == userID:
		grant.CanRead = true
		grant.CanEdit = true
	default:
		var collaborator NoteCollaborator
		err = r.db.WithContext(ctx).
			Where("note_id = ? AND user_id = ?", noteID, userID).
			Take(&collaborator).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Grant{}, fmt.Errorf("%w: no grant on %s", ErrAccessDenied, docKey)
		}
		if err != nil {
			return Grant{}, err
		}
		grant.CanRead = true
		grant.CanEdit = collaborator.Role == RoleEditor
	}

	if grant.CanEdit && grant.NotebookID != "" {
		r.scheduleMembershipTouch(grant.NotebookID, userID, "")
	}

	return grant, nil
}

// TouchMembership upserts the user's last-active marker in a notebook.
func (r *Resolver) TouchMembership(ctx context.Context, notebookID, userID, displayName string) error {
	now := r.clock().UTC().Unix()
	membership := NotebookMembership{
		NotebookID:          notebookID,
		UserID:              userID,
		DisplayName:         displayName,
		LastActiveAtSeconds: now,
		CreatedAtSeconds:    now,
	}
	assignments := map[string]interface{}{"last_active_at_s": now}
	if displayName != "" {
		assignments["display_name"] = displayName
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "notebook_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&membership).Error
}

func (r *Resolver) scheduleMembershipTouch(notebookID, userID, displayName string) {
	if r.tasks == nil {
		return
	}
	r.tasks.Submit("membership-touch", func(ctx context.Context) error {
		if err := r.TouchMembership(ctx, notebookID, userID, displayName); err != nil {
			return fmt.Errorf("touch membership %s/%s: %w", notebookID, userID, err)
		}
		return nil
	})
}
