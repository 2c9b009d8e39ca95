package access

// CollaboratorRole enumerates the grants a collaborator row can carry.
type CollaboratorRole string

const (
	// RoleEditor allows reading and editing a note.
	RoleEditor CollaboratorRole = "editor"
	// RoleViewer allows reading a note only.
	RoleViewer CollaboratorRole = "viewer"
)

// Note models the resource a document key resolves to. The note body itself
// lives in CRDT snapshots; this row carries ownership and grouping.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerUserID      string `gorm:"column:owner_user_id;size:190;not null;index"`
	NotebookID       string `gorm:"column:notebook_id;size:190;not null;default:'';index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteCollaborator grants a non-owner a role on a note.
type NoteCollaborator struct {
	NoteID           string           `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID           string           `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role             CollaboratorRole `gorm:"column:role;size:32;not null"`
	CreatedAtSeconds int64            `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteCollaborator) TableName() string {
	return "note_collaborators"
}

// NotebookMembership records a user's presence inside a notebook. The sync
// path only touches LastActiveAtSeconds and the display-name hint.
type NotebookMembership struct {
	NotebookID          string `gorm:"column:notebook_id;primaryKey;size:190;not null"`
	UserID              string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName         string `gorm:"column:display_name;size:320;not null;default:''"`
	LastActiveAtSeconds int64  `gorm:"column:last_active_at_s;not null;default:0"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NotebookMembership) TableName() string {
	return "notebook_memberships"
}
