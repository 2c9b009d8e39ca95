package store

// DocumentSnapshot stores the durable encoded state and last-known presence
// for one document key.
type DocumentSnapshot struct {
	DocKey           string `gorm:"column:doc_key;primaryKey;size:190;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	PresenceJSON     string `gorm:"column:presence_json;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// EditHistory is an append-only record of settled collaborative changes.
type EditHistory struct {
	HistoryID        string `gorm:"column:history_id;primaryKey;size:190;not null"`
	DocKey           string `gorm:"column:doc_key;size:190;not null;index:idx_history_doc_time,priority:1"`
	NoteID           string `gorm:"column:note_id;size:190;not null"`
	NotebookID       string `gorm:"column:notebook_id;size:190;not null;default:''"`
	ActorUserID      string `gorm:"column:actor_user_id;size:190;not null"`
	EventType        string `gorm:"column:event_type;size:32;not null"`
	Summary          string `gorm:"column:summary;size:320;not null;default:''"`
	DiffB64          string `gorm:"column:diff_b64;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_history_doc_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EditHistory) TableName() string {
	return "edit_history"
}
