package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDatabaseSequence int

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	testDatabaseSequence++
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", testDatabaseSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&DocumentSnapshot{}, &EditHistory{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	s, err := NewStore(StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return s, db
}

func TestLoadReportsAbsenceWithoutError(t *testing.T) {
	s, _ := newTestStore(t)

	_, found, err := s.Load(context.Background(), "note:missing")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if found {
		t.Fatal("expected no snapshot for unknown key")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)

	presence := map[string]json.RawMessage{
		"user-1": json.RawMessage(`{"name":"Ada","color":"#f00"}`),
	}
	if err := s.Save(context.Background(), "note:abc", []byte("state-bytes"), presence); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	snapshot, found, err := s.Load(context.Background(), "note:abc")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !found {
		t.Fatal("expected snapshot to be found")
	}
	if string(snapshot.State) != "state-bytes" {
		t.Fatalf("expected state round trip, got %q", snapshot.State)
	}
	if string(snapshot.Presence["user-1"]) != `{"name":"Ada","color":"#f00"}` {
		t.Fatalf("expected presence round trip, got %s", snapshot.Presence["user-1"])
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	s, db := newTestStore(t)

	if err := s.Save(context.Background(), "note:abc", []byte("same"), nil); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := s.Save(context.Background(), "note:abc", []byte("same"), nil); err != nil {
		t.Fatalf("unexpected repeat save error: %v", err)
	}

	var count int64
	if err := db.Model(&DocumentSnapshot{}).Where("doc_key = ?", "note:abc").Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single snapshot row, got %d", count)
	}

	snapshot, _, err := s.Load(context.Background(), "note:abc")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if string(snapshot.State) != "same" {
		t.Fatalf("expected stored state unchanged, got %q", snapshot.State)
	}
}

func TestSaveOverwritesPreviousState(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save(context.Background(), "note:abc", []byte("first"), nil); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := s.Save(context.Background(), "note:abc", []byte("second"), nil); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	snapshot, _, err := s.Load(context.Background(), "note:abc")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if string(snapshot.State) != "second" {
		t.Fatalf("expected last write to win, got %q", snapshot.State)
	}
}

func TestLoadSurfacesCorruptStatePayload(t *testing.T) {
	s, db := newTestStore(t)

	row := DocumentSnapshot{DocKey: "note:bad", StateB64: "~~~not-base64~~~", UpdatedAtSeconds: 1}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed corrupt snapshot: %v", err)
	}

	_, found, err := s.Load(context.Background(), "note:bad")
	if !found {
		t.Fatal("expected corrupt snapshot to be reported as present")
	}
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
	}
}

func TestLoadDiscardsCorruptPresenceBlob(t *testing.T) {
	s, db := newTestStore(t)

	row := DocumentSnapshot{DocKey: "note:abc", StateB64: "", PresenceJSON: "{corrupt", UpdatedAtSeconds: 1}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}

	snapshot, found, err := s.Load(context.Background(), "note:abc")
	if err != nil || !found {
		t.Fatalf("expected load to succeed, found=%v err=%v", found, err)
	}
	if len(snapshot.Presence) != 0 {
		t.Fatalf("expected corrupt presence to be discarded, got %v", snapshot.Presence)
	}
}

func TestAppendHistoryCreatesEditRecords(t *testing.T) {
	s, db := newTestStore(t)

	record := HistoryRecord{
		DocKey:      "note:abc",
		NoteID:      "abc",
		NotebookID:  "nb-1",
		ActorUserID: "user-1",
		Summary:     "collaborative edit",
		Diff:        []byte("delta"),
	}
	if err := s.AppendHistory(context.Background(), record); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := s.AppendHistory(context.Background(), record); err != nil {
		t.Fatalf("unexpected second append error: %v", err)
	}

	var rows []EditHistory
	if err := db.Where("doc_key = ?", "note:abc").Find(&rows).Error; err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two append-only records, got %d", len(rows))
	}
	for _, row := range rows {
		if row.EventType != EventTypeEdit {
			t.Fatalf("expected edit event type, got %s", row.EventType)
		}
		if row.ActorUserID != "user-1" {
			t.Fatalf("expected actor user-1, got %s", row.ActorUserID)
		}
	}
}

func TestAppendHistoryRejectsIncompleteRecord(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.AppendHistory(context.Background(), HistoryRecord{DocKey: "note:abc"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}
