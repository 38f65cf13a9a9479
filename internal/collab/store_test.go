package collab

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	counter int64
}

func (s *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", atomic.AddInt64(&s.counter, 1)), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:collab_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&Project{}, &ProjectMember{}, &DocumentState{},
		&Branch{}, &Version{}, &MergeEvent{}, &PresenceRecord{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1755000000, 0) },
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func seedProject(t *testing.T, store *Store, projectID, ownerID string) {
	t.Helper()
	project := Project{
		ProjectID:        projectID,
		OwnerID:          ownerID,
		Name:             "Test Project",
		CreatedAtSeconds: 1755000000,
	}
	if err := store.db.Create(&project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func seedMember(t *testing.T, store *Store, projectID, userID string, role Role) {
	t.Helper()
	member := ProjectMember{ProjectID: projectID, UserID: userID, Role: role.String()}
	if err := store.db.Create(&member).Error; err != nil {
		t.Fatalf("seed member: %v", err)
	}
}

func mustDocumentID(t *testing.T, raw string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(raw)
	if err != nil {
		t.Fatalf("NewDocumentID(%q): %v", raw, err)
	}
	return id
}

func mustProjectID(t *testing.T, raw string) ProjectID {
	t.Helper()
	id, err := NewProjectID(raw)
	if err != nil {
		t.Fatalf("NewProjectID(%q): %v", raw, err)
	}
	return id
}

func mustUserID(t *testing.T, raw string) UserID {
	t.Helper()
	id, err := NewUserID(raw)
	if err != nil {
		t.Fatalf("NewUserID(%q): %v", raw, err)
	}
	return id
}

func TestSaveAndLoadState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc-1")
	projectID := mustProjectID(t, "project-1")

	if _, found, err := store.LoadState(ctx, documentID); err != nil || found {
		t.Fatalf("expected no state yet, found=%v err=%v", found, err)
	}

	if err := store.SaveState(ctx, documentID, projectID, "Zmlyc3Q="); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveState(ctx, documentID, projectID, "c2Vjb25k"); err != nil {
		t.Fatalf("second save must upsert: %v", err)
	}

	stored, found, err := store.LoadState(ctx, documentID)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if stored != "c2Vjb25k" {
		t.Fatalf("expected latest blob, got %q", stored)
	}
}

func TestResolveRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	projectID := mustProjectID(t, "project-1")
	seedProject(t, store, "project-1", "owner-1")
	seedMember(t, store, "project-1", "editor-1", RoleEditor)
	seedMember(t, store, "project-1", "reader-1", RoleReader)

	testCases := []struct {
		userID string
		want   Role
	}{
		{userID: "owner-1", want: RoleOwner},
		{userID: "editor-1", want: RoleEditor},
		{userID: "reader-1", want: RoleReader},
	}
	for _, testCase := range testCases {
		got, err := store.ResolveRole(ctx, projectID, mustUserID(t, testCase.userID))
		if err != nil {
			t.Fatalf("ResolveRole(%s): %v", testCase.userID, err)
		}
		if got != testCase.want {
			t.Fatalf("ResolveRole(%s) = %s, want %s", testCase.userID, got, testCase.want)
		}
	}

	if _, err := store.ResolveRole(ctx, projectID, mustUserID(t, "stranger")); !errors.Is(err, ErrNoRole) {
		t.Fatalf("expected ErrNoRole, got %v", err)
	}
	if _, err := store.ResolveRole(ctx, mustProjectID(t, "missing"), mustUserID(t, "owner-1")); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestPresenceLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	projectID := mustProjectID(t, "project-1")
	documentID := mustDocumentID(t, "doc-1")

	update := PresenceUpdate{
		ProjectID:  projectID,
		UserID:     mustUserID(t, "user-1"),
		DocumentID: &documentID,
		Status:     PresenceOnline,
		CursorJSON: `{"anchor":3}`,
		Color:      "#2a9d8f",
	}
	if err := store.UpdatePresence(ctx, update); err != nil {
		t.Fatalf("first presence write: %v", err)
	}
	update.CursorJSON = `{"anchor":9}`
	if err := store.UpdatePresence(ctx, update); err != nil {
		t.Fatalf("presence upsert: %v", err)
	}

	records, err := store.ListPresence(ctx, projectID)
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected single upserted row, got %d", len(records))
	}
	if records[0].CursorJSON != `{"anchor":9}` || records[0].Status != string(PresenceOnline) {
		t.Fatalf("unexpected presence row: %+v", records[0])
	}
}

func TestCleanupStalePresence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []PresenceRecord{
		{ProjectID: "project-1", UserID: "stale-1", Status: string(PresenceOnline), UpdatedAtSeconds: 1755000000 - 600},
		{ProjectID: "project-1", UserID: "fresh-1", Status: string(PresenceOnline), UpdatedAtSeconds: 1755000000 - 10},
		{ProjectID: "project-1", UserID: "gone-1", Status: string(PresenceOffline), UpdatedAtSeconds: 1755000000 - 600},
	}
	for i := range rows {
		if err := store.db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("seed presence: %v", err)
		}
	}

	swept, err := store.CleanupStalePresence(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept row, got %d", swept)
	}

	records, err := store.ListPresence(ctx, mustProjectID(t, "project-1"))
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	for _, record := range records {
		switch record.UserID {
		case "stale-1":
			if record.Status != string(PresenceOffline) {
				t.Fatalf("stale row not aged out: %+v", record)
			}
		case "fresh-1":
			if record.Status != string(PresenceOnline) {
				t.Fatalf("fresh row must stay online: %+v", record)
			}
		}
	}
}
