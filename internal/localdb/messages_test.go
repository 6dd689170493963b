package localdb

import (
	"path/filepath"
	"testing"

	"github.com/nantokaworks/streamlive/internal/domain"
)

func setupTestDB(t *testing.T) {
	t.Helper()

	if DBClient != nil {
		_ = DBClient.Close()
		DBClient = nil
	}

	dbPath := filepath.Join(t.TempDir(), "local.db")
	db, err := SetupDB(dbPath)
	if err != nil {
		t.Fatalf("SetupDB failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		DBClient = nil
	})
}

func TestSetupDB_FailedSetupInstallsNoSingleton(t *testing.T) {
	if DBClient != nil {
		_ = DBClient.Close()
		DBClient = nil
	}

	// A directory path cannot be opened as a database file, so the first
	// schema statement fails.
	if _, err := SetupDB(t.TempDir()); err == nil {
		t.Fatalf("SetupDB should fail for a directory path")
	}
	if DBClient != nil {
		t.Fatalf("failed setup must not install the singleton")
	}
}

func TestInsertMessage_DuplicateIgnored(t *testing.T) {
	setupTestDB(t)

	msg := domain.Message{ID: "m1", Kind: domain.KindChat, UserID: "u1", Text: "hi", TS: 100}

	inserted, err := InsertMessage("s1", msg)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if !inserted {
		t.Fatalf("first insert should report inserted")
	}

	inserted, err = InsertMessage("s1", msg)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate message_id should be ignored")
	}

	exists, err := MessageExists("m1")
	if err != nil {
		t.Fatalf("MessageExists failed: %v", err)
	}
	if !exists {
		t.Fatalf("message should exist after insert")
	}
}

func TestMessagesSince_OrderedAndFiltered(t *testing.T) {
	setupTestDB(t)

	msgs := []domain.Message{
		{ID: "b", Kind: domain.KindChat, UserID: "u1", Text: "two", TS: 200},
		{ID: "a", Kind: domain.KindChat, UserID: "u1", Text: "also two", TS: 200},
		{ID: "c", Kind: domain.KindJoin, UserID: "u2", TS: 100},
	}
	for _, m := range msgs {
		if _, err := InsertMessage("s1", m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}
	if _, err := InsertMessage("other-session", domain.Message{ID: "x", Kind: domain.KindChat, UserID: "u3", TS: 150}); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	got, err := MessagesSince("s1", 0, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}

	wantOrder := []string{"c", "a", "b"}
	if len(got) != len(wantOrder) {
		t.Fatalf("unexpected message count: got=%d want=%d", len(got), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Fatalf("position %d: got=%q want=%q", i, got[i].ID, want)
		}
	}

	since, err := MessagesSince("s1", 200, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("unexpected tail length: got=%d want=2", len(since))
	}
}

func TestCleanupChatBefore_KeepsGiftJoinLeave(t *testing.T) {
	setupTestDB(t)

	msgs := []domain.Message{
		{ID: "old-chat", Kind: domain.KindChat, UserID: "u1", Text: "old", TS: 100},
		{ID: "old-gift", Kind: domain.KindGift, UserID: "u1", GiftID: "rose", Cost: 80, TS: 100},
		{ID: "old-join", Kind: domain.KindJoin, UserID: "u2", TS: 100},
		{ID: "new-chat", Kind: domain.KindChat, UserID: "u1", Text: "new", TS: 500},
	}
	for _, m := range msgs {
		if _, err := InsertMessage("s1", m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	if err := CleanupChatBefore(200); err != nil {
		t.Fatalf("CleanupChatBefore failed: %v", err)
	}

	got, err := MessagesSince("s1", 0, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}

	seen := map[string]bool{}
	for _, m := range got {
		seen[m.ID] = true
	}
	if seen["old-chat"] {
		t.Fatalf("old chat should be deleted")
	}
	for _, id := range []string{"old-gift", "old-join", "new-chat"} {
		if !seen[id] {
			t.Fatalf("%q should survive cleanup", id)
		}
	}
}

func TestWalletSnapshotRoundTrip(t *testing.T) {
	setupTestDB(t)

	if _, _, ok, err := LoadWalletSnapshot(); err != nil || ok {
		t.Fatalf("unexpected initial snapshot: ok=%v err=%v", ok, err)
	}

	if err := SaveWalletSnapshot(150, 1700000000); err != nil {
		t.Fatalf("SaveWalletSnapshot failed: %v", err)
	}

	coins, updatedAt, ok, err := LoadWalletSnapshot()
	if err != nil {
		t.Fatalf("LoadWalletSnapshot failed: %v", err)
	}
	if !ok {
		t.Fatalf("snapshot should exist")
	}
	if coins != 150 || updatedAt != 1700000000 {
		t.Fatalf("unexpected snapshot: coins=%d updated_at=%d", coins, updatedAt)
	}

	if err := SaveWalletSnapshot(70, 1700000100); err != nil {
		t.Fatalf("SaveWalletSnapshot failed: %v", err)
	}
	coins, _, _, err = LoadWalletSnapshot()
	if err != nil {
		t.Fatalf("LoadWalletSnapshot failed: %v", err)
	}
	if coins != 70 {
		t.Fatalf("unexpected coins after overwrite: got=%d want=70", coins)
	}
}
