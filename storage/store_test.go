package storage

import (
	"path/filepath"
	"testing"

	"lanmsg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenPath(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndReadDirectMessages(t *testing.T) {
	store := openTestStore(t)

	msg := models.DirectMessage{MessageID: "m1", FromID: "a", Text: "hi", Timestamp: 100, Originated: true}
	if err := store.AppendDirect("b", msg); err != nil {
		t.Fatalf("AppendDirect: %v", err)
	}

	history, err := store.ReadDirect("b")
	if err != nil {
		t.Fatalf("ReadDirect: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 record, got %d", len(history))
	}
	if history[0].Text != "hi" || history[0].PeerID != "b" || !history[0].Originated {
		t.Fatalf("unexpected record: %+v", history[0])
	}
}

func TestAppendDirectIsIdempotentOnMessageID(t *testing.T) {
	store := openTestStore(t)

	msg := models.DirectMessage{MessageID: "m1", FromID: "a", Text: "hi", Timestamp: 100}
	if err := store.AppendDirect("b", msg); err != nil {
		t.Fatalf("AppendDirect: %v", err)
	}
	if err := store.AppendDirect("b", msg); err != nil {
		t.Fatalf("AppendDirect (retry): %v", err)
	}

	history, err := store.ReadDirect("b")
	if err != nil {
		t.Fatalf("ReadDirect: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected message_id dedup to yield 1 record, got %d", len(history))
	}
}

func TestGroupMessageDedup(t *testing.T) {
	store := openTestStore(t)

	msg := models.GroupMessage{MessageID: "gm1", FromID: "c", Text: "hello", Timestamp: 5}
	if err := store.AppendGroup("g1", msg); err != nil {
		t.Fatalf("AppendGroup: %v", err)
	}
	seenBefore, err := store.HasGroupMessage("g1", "gm1")
	if err != nil || !seenBefore {
		t.Fatalf("expected message to be recorded as seen, got %v err %v", seenBefore, err)
	}

	if err := store.AppendGroup("g1", msg); err != nil {
		t.Fatalf("AppendGroup (retry): %v", err)
	}

	history, err := store.ReadGroup("g1")
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected single history entry after duplicate apply, got %d", len(history))
	}
}

func TestSaveAndLoadGroups(t *testing.T) {
	store := openTestStore(t)

	g := models.Group{GroupID: "g1", Name: "Team", Members: []string{"a", "b", "c"}, MasterID: "a", Epoch: 10}
	if err := store.SaveGroup(g); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}

	g.Epoch = 11
	g.MasterID = "b"
	if err := store.SaveGroup(g); err != nil {
		t.Fatalf("SaveGroup (update): %v", err)
	}

	groups, err := store.LoadGroups()
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	loaded, ok := groups["g1"]
	if !ok {
		t.Fatalf("expected group g1 to be loaded")
	}
	if loaded.Epoch != 11 || loaded.MasterID != "b" {
		t.Fatalf("expected updated record, got %+v", loaded)
	}
	if len(loaded.Members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(loaded.Members))
	}
}
