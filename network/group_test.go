package network

import (
	"sync"
	"testing"
	"time"

	"lanmsg/models"
	"lanmsg/storage"
)

func openTestStoreForGroup(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.OpenPath(dir + "/group_test.db")
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newGroupTestManager builds a manager with a real store and starts it
// listening, so the trio can form a full mesh over real TCP connections.
func newGroupTestManager(t *testing.T, deviceID string) *ConnectionManager {
	t.Helper()
	store := openTestStoreForGroup(t)
	m := NewManager(Options{
		Identity: Identity{DeviceID: deviceID, DeviceName: deviceID, Platform: "pc"},
		Store:    store,
		FilesDir: t.TempDir(),
	})
	if err := m.Start("127.0.0.1:0", nil); err != nil {
		t.Fatalf("start %s: %v", deviceID, err)
	}
	return m
}

func connectPair(t *testing.T, a, b *ConnectionManager) {
	t.Helper()
	if _, err := a.Connect("127.0.0.1", tcpPort(t, b.Addr().String())); err != nil {
		t.Fatalf("connect %v", err)
	}
	pollUntil(t, 3*time.Second, func() bool { return a.hasPeer(b.opts.Identity.DeviceID) })
	pollUntil(t, 3*time.Second, func() bool { return b.hasPeer(a.opts.Identity.DeviceID) })
}

// startGroupTrio builds three fully-meshed managers (a, b, c) so master
// relay and re-election both have a direct connection to every member.
func startGroupTrio(t *testing.T) (a, b, c *ConnectionManager) {
	t.Helper()
	a = newGroupTestManager(t, "device-a")
	b = newGroupTestManager(t, "device-b")
	c = newGroupTestManager(t, "device-c")

	connectPair(t, a, b)
	connectPair(t, a, c)
	connectPair(t, b, c)

	return a, b, c
}

func pollUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func groupRecord(m *ConnectionManager, groupID string) (models.Group, bool) {
	return m.groups.get(groupID)
}

func TestGroupRelayExcludesSenderAndMaster(t *testing.T) {
	a, b, c := startGroupTrio(t)
	defer a.Shutdown()
	defer b.Shutdown()
	defer c.Shutdown()

	grp, err := a.CreateGroup("trio", []string{"device-b", "device-c"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	pollUntil(t, 3*time.Second, func() bool { _, ok := groupRecord(b, grp.GroupID); return ok })
	pollUntil(t, 3*time.Second, func() bool { _, ok := groupRecord(c, grp.GroupID); return ok })

	cReceived := make(chan models.GroupMessage, 1)
	c.opts.OnGroupMessage = func(msg models.GroupMessage) { cReceived <- msg }

	var mu sync.Mutex
	bSawRelay := false
	b.opts.OnGroupMessage = func(msg models.GroupMessage) {
		mu.Lock()
		bSawRelay = true
		mu.Unlock()
	}

	if err := b.SendGroup(grp.GroupID, "hello from b"); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}

	select {
	case msg := <-cReceived:
		if msg.Text != "hello from b" || msg.FromID != "device-b" {
			t.Fatalf("unexpected relayed message: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for master to relay to c")
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if bSawRelay {
		t.Fatal("master relayed the group message back to its own sender")
	}
}

func TestGroupMasterFailoverConvergesEpochAcrossMembers(t *testing.T) {
	a, b, c := startGroupTrio(t)
	defer b.Shutdown()
	defer c.Shutdown()

	grp, err := a.CreateGroup("trio", []string{"device-b", "device-c"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	pollUntil(t, 3*time.Second, func() bool { _, ok := groupRecord(b, grp.GroupID); return ok })
	pollUntil(t, 3*time.Second, func() bool { _, ok := groupRecord(c, grp.GroupID); return ok })

	if err := a.Shutdown(); err != nil {
		t.Fatalf("shutdown a: %v", err)
	}
	pollUntil(t, 3*time.Second, func() bool { return !b.hasPeer("device-a") })
	pollUntil(t, 3*time.Second, func() bool { return !c.hasPeer("device-a") })

	// b and c both still see each other, so b elects the lexicographically
	// smallest reachable candidate ("device-b", itself) and announces it
	// with group_master; c adopts that announcement.
	if err := b.SendGroup(grp.GroupID, "after failover"); err != nil {
		t.Fatalf("SendGroup after failover: %v", err)
	}

	pollUntil(t, 3*time.Second, func() bool {
		updated, ok := groupRecord(c, grp.GroupID)
		return ok && updated.MasterID == "device-b"
	})

	bGrp, ok := groupRecord(b, grp.GroupID)
	if !ok {
		t.Fatal("b lost its own group record")
	}
	cGrp, ok := groupRecord(c, grp.GroupID)
	if !ok {
		t.Fatal("c never learned the new master")
	}
	if bGrp.MasterID != "device-b" {
		t.Fatalf("expected b to elect itself master, got %q", bGrp.MasterID)
	}
	if cGrp.MasterID != bGrp.MasterID || cGrp.Epoch != bGrp.Epoch {
		t.Fatalf("group records did not converge: b=%+v c=%+v", bGrp, cGrp)
	}
}

// TestHandleGroupMessageDedupesAtEngineLevel exercises the engine's own
// duplicate-suppression path directly (as opposed to storage/store_test.go,
// which only covers the underlying AppendGroup/HasGroupMessage layer).
func TestHandleGroupMessageDedupesAtEngineLevel(t *testing.T) {
	store := openTestStoreForGroup(t)
	m := NewManager(Options{
		Identity: Identity{DeviceID: "device-a", DeviceName: "A", Platform: "pc"},
		Store:    store,
	})

	grp := models.Group{GroupID: "g1", Name: "dup-test", Members: []string{"device-a", "device-b"}, MasterID: "device-b", Epoch: 1}
	if err := m.groups.put(grp); err != nil {
		t.Fatalf("seed group: %v", err)
	}

	var mu sync.Mutex
	deliveries := 0
	m.opts.OnGroupMessage = func(msg models.GroupMessage) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	}

	env := Envelope{
		Type:      TypeGroupMessage,
		DeviceID:  "device-b",
		Timestamp: time.Now().Unix(),
		Payload:   marshalPayload(GroupMessagePayload{GroupID: "g1", MessageID: "msg-1", FromID: "device-b", Text: "hi"}),
	}

	m.groups.handleGroupMessage(nil, env)
	m.groups.handleGroupMessage(nil, env)

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 1 {
		t.Fatalf("expected exactly one delivery for a duplicate group_message, got %d", deliveries)
	}

	history, err := m.GroupHistory("g1")
	if err != nil {
		t.Fatalf("GroupHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(history))
	}
}

// TestHandleGroupMasterRejectsStaleEpoch confirms a group_master carrying
// an epoch older than the local record is a no-op (§4.6).
func TestHandleGroupMasterRejectsStaleEpoch(t *testing.T) {
	m := NewManager(Options{Identity: Identity{DeviceID: "device-a", DeviceName: "A", Platform: "pc"}})

	current := models.Group{GroupID: "g1", Name: "stale-test", Members: []string{"device-a", "device-b"}, MasterID: "device-b", Epoch: 10}
	if err := m.groups.put(current); err != nil {
		t.Fatalf("seed group: %v", err)
	}

	staleEnv := Envelope{
		Type:      TypeGroupMaster,
		DeviceID:  "device-b",
		Timestamp: time.Now().Unix(),
		Payload: marshalPayload(GroupMasterPayload{
			GroupID: "g1", Name: "stale-test", Members: current.Members, MasterID: "device-c", Epoch: 9,
		}),
	}
	m.groups.handleGroupMaster(staleEnv)

	got, ok := groupRecord(m, "g1")
	if !ok {
		t.Fatal("group record disappeared")
	}
	if got.MasterID != "device-b" || got.Epoch != 10 {
		t.Fatalf("stale group_master was not a no-op: %+v", got)
	}
}
