package shell

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"testing"

	"lanmsg/network"
)

func newTestManager(t *testing.T, deviceID string) (*network.ConnectionManager, string) {
	t.Helper()
	m := network.NewManager(network.Options{
		Identity: network.Identity{DeviceID: deviceID, DeviceName: deviceID, Platform: "pc"},
		FilesDir: t.TempDir(),
	})
	if err := m.Start("127.0.0.1:0", nil); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })
	return m, m.Addr().String()
}

func newShell(manager *network.ConnectionManager, in string) (*Shell, *bytes.Buffer) {
	var out bytes.Buffer
	return New(manager, strings.NewReader(in), &out), &out
}

func TestCmdPeersWithNoConnections(t *testing.T) {
	m, _ := newTestManager(t, "device-a")
	s, out := newShell(m, "peers\nquit\n")
	s.Run()
	if !strings.Contains(out.String(), "no connected peers") {
		t.Fatalf("expected 'no connected peers', got %q", out.String())
	}
}

func TestCmdConnectAndPeers(t *testing.T) {
	_, addrB := newTestManager(t, "device-b")
	ma, _ := newTestManager(t, "device-a")

	host, portStr, err := net.SplitHostPort(addrB)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	s, out := newShell(ma, "connect "+host+" "+strconv.Itoa(port)+"\npeers\nquit\n")
	s.Run()

	if !strings.Contains(out.String(), "connected to device-b") {
		t.Fatalf("expected connect confirmation, got %q", out.String())
	}
	if !strings.Contains(out.String(), "device-b") {
		t.Fatalf("expected device-b listed in peers, got %q", out.String())
	}
}

func TestCmdMsgToUnknownPeerReportsError(t *testing.T) {
	m, _ := newTestManager(t, "device-a")
	s, out := newShell(m, "msg nobody hello there\nquit\n")
	s.Run()
	if !strings.Contains(out.String(), "send failed") {
		t.Fatalf("expected send failure message, got %q", out.String())
	}
}

func TestDiscoveriesUsesNotedDevices(t *testing.T) {
	m, _ := newTestManager(t, "device-a")
	s, out := newShell(m, "discoveries\nquit\n")
	s.NoteDiscovered("device-c", "192.168.1.5", 60000, "Device C")
	s.Run()
	if !strings.Contains(out.String(), "device-c") || !strings.Contains(out.String(), "192.168.1.5:60000") {
		t.Fatalf("expected noted discovery to be listed, got %q", out.String())
	}
}

func TestUnknownCommandReportsHelp(t *testing.T) {
	m, _ := newTestManager(t, "device-a")
	s, out := newShell(m, "bogus\nquit\n")
	s.Run()
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected unknown command message, got %q", out.String())
	}
}

func TestGroupCreateAndList(t *testing.T) {
	m, _ := newTestManager(t, "device-a")
	s, out := newShell(m, "group_create friends\ngroups\nquit\n")
	s.Run()
	if !strings.Contains(out.String(), "created group") {
		t.Fatalf("expected group creation confirmation, got %q", out.String())
	}
	if !strings.Contains(out.String(), "friends") {
		t.Fatalf("expected group listed, got %q", out.String())
	}
}
