package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func sendRaw(t *testing.T, to net.Addr, msg wireMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	conn, err := net.Dial("udp4", to.String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServiceDoesNotEmitEventForDiscoveryRequestFromAnotherDevice(t *testing.T) {
	svc, err := startOnPort(Identity{DeviceID: "local", TCPPort: 60000}, nil, 0)
	if err != nil {
		t.Fatalf("startOnPort: %v", err)
	}
	defer svc.Stop()

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("listen raw: %v", err)
	}
	defer listener.Close()

	req := wireMessage{Type: typeDiscoveryRequest, DeviceID: "remote", TCPPort: 61000, Timestamp: 1}
	sendRaw(t, svc.conn.LocalAddr(), req)

	// svc.sendResponse replies to the request's source IP on the fixed
	// discovery Port, not to our ephemeral send socket or `listener`, so
	// the reply cannot be observed here. Instead verify that remote's
	// request does not appear as a Discovered event (requests never
	// produce events, only responses do).
	select {
	case d := <-svc.Events():
		t.Fatalf("unexpected event from a discovery_request: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServiceEmitsEventForDiscoveryResponse(t *testing.T) {
	svc, err := startOnPort(Identity{DeviceID: "local", TCPPort: 60000}, nil, 0)
	if err != nil {
		t.Fatalf("startOnPort: %v", err)
	}
	defer svc.Stop()

	resp := wireMessage{
		Type:       typeDiscoveryResponse,
		DeviceID:   "remote-device",
		DeviceName: "Remote",
		Platform:   "pc",
		IP:         "192.168.1.50",
		TCPPort:    61000,
		Timestamp:  1,
	}
	sendRaw(t, svc.conn.LocalAddr(), resp)

	select {
	case d := <-svc.Events():
		if d.DeviceID != "remote-device" || d.TCPPort != 61000 {
			t.Fatalf("unexpected discovered record: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for discovered event")
	}
}

func TestServiceFiltersOwnDeviceIDFromResponses(t *testing.T) {
	svc, err := startOnPort(Identity{DeviceID: "local"}, nil, 0)
	if err != nil {
		t.Fatalf("startOnPort: %v", err)
	}
	defer svc.Stop()

	resp := wireMessage{Type: typeDiscoveryResponse, DeviceID: "local", TCPPort: 60000, Timestamp: 1}
	sendRaw(t, svc.conn.LocalAddr(), resp)

	select {
	case d := <-svc.Events():
		t.Fatalf("expected self-originated response to be filtered, got %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopClosesEventsChannel(t *testing.T) {
	svc, err := startOnPort(Identity{DeviceID: "local"}, nil, 0)
	if err != nil {
		t.Fatalf("startOnPort: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case _, ok := <-svc.Events():
		if ok {
			t.Fatalf("expected closed events channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for events channel to close")
	}
}
