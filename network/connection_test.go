package network

import (
	"net"
	"testing"
	"time"
)

func handshakeEnvelope(deviceID string) Envelope {
	return Envelope{
		Type:       TypeHandshake,
		DeviceID:   deviceID,
		DeviceName: "test-" + deviceID,
		Platform:   "pc",
		Timestamp:  1,
		Payload:    marshalPayload(HandshakePayload{}),
	}
}

func mustEvent(t *testing.T, pc *PeerConnection) Event {
	t.Helper()
	select {
	case ev, ok := <-pc.Events():
		if !ok {
			t.Fatalf("events channel closed with no event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestHandshakeMustBeFirstMessage(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server := NewPeerConnection(serverConn)
	defer server.Close()

	go func() {
		env := Envelope{Type: TypeMessage, DeviceID: "a", Payload: marshalPayload(MessagePayload{Text: "hi"})}
		_ = WriteJSONFrame(clientConn, env)
	}()

	ev := mustEvent(t, server)
	if ev.Kind != EventClosed {
		t.Fatalf("expected EventClosed for non-handshake first message, got %v", ev.Kind)
	}
	if ev.CloseReason != CloseProtocol {
		t.Fatalf("expected CloseProtocol, got %v", ev.CloseReason)
	}
}

func TestHandshakeThenJSONRoundTrip(t *testing.T) {
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	a := NewPeerConnection(aConn)
	b := NewPeerConnection(bConn)
	defer a.Close()
	defer b.Close()

	if err := a.SendEnvelope(handshakeEnvelope("device-a")); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	ev := mustEvent(t, b)
	if ev.Kind != EventHandshake {
		t.Fatalf("expected EventHandshake, got %v", ev.Kind)
	}
	if ev.Envelope.DeviceID != "device-a" {
		t.Fatalf("expected device-a, got %q", ev.Envelope.DeviceID)
	}

	if err := b.SendEnvelope(handshakeEnvelope("device-b")); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	if ev := mustEvent(t, a); ev.Kind != EventHandshake {
		t.Fatalf("expected EventHandshake on a, got %v", ev.Kind)
	}

	msg := Envelope{
		Type:      TypeMessage,
		DeviceID:  "device-a",
		Timestamp: 2,
		Payload:   marshalPayload(MessagePayload{Text: "hello there"}),
	}
	if err := a.SendEnvelope(msg); err != nil {
		t.Fatalf("send message: %v", err)
	}
	ev = mustEvent(t, b)
	if ev.Kind != EventJSON {
		t.Fatalf("expected EventJSON, got %v", ev.Kind)
	}
	var payload MessagePayload
	if err := unmarshalPayload(ev.Envelope.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Text != "hello there" {
		t.Fatalf("expected %q, got %q", "hello there", payload.Text)
	}
}

func TestBinaryFileFramesRoundTrip(t *testing.T) {
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	a := NewPeerConnection(aConn)
	b := NewPeerConnection(bConn)
	defer a.Close()
	defer b.Close()

	if err := a.SendEnvelope(handshakeEnvelope("device-a")); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	mustEvent(t, b) // handshake
	if err := b.SendEnvelope(handshakeEnvelope("device-b")); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	mustEvent(t, a) // handshake

	var fileID [16]byte
	fileID[0] = 0x42

	metaFrame, err := EncodeFileMeta(fileID, 11, 0x00, "hello.txt")
	if err != nil {
		t.Fatalf("EncodeFileMeta: %v", err)
	}
	if err := a.SendBinaryFrame(metaFrame); err != nil {
		t.Fatalf("send file meta: %v", err)
	}
	ev := mustEvent(t, b)
	if ev.Kind != EventBinaryFileMeta {
		t.Fatalf("expected EventBinaryFileMeta, got %v", ev.Kind)
	}
	if ev.FileMeta.Filename != "hello.txt" || ev.FileMeta.Size != 11 {
		t.Fatalf("unexpected file meta: %+v", ev.FileMeta)
	}

	chunkFrame, err := EncodeFileChunk(fileID, 0, []byte("hello world"))
	if err != nil {
		t.Fatalf("EncodeFileChunk: %v", err)
	}
	if err := a.SendBinaryFrame(chunkFrame); err != nil {
		t.Fatalf("send file chunk: %v", err)
	}
	ev = mustEvent(t, b)
	if ev.Kind != EventBinaryFileChunk {
		t.Fatalf("expected EventBinaryFileChunk, got %v", ev.Kind)
	}
	if string(ev.FileChunk.Data) != "hello world" {
		t.Fatalf("unexpected chunk data: %q", ev.FileChunk.Data)
	}
	if ev.FileChunk.FileID != fileID {
		t.Fatalf("file id mismatch")
	}
}

func TestCorruptedBinaryFrameClosesConnection(t *testing.T) {
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	b := NewPeerConnection(bConn)
	defer b.Close()

	go func() {
		_ = WriteJSONFrame(aConn, handshakeEnvelope("device-a"))

		var fileID [16]byte
		framed, err := EncodeFileChunk(fileID, 0, []byte("payload"))
		if err != nil {
			return
		}
		framed[len(framed)-1] ^= 0xFF // flip a byte inside the CRC
		_ = WriteBinaryFrame(aConn, framed)
	}()

	mustEvent(t, b) // handshake
	ev := mustEvent(t, b)
	if ev.Kind != EventClosed {
		t.Fatalf("expected EventClosed after corrupted frame, got %v", ev.Kind)
	}
	if ev.CloseReason != CloseProtocol {
		t.Fatalf("expected CloseProtocol, got %v", ev.CloseReason)
	}
}

func TestConcurrentSendsDoNotInterleaveFrames(t *testing.T) {
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	a := NewPeerConnection(aConn)
	b := NewPeerConnection(bConn)
	defer a.Close()
	defer b.Close()

	if err := a.SendEnvelope(handshakeEnvelope("device-a")); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	mustEvent(t, b)
	if err := b.SendEnvelope(handshakeEnvelope("device-b")); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	mustEvent(t, a)

	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			_ = a.SendEnvelope(Envelope{
				Type:      TypeMessage,
				DeviceID:  "device-a",
				Timestamp: int64(i),
				Payload:   marshalPayload(MessagePayload{Text: "m"}),
			})
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	seen := 0
	for seen < n {
		ev := mustEvent(t, b)
		if ev.Kind != EventJSON {
			t.Fatalf("expected EventJSON, got %v (reason %v)", ev.Kind, ev.CloseReason)
		}
		seen++
	}
}
