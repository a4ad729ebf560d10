package network

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"sync"
)

// EventKind identifies what a Event carries.
type EventKind int

const (
	EventHandshake EventKind = iota
	EventJSON
	EventBinaryFileMeta
	EventBinaryFileChunk
	EventClosed
)

// CloseReason classifies why a PeerConnection stopped.
type CloseReason int

const (
	CloseIO CloseReason = iota
	CloseProtocol
	CloseEOF
	CloseLocal
)

func (r CloseReason) String() string {
	switch r {
	case CloseIO:
		return "io"
	case CloseProtocol:
		return "protocol"
	case CloseEOF:
		return "eof"
	case CloseLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Event is one item delivered upward from a peer's read loop.
type Event struct {
	Kind        EventKind
	Envelope    Envelope
	FileMeta    FileMeta
	FileChunk   FileChunk
	CloseReason CloseReason
	CloseErr    error
}

// PeerConnection owns one TCP socket: a dedicated reader demultiplexing
// JSON envelopes from binary file frames, and a write path serialized by
// a mutex so concurrent senders never interleave a frame (§4.2, §5).
type PeerConnection struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}

	handshakeSeen bool
}

// NewPeerConnection wraps an already-dialed/accepted socket and starts
// its read loop. The caller receives events via Events() and must read
// them; the channel is closed after the terminal Closed event.
func NewPeerConnection(conn net.Conn) *PeerConnection {
	pc := &PeerConnection{
		conn:   conn,
		br:     bufio.NewReaderSize(conn, 32*1024),
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go pc.readLoop()
	return pc
}

// Events returns the channel of parsed events for this peer.
func (pc *PeerConnection) Events() <-chan Event {
	return pc.events
}

// SendEnvelope marshals and writes env as one JSON frame. Safe to call
// from any goroutine; writes from different peers proceed in parallel,
// writes to the same peer are serialized frame-by-frame (§5).
func (pc *PeerConnection) SendEnvelope(env Envelope) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	if err := WriteJSONFrame(pc.conn, env); err != nil {
		pc.closeWithReason(closeReasonFor(err), err)
		return err
	}
	return nil
}

// SendBinaryFrame writes a pre-encoded binary frame (file-meta or
// file-chunk) as one atomic write under the same mutex as SendEnvelope,
// so a file chunk never splits a concurrently written chat frame and
// vice versa; the mutex is held only for this one frame (§5, §9).
func (pc *PeerConnection) SendBinaryFrame(framed []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	if err := WriteBinaryFrame(pc.conn, framed); err != nil {
		pc.closeWithReason(closeReasonFor(err), err)
		return err
	}
	return nil
}

// Close terminates the connection. Safe to call repeatedly and from any
// goroutine; subsequent sends fail fast because the socket is closed.
func (pc *PeerConnection) Close() error {
	pc.closeWithReason(CloseLocal, nil)
	return nil
}

// Done is closed once the peer connection has fully terminated.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

func (pc *PeerConnection) readLoop() {
	defer close(pc.events)

	for {
		discriminator, err := pc.peekDiscriminator()
		if err != nil {
			if err == io.EOF {
				pc.emitClosed(CloseEOF, nil)
			} else {
				pc.emitClosed(closeReasonFor(err), err)
			}
			pc.closeSocket()
			return
		}

		isJSON, isBinary := PeekFrameKind(discriminator)
		switch {
		case isJSON:
			if !pc.readJSONFrame() {
				return
			}
		case isBinary:
			if !pc.readBinaryFrame() {
				return
			}
		default:
			err := newProtocolError("unexpected frame discriminator %#x", discriminator)
			pc.emitClosed(CloseProtocol, err)
			pc.closeSocket()
			return
		}
	}
}

// peekDiscriminator returns the 5th byte of the next frame (the byte
// immediately after the 4-byte length prefix common to both JSON and
// binary frames) without consuming any of it, per §4.1's multiplexing
// rule; implementations without MSG_PEEK achieve the same thing with a
// buffered reader's Peek, which is what bufio.Reader provides here.
func (pc *PeerConnection) peekDiscriminator() (byte, error) {
	head, err := pc.br.Peek(5)
	if err != nil {
		if len(head) == 0 {
			return 0, io.EOF
		}
		return 0, err
	}
	return head[4], nil
}

func (pc *PeerConnection) readJSONFrame() bool {
	raw, err := ReadJSONFramePayload(pc.br)
	if err != nil {
		pc.emitClosed(closeReasonFor(err), err)
		pc.closeSocket()
		return false
	}

	msgType, err := envelopeType(raw)
	if err != nil {
		pc.emitClosed(CloseProtocol, err)
		pc.closeSocket()
		return false
	}

	var env Envelope
	if err := unmarshalEnvelope(raw, &env); err != nil {
		pc.emitClosed(CloseProtocol, err)
		pc.closeSocket()
		return false
	}

	if !pc.handshakeSeen {
		if msgType != TypeHandshake {
			err := newProtocolError("expected handshake, got %q", msgType)
			pc.emitClosed(CloseProtocol, err)
			pc.closeSocket()
			return false
		}
		pc.handshakeSeen = true
		pc.emit(Event{Kind: EventHandshake, Envelope: env})
		return true
	}

	pc.emit(Event{Kind: EventJSON, Envelope: env})
	return true
}

func (pc *PeerConnection) readBinaryFrame() bool {
	if !pc.handshakeSeen {
		err := newProtocolError("binary frame received before handshake")
		pc.emitClosed(CloseProtocol, err)
		pc.closeSocket()
		return false
	}

	frameType, body, err := ReadBinaryFrame(pc.br)
	if err != nil {
		pc.emitClosed(closeReasonFor(err), err)
		pc.closeSocket()
		return false
	}

	switch frameType {
	case binaryFrameTypeFileMeta:
		meta, err := DecodeFileMeta(body)
		if err != nil {
			pc.emitClosed(CloseProtocol, err)
			pc.closeSocket()
			return false
		}
		pc.emit(Event{Kind: EventBinaryFileMeta, FileMeta: meta})
	case binaryFrameTypeFileChunk:
		chunk, err := DecodeFileChunk(body)
		if err != nil {
			pc.emitClosed(CloseProtocol, err)
			pc.closeSocket()
			return false
		}
		pc.emit(Event{Kind: EventBinaryFileChunk, FileChunk: chunk})
	default:
		err := newProtocolError("unknown binary frame type %#x", frameType)
		pc.emitClosed(CloseProtocol, err)
		pc.closeSocket()
		return false
	}
	return true
}

func (pc *PeerConnection) emit(ev Event) {
	select {
	case pc.events <- ev:
	case <-pc.closed:
	}
}

func (pc *PeerConnection) emitClosed(reason CloseReason, err error) {
	pc.emit(Event{Kind: EventClosed, CloseReason: reason, CloseErr: err})
}

func (pc *PeerConnection) closeSocket() {
	pc.closeOnce.Do(func() {
		_ = pc.conn.Close()
		close(pc.closed)
	})
}

func (pc *PeerConnection) closeWithReason(reason CloseReason, err error) {
	alreadyClosed := pc.isClosed()
	pc.closeSocket()
	if !alreadyClosed {
		pc.emitClosed(reason, err)
	}
}

func (pc *PeerConnection) isClosed() bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

func closeReasonFor(err error) CloseReason {
	if err == nil {
		return CloseLocal
	}
	if _, ok := err.(*ProtocolError); ok {
		return CloseProtocol
	}
	if err == io.EOF {
		return CloseEOF
	}
	return CloseIO
}

func unmarshalEnvelope(raw []byte, env *Envelope) error {
	if err := json.Unmarshal(raw, env); err != nil {
		return newProtocolError("decode envelope: %v", err)
	}
	return nil
}
