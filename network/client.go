package network

import (
	"net"
	"time"
)

// Dial connects to address, exchanges handshakes, and returns a ready
// PeerConnection plus the remote's announced identity. The dial itself
// gets its own timeout separate from HandshakeTimeout so a dead host
// fails fast instead of hanging for the full handshake window.
const DialTimeout = 5 * time.Second

func Dial(address string, identity Identity) (AcceptedPeer, error) {
	if err := validateIdentity(identity); err != nil {
		return AcceptedPeer{}, err
	}

	conn, err := net.DialTimeout("tcp", address, DialTimeout)
	if err != nil {
		return AcceptedPeer{}, newIoError("dial", err)
	}

	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		_ = conn.Close()
		return AcceptedPeer{}, newIoError("set handshake deadline", err)
	}

	pc := NewPeerConnection(conn)

	if err := pc.SendEnvelope(identity.handshakeEnvelope()); err != nil {
		pc.Close()
		return AcceptedPeer{}, err
	}

	select {
	case ev, ok := <-pc.Events():
		if !ok || ev.Kind != EventHandshake {
			pc.Close()
			return AcceptedPeer{}, newProtocolError("peer did not send handshake")
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			pc.Close()
			return AcceptedPeer{}, newIoError("clear handshake deadline", err)
		}
		return AcceptedPeer{
			Conn:       pc,
			DeviceID:   ev.Envelope.DeviceID,
			DeviceName: ev.Envelope.DeviceName,
			Platform:   ev.Envelope.Platform,
		}, nil

	case <-time.After(HandshakeTimeout):
		pc.Close()
		return AcceptedPeer{}, newIoError("dial", errHandshakeTimeout)
	}
}

var errHandshakeTimeout = &timeoutError{"handshake timed out"}

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }
