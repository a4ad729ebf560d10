package network

import (
	"time"

	"github.com/google/uuid"

	"lanmsg/models"
)

// SendDirect transmits a message envelope to peerID and appends it to
// this node's own history for that peer (§4.5). Both ends independently
// record the same logical message; a self-directed send (peerID == this
// node's own device_id) is recorded exactly once — there is no network
// round trip back to this node and hence no second "receive" event.
func (m *ConnectionManager) SendDirect(peerID, text string) error {
	messageID := uuid.NewString()
	timestamp := time.Now().Unix()

	selfSend := peerID == m.opts.Identity.DeviceID
	if !selfSend {
		mp, ok := m.peerConn(peerID)
		if !ok {
			return &ErrNotConnected{PeerID: peerID}
		}

		env := Envelope{
			Type:       TypeMessage,
			DeviceID:   m.opts.Identity.DeviceID,
			DeviceName: m.opts.Identity.DeviceName,
			Platform:   m.opts.Identity.Platform,
			Timestamp:  timestamp,
			Payload:    marshalPayload(MessagePayload{Text: text}),
		}
		if err := mp.conn.SendEnvelope(env); err != nil {
			return err
		}
	}

	if m.opts.Store != nil {
		msg := models.DirectMessage{
			MessageID: messageID, PeerID: peerID, FromID: m.opts.Identity.DeviceID,
			Text: text, Timestamp: timestamp, Originated: true,
		}
		if err := m.opts.Store.AppendDirect(peerID, msg); err != nil {
			return err
		}
	}
	return nil
}

// handleDirectMessage ingests an inbound message envelope, appending it
// to history and invoking the UI callback (§4.5).
func (m *ConnectionManager) handleDirectMessage(mp *managedPeer, env Envelope) {
	var payload MessagePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		m.logger.Printf("bad message payload from %s: %v", mp.id, err)
		return
	}

	msg := models.DirectMessage{
		MessageID:  uuid.NewString(),
		PeerID:     mp.id,
		FromID:     env.DeviceID,
		Text:       payload.Text,
		Timestamp:  env.Timestamp,
		Originated: false,
	}

	if m.opts.Store != nil {
		if err := m.opts.Store.AppendDirect(mp.id, msg); err != nil {
			m.logger.Printf("append direct message: %v", err)
			return
		}
	}

	if m.opts.OnDirectMessage != nil {
		m.opts.OnDirectMessage(mp.id, msg)
	}
}

// DirectHistory returns peerID's direct message history.
func (m *ConnectionManager) DirectHistory(peerID string) ([]models.DirectMessage, error) {
	if m.opts.Store == nil {
		return nil, nil
	}
	return m.opts.Store.ReadDirect(peerID)
}
