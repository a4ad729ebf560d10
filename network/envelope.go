package network

import "encoding/json"

// Envelope type values recognized by the connection manager's dispatch
// table (§4.3). Unknown values are dropped, not fatal.
const (
	TypeHandshake       = "handshake"
	TypeMessage         = "message"
	TypeGroupMaster     = "group_master"
	TypeGroupInvite     = "group_invite"
	TypeGroupJoin       = "group_join"
	TypeGroupJoinAck    = "group_join_ack"
	TypeGroupJoinReject = "group_join_reject"
	TypeGroupMessage    = "group_message"

	// Legacy JSON+base64 file transfer path, kept for interop with older
	// peers that predate the binary frame protocol (§4.4).
	TypeFileMeta  = "file_meta"
	TypeFileChunk = "file_chunk"
)

// Envelope is the common JSON wire shape carried by every non-binary
// frame: type/device_id/device_name/platform/timestamp/payload.
type Envelope struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	Platform   string          `json:"platform"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// envelopeType extracts just the "type" field without decoding payload,
// so the caller can pick the right payload struct before unmarshaling it.
func envelopeType(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", newProtocolError("decode envelope: %v", err)
	}
	return probe.Type, nil
}

// HandshakePayload is the payload of the first message on every
// connection, identifying the sender to its new peer.
type HandshakePayload struct{}

// MessagePayload carries 1:1 chat text.
type MessagePayload struct {
	Text string `json:"text"`
}

// GroupMasterPayload announces authoritative group state.
type GroupMasterPayload struct {
	GroupID  string   `json:"group_id"`
	Name     string   `json:"name"`
	Members  []string `json:"members"`
	MasterID string   `json:"master_id"`
	Epoch    int64    `json:"epoch"`
}

// GroupInvitePayload invites a peer to join a group.
type GroupInvitePayload struct {
	GroupID   string `json:"group_id"`
	Name      string `json:"name"`
	MasterID  string `json:"master_id"`
	InviterID string `json:"inviter_id"`
}

// GroupJoinPayload is sent by an invitee accepting an invite, to the master.
type GroupJoinPayload struct {
	GroupID string `json:"group_id"`
}

// GroupJoinAckPayload is the master's authoritative reply to a join request.
type GroupJoinAckPayload struct {
	GroupID  string   `json:"group_id"`
	Members  []string `json:"members"`
	MasterID string   `json:"master_id"`
	Epoch    int64    `json:"epoch"`
}

// GroupJoinRejectPayload is sent when the master refuses a join request.
type GroupJoinRejectPayload struct {
	GroupID string `json:"group_id"`
	Reason  string `json:"reason"`
}

// GroupMessagePayload carries group chat text, relayed by the master.
type GroupMessagePayload struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	FromID    string `json:"from_id"`
	Text      string `json:"text"`
}

// FileMetaLegacyPayload is the legacy JSON+base64 counterpart of the
// binary 0x01 frame: file_id is hex-encoded, compression is a small int.
type FileMetaLegacyPayload struct {
	FileID      string `json:"file_id"`
	Size        int64  `json:"size"`
	Compression int    `json:"compression"`
	Filename    string `json:"filename"`
}

// FileChunkLegacyPayload is the legacy JSON+base64 counterpart of the
// binary 0x02 frame: data is base64-encoded in the JSON payload.
type FileChunkLegacyPayload struct {
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       string `json:"data"`
}

// unmarshalPayload decodes an envelope's raw payload into a concrete
// payload struct chosen by the caller based on envelopeType.
func unmarshalPayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return newProtocolError("decode payload: %v", err)
	}
	return nil
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable for payload types containing unsupported fields,
		// which would be a programming error caught by any call site's tests.
		panic("network: marshal payload: " + err.Error())
	}
	return raw
}
