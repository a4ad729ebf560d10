package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"lanmsg/models"
)

// AppendDirect records a direct message under peerID's history. Both the
// sender and the receiver call this independently for the same logical
// message (§4.5): a node never receives its own outbound message back.
func (s *Store) AppendDirect(peerID string, msg models.DirectMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO direct_messages (message_id, peer_id, from_id, text, timestamp, originated)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, peerID, msg.FromID, msg.Text, msg.Timestamp, boolToInt(msg.Originated),
	)
	if err != nil {
		return fmt.Errorf("append direct message: %w", err)
	}
	return nil
}

// ReadDirect returns peerID's direct message history in send order.
func (s *Store) ReadDirect(peerID string) ([]models.DirectMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT message_id, from_id, text, timestamp, originated
		 FROM direct_messages WHERE peer_id = ? ORDER BY timestamp, rowid`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("read direct history: %w", err)
	}
	defer rows.Close()

	var out []models.DirectMessage
	for rows.Next() {
		var msg models.DirectMessage
		var originated int
		if err := rows.Scan(&msg.MessageID, &msg.FromID, &msg.Text, &msg.Timestamp, &originated); err != nil {
			return nil, fmt.Errorf("scan direct message: %w", err)
		}
		msg.PeerID = peerID
		msg.Originated = originated != 0
		out = append(out, msg)
	}
	return out, rows.Err()
}

// AppendGroup records a group message. The (group_id, message_id)
// primary key makes this idempotent, matching §4.6's "a message whose
// message_id was already seen is dropped" rule.
func (s *Store) AppendGroup(groupID string, msg models.GroupMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO group_messages (message_id, group_id, from_id, text, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.MessageID, groupID, msg.FromID, msg.Text, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append group message: %w", err)
	}
	return nil
}

// HasGroupMessage reports whether message_id has already been applied
// to groupID's history, used by the group engine's dedup check before
// relaying (§4.6).
func (s *Store) HasGroupMessage(groupID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM group_messages WHERE group_id = ? AND message_id = ?`,
		groupID, messageID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check group message: %w", err)
	}
	return true, nil
}

// ReadGroup returns groupID's message history in send order.
func (s *Store) ReadGroup(groupID string) ([]models.GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT message_id, from_id, text, timestamp
		 FROM group_messages WHERE group_id = ? ORDER BY timestamp, rowid`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("read group history: %w", err)
	}
	defer rows.Close()

	var out []models.GroupMessage
	for rows.Next() {
		var msg models.GroupMessage
		if err := rows.Scan(&msg.MessageID, &msg.FromID, &msg.Text, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan group message: %w", err)
		}
		msg.GroupID = groupID
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LoadGroups returns every persisted group record, keyed by group_id.
func (s *Store) LoadGroups() (map[string]models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT group_id, name, members, master_id, epoch FROM groups`)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Group)
	for rows.Next() {
		var g models.Group
		var membersJSON string
		if err := rows.Scan(&g.GroupID, &g.Name, &membersJSON, &g.MasterID, &g.Epoch); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if err := json.Unmarshal([]byte(membersJSON), &g.Members); err != nil {
			return nil, fmt.Errorf("decode group members: %w", err)
		}
		out[g.GroupID] = g
	}
	return out, rows.Err()
}

// SaveGroup atomically persists one group record, overwriting any prior
// state for the same group_id.
func (s *Store) SaveGroup(g models.Group) error {
	membersJSON, err := json.Marshal(g.Members)
	if err != nil {
		return fmt.Errorf("encode group members: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO groups (group_id, name, members, master_id, epoch) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET name=excluded.name, members=excluded.members,
		 master_id=excluded.master_id, epoch=excluded.epoch`,
		g.GroupID, g.Name, string(membersJSON), g.MasterID, g.Epoch,
	)
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

// RecordFileTransfer upserts bookkeeping for one file transfer, used by
// the file sender/receiver to leave a durable trail of completed and
// failed transfers alongside the message history.
func (s *Store) RecordFileTransfer(fileID, peerID, direction, filename string, size int64, storedPath, status string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO file_transfers (file_id, peer_id, direction, filename, size, stored_path, status, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET status=excluded.status, stored_path=excluded.stored_path`,
		fileID, peerID, direction, filename, size, storedPath, status, timestamp,
	)
	if err != nil {
		return fmt.Errorf("record file transfer: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
