package network

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanmsg/models"
)

// GroupInviteNotification surfaces an incoming group_invite to the UI so
// the user can decide whether to AcceptInvite (§4.6: "no change to the
// group index until the user explicitly accepts").
type GroupInviteNotification struct {
	GroupID   string
	Name      string
	MasterID  string
	InviterID string
}

// groupEngine implements group creation, invite/join, master-relay
// sending/receiving and deterministic master election (§4.6). It is not
// exported: all access goes through ConnectionManager's group methods.
type groupEngine struct {
	m *ConnectionManager

	mu             sync.Mutex
	groups         map[string]models.Group
	pendingInvites map[string]GroupInviteNotification
}

func newGroupEngine(m *ConnectionManager) *groupEngine {
	return &groupEngine{
		m:              m,
		groups:         make(map[string]models.Group),
		pendingInvites: make(map[string]GroupInviteNotification),
	}
}

func (g *groupEngine) loadFromStore() error {
	if g.m.opts.Store == nil {
		return nil
	}
	loaded, err := g.m.opts.Store.LoadGroups()
	if err != nil {
		return err
	}
	g.mu.Lock()
	for id, grp := range loaded {
		g.groups[id] = grp
	}
	g.mu.Unlock()
	return nil
}

func (g *groupEngine) self() string {
	return g.m.opts.Identity.DeviceID
}

func (g *groupEngine) get(groupID string) (models.Group, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupID]
	return grp, ok
}

func (g *groupEngine) put(grp models.Group) error {
	g.mu.Lock()
	g.groups[grp.GroupID] = grp
	g.mu.Unlock()

	if g.m.opts.Store != nil {
		return g.m.opts.Store.SaveGroup(grp)
	}
	return nil
}

// list returns every group this node currently believes it belongs to.
func (g *groupEngine) list() []models.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Group, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, grp)
	}
	return out
}

// createGroup allocates a new group with self as master and broadcasts
// group_master to every currently connected initial member (§4.6).
func (g *groupEngine) createGroup(name string, initialMembers []string) (models.Group, error) {
	members := dedupMembers(append([]string{g.self()}, initialMembers...))

	grp := models.Group{
		GroupID:  uuid.NewString(),
		Name:     name,
		Members:  members,
		MasterID: g.self(),
		Epoch:    time.Now().Unix(),
	}
	if err := g.put(grp); err != nil {
		return models.Group{}, err
	}

	g.broadcastGroupMaster(grp, "")
	return grp, nil
}

// invite sends group_invite to peerID. Only the group's current master
// invites new members (§4.6).
func (g *groupEngine) invite(groupID, peerID string) error {
	grp, ok := g.get(groupID)
	if !ok {
		return &ErrInvalidInput{Reason: "unknown group " + groupID}
	}
	if grp.MasterID != g.self() {
		return &ErrInvalidInput{Reason: "only the group master can invite members"}
	}

	mp, ok := g.m.peerConn(peerID)
	if !ok {
		return &ErrNotConnected{PeerID: peerID}
	}

	env := g.envelope(TypeGroupInvite, marshalPayload(GroupInvitePayload{
		GroupID:   grp.GroupID,
		Name:      grp.Name,
		MasterID:  grp.MasterID,
		InviterID: g.self(),
	}))
	return mp.conn.SendEnvelope(env)
}

// acceptInvite adopts a pending invite into the local group index and
// sends group_join to the master (§4.6).
func (g *groupEngine) acceptInvite(groupID string) error {
	g.mu.Lock()
	invite, ok := g.pendingInvites[groupID]
	if ok {
		delete(g.pendingInvites, groupID)
	}
	g.mu.Unlock()
	if !ok {
		return &ErrInvalidInput{Reason: "no pending invite for group " + groupID}
	}

	grp := models.Group{
		GroupID:  groupID,
		Name:     invite.Name,
		Members:  []string{g.self()},
		MasterID: invite.MasterID,
		Epoch:    0,
	}
	if err := g.put(grp); err != nil {
		return err
	}

	mp, ok := g.m.peerConn(invite.MasterID)
	if !ok {
		return &ErrNotConnected{PeerID: invite.MasterID}
	}
	env := g.envelope(TypeGroupJoin, marshalPayload(GroupJoinPayload{GroupID: groupID}))
	return mp.conn.SendEnvelope(env)
}

// sendGroup computes the effective master and either relays directly (if
// self is master) or forwards to the master (§4.6).
func (g *groupEngine) sendGroup(groupID, text string) error {
	grp, ok := g.get(groupID)
	if !ok {
		return &ErrInvalidInput{Reason: "unknown group " + groupID}
	}

	priorMaster := grp.MasterID
	grp = g.resolveEffectiveMaster(grp)
	if err := g.put(grp); err != nil {
		return err
	}

	messageID := uuid.NewString()

	if grp.MasterID == g.self() {
		if priorMaster != g.self() {
			// Just elected self after the old master became unreachable;
			// announce it so every member converges on this master_id/epoch
			// instead of each independently electing on its own schedule.
			g.broadcastGroupMaster(grp, "")
		}
		msg := models.GroupMessage{MessageID: messageID, GroupID: groupID, FromID: g.self(), Text: text, Timestamp: time.Now().Unix()}
		if g.m.opts.Store != nil {
			if err := g.m.opts.Store.AppendGroup(groupID, msg); err != nil {
				return err
			}
		}
		g.relay(grp, messageID, g.self(), text, "")
		return nil
	}

	mp, ok := g.m.peerConn(grp.MasterID)
	if !ok {
		return &ErrNotConnected{PeerID: grp.MasterID}
	}
	env := g.envelope(TypeGroupMessage, marshalPayload(GroupMessagePayload{
		GroupID: groupID, MessageID: messageID, FromID: g.self(), Text: text,
	}))
	return mp.conn.SendEnvelope(env)
}

// relay forwards a group_message to every connected member of grp except
// self and excludeDeviceID (the original sender, which already has it).
func (g *groupEngine) relay(grp models.Group, messageID, fromID, text, excludeDeviceID string) {
	env := g.envelope(TypeGroupMessage, marshalPayload(GroupMessagePayload{
		GroupID: grp.GroupID, MessageID: messageID, FromID: fromID, Text: text,
	}))
	for _, memberID := range grp.Members {
		if memberID == g.self() || memberID == excludeDeviceID {
			continue
		}
		if mp, ok := g.m.peerConn(memberID); ok {
			_ = mp.conn.SendEnvelope(env)
		}
	}
}

// resolveEffectiveMaster returns grp with MasterID/Epoch updated to the
// locally elected master if the recorded master is not reachable (§4.6).
func (g *groupEngine) resolveEffectiveMaster(grp models.Group) models.Group {
	if grp.MasterID == g.self() {
		return grp
	}
	if _, ok := g.m.peerConn(grp.MasterID); ok {
		return grp
	}

	candidates := []string{g.self()}
	for _, memberID := range grp.Members {
		if memberID == g.self() {
			continue
		}
		if _, ok := g.m.peerConn(memberID); ok {
			candidates = append(candidates, memberID)
		}
	}
	elected := electMaster(candidates)

	now := time.Now().Unix()
	newEpoch := grp.Epoch + 1
	if now > grp.Epoch {
		newEpoch = now
	}

	grp.MasterID = elected
	grp.Epoch = newEpoch
	return grp
}

// electMaster returns the lexicographically smallest device-id (§4.6).
func electMaster(candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return sorted[0]
}

func (g *groupEngine) envelope(msgType string, payload []byte) Envelope {
	identity := g.m.opts.Identity
	return Envelope{
		Type:       msgType,
		DeviceID:   identity.DeviceID,
		DeviceName: identity.DeviceName,
		Platform:   identity.Platform,
		Timestamp:  time.Now().Unix(),
		Payload:    payload,
	}
}

// broadcastGroupMaster announces grp's state to every connected member
// except self and excludeDeviceID.
func (g *groupEngine) broadcastGroupMaster(grp models.Group, excludeDeviceID string) {
	env := g.envelope(TypeGroupMaster, marshalPayload(GroupMasterPayload{
		GroupID: grp.GroupID, Name: grp.Name, Members: grp.Members, MasterID: grp.MasterID, Epoch: grp.Epoch,
	}))
	for _, memberID := range grp.Members {
		if memberID == g.self() || memberID == excludeDeviceID {
			continue
		}
		if mp, ok := g.m.peerConn(memberID); ok {
			_ = mp.conn.SendEnvelope(env)
		}
	}
}

// handleEnvelope dispatches one inbound group_* envelope from mp.
func (g *groupEngine) handleEnvelope(mp *managedPeer, env Envelope) {
	switch env.Type {
	case TypeGroupMaster:
		g.handleGroupMaster(env)
	case TypeGroupInvite:
		g.handleGroupInvite(env)
	case TypeGroupJoin:
		g.handleGroupJoin(mp, env)
	case TypeGroupJoinAck:
		g.handleGroupJoinAck(env)
	case TypeGroupJoinReject:
		g.m.logger.Printf("group join rejected by %s", mp.id)
	case TypeGroupMessage:
		g.handleGroupMessage(mp, env)
	}
}

func (g *groupEngine) handleGroupMaster(env Envelope) {
	var payload GroupMasterPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		g.m.logger.Printf("bad group_master payload: %v", err)
		return
	}
	if !containsString(payload.Members, g.self()) {
		return
	}

	existing, ok := g.get(payload.GroupID)
	if ok {
		accept := payload.Epoch > existing.Epoch ||
			(payload.Epoch == existing.Epoch && payload.MasterID > existing.MasterID)
		if !accept {
			return
		}
	}

	_ = g.put(models.Group{
		GroupID: payload.GroupID, Name: payload.Name, Members: payload.Members,
		MasterID: payload.MasterID, Epoch: payload.Epoch,
	})
}

func (g *groupEngine) handleGroupInvite(env Envelope) {
	var payload GroupInvitePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		g.m.logger.Printf("bad group_invite payload: %v", err)
		return
	}

	notification := GroupInviteNotification{
		GroupID: payload.GroupID, Name: payload.Name, MasterID: payload.MasterID, InviterID: payload.InviterID,
	}
	g.mu.Lock()
	g.pendingInvites[payload.GroupID] = notification
	g.mu.Unlock()

	if g.m.opts.OnGroupInvite != nil {
		g.m.opts.OnGroupInvite(notification)
	}
}

func (g *groupEngine) handleGroupJoin(mp *managedPeer, env Envelope) {
	var payload GroupJoinPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		g.m.logger.Printf("bad group_join payload: %v", err)
		return
	}

	grp, ok := g.get(payload.GroupID)
	if !ok || grp.MasterID != g.self() {
		return
	}

	if !grp.HasMember(mp.id) {
		grp.Members = append(grp.Members, mp.id)
	}
	now := time.Now().Unix()
	if now > grp.Epoch {
		grp.Epoch = now
	} else {
		grp.Epoch++
	}
	if err := g.put(grp); err != nil {
		g.m.logger.Printf("save group after join: %v", err)
		return
	}

	ack := g.envelope(TypeGroupJoinAck, marshalPayload(GroupJoinAckPayload{
		GroupID: grp.GroupID, Members: grp.Members, MasterID: grp.MasterID, Epoch: grp.Epoch,
	}))
	_ = mp.conn.SendEnvelope(ack)

	g.broadcastGroupMaster(grp, mp.id)
}

func (g *groupEngine) handleGroupJoinAck(env Envelope) {
	var payload GroupJoinAckPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		g.m.logger.Printf("bad group_join_ack payload: %v", err)
		return
	}

	existing, _ := g.get(payload.GroupID)
	_ = g.put(models.Group{
		GroupID: payload.GroupID, Name: existing.Name, Members: payload.Members,
		MasterID: payload.MasterID, Epoch: payload.Epoch,
	})
}

func (g *groupEngine) handleGroupMessage(mp *managedPeer, env Envelope) {
	var payload GroupMessagePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		g.m.logger.Printf("bad group_message payload: %v", err)
		return
	}

	if g.m.opts.Store != nil {
		seen, err := g.m.opts.Store.HasGroupMessage(payload.GroupID, payload.MessageID)
		if err != nil {
			g.m.logger.Printf("check seen group message: %v", err)
			return
		}
		if seen {
			return
		}
	}

	msg := models.GroupMessage{
		MessageID: payload.MessageID, GroupID: payload.GroupID, FromID: payload.FromID,
		Text: payload.Text, Timestamp: env.Timestamp,
	}
	if g.m.opts.Store != nil {
		if err := g.m.opts.Store.AppendGroup(payload.GroupID, msg); err != nil {
			g.m.logger.Printf("append group message: %v", err)
			return
		}
	}

	grp, ok := g.get(payload.GroupID)
	if ok && grp.MasterID == g.self() {
		g.relay(grp, payload.MessageID, payload.FromID, payload.Text, payload.FromID)
		return
	}

	if g.m.opts.OnGroupMessage != nil {
		g.m.opts.OnGroupMessage(msg)
	}
}

func dedupMembers(members []string) []string {
	seen := make(map[string]bool, len(members))
	out := make([]string, 0, len(members))
	for _, id := range members {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

// CreateGroup allocates a new group with self as master (§4.6).
func (m *ConnectionManager) CreateGroup(name string, initialMembers []string) (models.Group, error) {
	return m.groups.createGroup(name, initialMembers)
}

// Invite sends group_invite to peerID.
func (m *ConnectionManager) Invite(groupID, peerID string) error {
	return m.groups.invite(groupID, peerID)
}

// AcceptInvite adopts a pending invite and joins the group.
func (m *ConnectionManager) AcceptInvite(groupID string) error {
	return m.groups.acceptInvite(groupID)
}

// SendGroup sends text to groupID via the effective master.
func (m *ConnectionManager) SendGroup(groupID, text string) error {
	return m.groups.sendGroup(groupID, text)
}

// GroupHistory returns groupID's message history from the history
// collaborator.
func (m *ConnectionManager) GroupHistory(groupID string) ([]models.GroupMessage, error) {
	if m.opts.Store == nil {
		return nil, nil
	}
	return m.opts.Store.ReadGroup(groupID)
}

// Groups returns every group this node currently believes it belongs to.
func (m *ConnectionManager) Groups() []models.Group {
	return m.groups.list()
}
