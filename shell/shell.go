// Package shell is the interactive text REPL: the external surface a user
// drives directly, reading one line at a time and dispatching to the
// connection manager.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"lanmsg/network"
)

// Shell reads commands from in and writes responses to out until "quit"
// or the input stream ends.
type Shell struct {
	manager *network.ConnectionManager
	in      *bufio.Scanner
	out     io.Writer

	discovered map[string]discoveredPeer
}

type discoveredPeer struct {
	ip   string
	port int
	name string
}

// New builds a Shell over manager, reading from in and writing to out.
func New(manager *network.ConnectionManager, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		manager:    manager,
		in:         bufio.NewScanner(in),
		out:        out,
		discovered: make(map[string]discoveredPeer),
	}
}

// NoteDiscovered records a discovery_response for later connect_discovered
// lookups. The caller's discovery-consuming goroutine should call this for
// every event it forwards to the shell.
func (s *Shell) NoteDiscovered(deviceID, ip string, port int, name string) {
	s.discovered[deviceID] = discoveredPeer{ip: ip, port: port, name: name}
}

// Run executes the read-dispatch loop until "quit" or EOF.
func (s *Shell) Run() {
	fmt.Fprintln(s.out, "Type a command, or 'help' for the list. 'quit' to exit.")
	for s.in.Scan() {
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		if s.dispatch(line) {
			return
		}
	}
}

func (s *Shell) dispatch(line string) (quit bool) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		s.printHelp()
	case "peers":
		s.cmdPeers()
	case "discoveries":
		s.cmdDiscoveries()
	case "connect":
		s.cmdConnect(args)
	case "connect_discovered":
		s.cmdConnectDiscovered(args)
	case "msg":
		s.cmdMsg(args)
	case "history":
		s.cmdHistory(args)
	case "groups":
		s.cmdGroups()
	case "group_create":
		s.cmdGroupCreate(args)
	case "invite":
		s.cmdInvite(args)
	case "accept_invite":
		s.cmdAcceptInvite(args)
	case "group_send":
		s.cmdGroupSend(args)
	case "group_history":
		s.cmdGroupHistory(args)
	case "sendfile":
		s.cmdSendFile(args)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(s.out, "unknown command %q, type 'help' for the list\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `commands:
  peers
  discoveries
  connect <ip> <port>
  connect_discovered <device_id>
  msg <peer_id> <text...>
  history <peer_id>
  groups
  group_create <name> <peer_id,...>
  invite <group_id> <peer_id>
  accept_invite <group_id>
  group_send <group_id> <text...>
  group_history <group_id>
  sendfile <peer_id> <path>
  quit`)
}

func (s *Shell) cmdPeers() {
	peers := s.manager.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(s.out, "no connected peers")
		return
	}
	for _, p := range peers {
		fmt.Fprintf(s.out, "%s  %-20s %-8s %s\n", p.DeviceID, p.DeviceName, p.Platform, p.Address)
	}
}

func (s *Shell) cmdDiscoveries() {
	if len(s.discovered) == 0 {
		fmt.Fprintln(s.out, "no discoveries yet")
		return
	}
	for id, d := range s.discovered {
		fmt.Fprintf(s.out, "%s  %-20s %s:%d\n", id, d.name, d.ip, d.port)
	}
}

func (s *Shell) cmdConnect(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: connect <ip> <port>")
		return
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(s.out, "bad port %q: %v\n", args[1], err)
		return
	}
	peer, err := s.manager.Connect(args[0], port)
	if err != nil {
		fmt.Fprintf(s.out, "connect failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "connected to %s (%s)\n", peer.DeviceID, peer.DeviceName)
}

func (s *Shell) cmdConnectDiscovered(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: connect_discovered <device_id>")
		return
	}
	d, ok := s.discovered[args[0]]
	if !ok {
		fmt.Fprintf(s.out, "no discovery recorded for %q\n", args[0])
		return
	}
	peer, err := s.manager.Connect(d.ip, d.port)
	if err != nil {
		fmt.Fprintf(s.out, "connect failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "connected to %s (%s)\n", peer.DeviceID, peer.DeviceName)
}

func (s *Shell) cmdMsg(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "usage: msg <peer_id> <text...>")
		return
	}
	text := strings.Join(args[1:], " ")
	if err := s.manager.SendDirect(args[0], text); err != nil {
		fmt.Fprintf(s.out, "send failed: %v\n", err)
	}
}

func (s *Shell) cmdHistory(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: history <peer_id>")
		return
	}
	msgs, err := s.manager.DirectHistory(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "history failed: %v\n", err)
		return
	}
	if len(msgs) == 0 {
		fmt.Fprintln(s.out, "no history")
		return
	}
	for _, m := range msgs {
		direction := "<-"
		if m.Originated {
			direction = "->"
		}
		fmt.Fprintf(s.out, "%s %s: %s\n", direction, m.FromID, m.Text)
	}
}

func (s *Shell) cmdGroups() {
	groups := s.manager.Groups()
	if len(groups) == 0 {
		fmt.Fprintln(s.out, "no groups")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(s.out, "%s  %-20s master=%s members=%s\n", g.GroupID, g.Name, g.MasterID, strings.Join(g.Members, ","))
	}
}

func (s *Shell) cmdGroupCreate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "usage: group_create <name> <peer_id,...>")
		return
	}
	var members []string
	if len(args) > 1 {
		members = strings.Split(args[1], ",")
	}
	g, err := s.manager.CreateGroup(args[0], members)
	if err != nil {
		fmt.Fprintf(s.out, "group_create failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "created group %s (%s)\n", g.GroupID, g.Name)
}

func (s *Shell) cmdInvite(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: invite <group_id> <peer_id>")
		return
	}
	if err := s.manager.Invite(args[0], args[1]); err != nil {
		fmt.Fprintf(s.out, "invite failed: %v\n", err)
	}
}

func (s *Shell) cmdAcceptInvite(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: accept_invite <group_id>")
		return
	}
	if err := s.manager.AcceptInvite(args[0]); err != nil {
		fmt.Fprintf(s.out, "accept_invite failed: %v\n", err)
	}
}

func (s *Shell) cmdGroupSend(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "usage: group_send <group_id> <text...>")
		return
	}
	text := strings.Join(args[1:], " ")
	if err := s.manager.SendGroup(args[0], text); err != nil {
		fmt.Fprintf(s.out, "group_send failed: %v\n", err)
	}
}

func (s *Shell) cmdGroupHistory(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: group_history <group_id>")
		return
	}
	msgs, err := s.manager.GroupHistory(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "group_history failed: %v\n", err)
		return
	}
	if len(msgs) == 0 {
		fmt.Fprintln(s.out, "no history")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(s.out, "%s: %s\n", m.FromID, m.Text)
	}
}

func (s *Shell) cmdSendFile(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: sendfile <peer_id> <path>")
		return
	}
	if err := s.manager.SendFile(args[0], args[1]); err != nil {
		fmt.Fprintf(s.out, "sendfile failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "file sent")
}
