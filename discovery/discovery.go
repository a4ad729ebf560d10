// Package discovery implements the UDP broadcast discovery collaborator:
// periodic discovery_request broadcasts and discovery_response replies on
// a fixed port, producing a stream of Discovered peer records for the
// connection manager to dial.
package discovery

import (
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"
)

// Port is the fixed UDP port both broadcaster and listener use.
const Port = 50000

// BroadcastAddress is the LAN-wide broadcast target for discovery_request.
const BroadcastAddress = "255.255.255.255"

// Interval is how often this node announces itself.
const Interval = 3 * time.Second

const (
	typeDiscoveryRequest  = "discovery_request"
	typeDiscoveryResponse = "discovery_response"
)

// Identity is the local node's self-description advertised on the wire.
type Identity struct {
	DeviceID   string
	DeviceName string
	Platform   string
	TCPPort    int
}

// Discovered is one peer record surfaced to the connection manager.
type Discovered struct {
	DeviceID   string
	IP         string
	TCPPort    int
	Name       string
	Platform   string
}

type wireMessage struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	IP         string `json:"ip"`
	TCPPort    int    `json:"tcp_port"`
	Timestamp  int64  `json:"timestamp"`
}

// Service runs the broadcast and listen loops over one shared UDP socket.
type Service struct {
	identity Identity

	conn *net.UDPConn

	events chan Discovered

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	logger *log.Logger
}

// Start binds the discovery port and begins broadcasting and listening.
func Start(identity Identity, logger *log.Logger) (*Service, error) {
	return startOnPort(identity, logger, Port)
}

// startOnPort is Start with an overridable bind port, so tests can run
// two Services in one process without colliding on the fixed port 50000.
func startOnPort(identity Identity, logger *log.Logger, port int) (*Service, error) {
	if logger == nil {
		logger = log.Default()
	}

	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	s := &Service{
		identity: identity,
		conn:     conn,
		events:   make(chan Discovered, 64),
		closed:   make(chan struct{}),
		logger:   logger,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.listenLoop()

	return s, nil
}

// Events yields discovered peer records as discovery_response packets
// arrive. Responses from this node's own device_id are filtered out.
func (s *Service) Events() <-chan Discovered {
	return s.events
}

// Stop closes the socket and waits for both loops to exit.
func (s *Service) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
		s.wg.Wait()
		close(s.events)
	})
	return err
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	s.broadcastRequest()
	for {
		select {
		case <-ticker.C:
			s.broadcastRequest()
		case <-s.closed:
			return
		}
	}
}

func (s *Service) broadcastRequest() {
	msg := wireMessage{
		Type:       typeDiscoveryRequest,
		DeviceID:   s.identity.DeviceID,
		DeviceName: s.identity.DeviceName,
		Platform:   s.identity.Platform,
		IP:         localIPv4(),
		TCPPort:    s.identity.TCPPort,
		Timestamp:  time.Now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("discovery: encode request: %v", err)
		return
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: Port}
	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		s.logger.Printf("discovery: broadcast request: %v", err)
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Printf("discovery: read: %v", err)
				continue
			}
		}

		var msg wireMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}

		switch msg.Type {
		case typeDiscoveryRequest:
			if msg.DeviceID == s.identity.DeviceID {
				continue
			}
			s.sendResponse(addr.IP)
		case typeDiscoveryResponse:
			if msg.DeviceID == s.identity.DeviceID {
				continue
			}
			discovered := Discovered{
				DeviceID: msg.DeviceID,
				IP:       msg.IP,
				TCPPort:  msg.TCPPort,
				Name:     msg.DeviceName,
				Platform: msg.Platform,
			}
			select {
			case s.events <- discovered:
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Service) sendResponse(to net.IP) {
	msg := wireMessage{
		Type:       typeDiscoveryResponse,
		DeviceID:   s.identity.DeviceID,
		DeviceName: s.identity.DeviceName,
		Platform:   s.identity.Platform,
		IP:         localIPv4(),
		TCPPort:    s.identity.TCPPort,
		Timestamp:  time.Now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("discovery: encode response: %v", err)
		return
	}

	dst := &net.UDPAddr{IP: to, Port: Port}
	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		s.logger.Printf("discovery: send response: %v", err)
	}
}

// localIPv4 best-effort resolves this host's LAN-facing IPv4 address by
// inspecting interface addresses; it never returns an error, only "" on
// total failure. Peers dial the advertised "ip" field (both the
// connection manager's auto-dial and the shell's connect_discovered), so
// a wrong or empty value here makes discovery-driven connects to this
// node fail; a manual `connect <ip> <port>` is unaffected.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
