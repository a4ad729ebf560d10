package network

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lanmsg/discovery"
	"lanmsg/models"
	"lanmsg/storage"
)

// Options configures a ConnectionManager.
type Options struct {
	Identity Identity
	Store    *storage.Store

	// FilesDir is where completed incoming files are written (§4.4).
	FilesDir string

	Logger *log.Logger

	OnDirectMessage func(peerID string, msg models.DirectMessage)
	OnGroupMessage  func(msg models.GroupMessage)
	OnGroupInvite   func(invite GroupInviteNotification)
	OnFileReceived  func(peerID, filename, path string)
	OnFileProgress  func(progress FileProgress)
	OnPeerConnected func(peer models.Peer)
	OnPeerLost      func(deviceID string)
}

// managedPeer is one live, handshaked connection plus the address it was
// reached at (needed to redial after an unexpected disconnect).
type managedPeer struct {
	id       string
	name     string
	platform string
	address  string
	conn     *PeerConnection
}

// ConnectionManager is the core's accept/dial/dispatch hub: it owns the
// peer index keyed by device_id (§3, §5 acquire order: index lock before
// any per-peer write mutex), routes incoming events to direct messaging,
// the group engine or the file receiver, and drives reconnects.
type ConnectionManager struct {
	opts Options

	server *Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	peers       map[string]*managedPeer
	addressBook map[string]string

	dialGroup singleflight.Group

	reconnectMu  sync.Mutex
	reconnecting map[string]bool

	groups *groupEngine

	fileMu    sync.Mutex
	transfers map[string]*inboundFileTransfer

	logger *log.Logger
}

// NewManager builds a manager. Call Start to begin accepting connections.
func NewManager(opts Options) *ConnectionManager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "network: ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &ConnectionManager{
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		peers:        make(map[string]*managedPeer),
		addressBook:  make(map[string]string),
		reconnecting: make(map[string]bool),
		transfers:    make(map[string]*inboundFileTransfer),
		logger:       logger,
	}
	m.groups = newGroupEngine(m)
	return m
}

// Start begins accepting inbound TCP connections on listenAddress and
// subscribes to discoveryIn, dialing any discovered peer whose device_id
// is not already known (§4.3).
func (m *ConnectionManager) Start(listenAddress string, discoveryIn <-chan discovery.Discovered) error {
	if err := m.groups.loadFromStore(); err != nil {
		return err
	}

	server, err := Listen(listenAddress, m.opts.Identity)
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(1)
	go m.acceptLoop()

	m.wg.Add(1)
	go m.logServerErrors()

	if discoveryIn != nil {
		m.wg.Add(1)
		go m.consumeDiscoveries(discoveryIn)
	}

	return nil
}

// Addr returns the manager's listening address, valid after Start.
func (m *ConnectionManager) Addr() net.Addr {
	return m.server.Addr()
}

func (m *ConnectionManager) acceptLoop() {
	defer m.wg.Done()
	for {
		select {
		case accepted, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.registerPeer(accepted, accepted.Conn.conn.RemoteAddr().String())
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) logServerErrors() {
	defer m.wg.Done()
	for {
		select {
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.logger.Printf("accept error: %v", err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) consumeDiscoveries(discoveryIn <-chan discovery.Discovered) {
	defer m.wg.Done()
	for {
		select {
		case d, ok := <-discoveryIn:
			if !ok {
				return
			}
			if d.DeviceID == m.opts.Identity.DeviceID {
				continue
			}
			if m.hasPeer(d.DeviceID) {
				continue
			}
			go func(d discovery.Discovered) {
				if _, err := m.Connect(d.IP, d.TCPPort); err != nil {
					m.logger.Printf("dial discovered peer %s: %v", d.DeviceID, err)
				}
			}(d)
		case <-m.ctx.Done():
			return
		}
	}
}

// Connect dials address host:port and performs handshake. Concurrent
// calls for the same address are coalesced via singleflight so discovery
// and a manual `connect` command racing each other produce one dial.
func (m *ConnectionManager) Connect(ip string, port int) (models.Peer, error) {
	address := net.JoinHostPort(ip, strconv.Itoa(port))

	v, err, _ := m.dialGroup.Do(address, func() (any, error) {
		accepted, dialErr := Dial(address, m.opts.Identity)
		if dialErr != nil {
			return nil, dialErr
		}
		return m.registerPeer(accepted, address), nil
	})
	if err != nil {
		return models.Peer{}, err
	}
	return v.(models.Peer), nil
}

// registerPeer installs accepted as the peer record for its device_id,
// closing any older connection for the same id (§3: "the newer one
// replaces the older"), then starts its event-dispatch goroutine.
func (m *ConnectionManager) registerPeer(accepted AcceptedPeer, address string) models.Peer {
	mp := &managedPeer{
		id:       accepted.DeviceID,
		name:     accepted.DeviceName,
		platform: accepted.Platform,
		address:  address,
		conn:     accepted.Conn,
	}

	m.mu.Lock()
	old := m.peers[accepted.DeviceID]
	m.peers[accepted.DeviceID] = mp
	m.addressBook[accepted.DeviceID] = address
	m.mu.Unlock()

	if old != nil && old.conn != mp.conn {
		old.conn.Close()
	}

	m.wg.Add(1)
	go m.dispatchLoop(mp)

	peer := models.Peer{DeviceID: mp.id, DeviceName: mp.name, Platform: mp.platform, Address: mp.address}
	if m.opts.OnPeerConnected != nil {
		m.opts.OnPeerConnected(peer)
	}
	return peer
}

func (m *ConnectionManager) dispatchLoop(mp *managedPeer) {
	defer m.wg.Done()
	for ev := range mp.conn.Events() {
		switch ev.Kind {
		case EventHandshake:
			// Already consumed by Dial/Listen to build the AcceptedPeer.
		case EventJSON:
			m.dispatchEnvelope(mp, ev.Envelope)
		case EventBinaryFileMeta:
			m.handleFileMeta(mp, ev.FileMeta)
		case EventBinaryFileChunk:
			m.handleFileChunk(mp, ev.FileChunk)
		case EventClosed:
			m.deregisterPeer(mp, ev)
		}
	}
}

func (m *ConnectionManager) dispatchEnvelope(mp *managedPeer, env Envelope) {
	switch env.Type {
	case TypeMessage:
		m.handleDirectMessage(mp, env)
	case TypeGroupMaster, TypeGroupInvite, TypeGroupJoin, TypeGroupJoinAck, TypeGroupJoinReject, TypeGroupMessage:
		m.groups.handleEnvelope(mp, env)
	case TypeFileMeta:
		m.handleLegacyFileMeta(mp, env)
	case TypeFileChunk:
		m.handleLegacyFileChunk(mp, env)
	default:
		m.logger.Printf("dropping unknown envelope type %q from %s", env.Type, mp.id)
	}
}

func (m *ConnectionManager) deregisterPeer(mp *managedPeer, ev Event) {
	m.mu.Lock()
	current, ok := m.peers[mp.id]
	stillCurrent := ok && current.conn == mp.conn
	if stillCurrent {
		delete(m.peers, mp.id)
	}
	m.mu.Unlock()

	if !stillCurrent {
		// A newer connection for this device_id already replaced mp;
		// this is the old connection's own close event, not a real loss.
		return
	}

	m.cleanupTransfersForPeer(mp.id)

	if m.opts.OnPeerLost != nil {
		m.opts.OnPeerLost(mp.id)
	}

	if ev.CloseReason == CloseLocal {
		return
	}
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	m.scheduleReconnect(mp.id, mp.address)
}

// Peers returns the currently handshaked peer set.
func (m *ConnectionManager) Peers() []models.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Peer, 0, len(m.peers))
	for _, mp := range m.peers {
		out = append(out, models.Peer{DeviceID: mp.id, DeviceName: mp.name, Platform: mp.platform, Address: mp.address})
	}
	return out
}

func (m *ConnectionManager) hasPeer(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[deviceID]
	return ok
}

func (m *ConnectionManager) peerConn(deviceID string) (*managedPeer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.peers[deviceID]
	return mp, ok
}

// Shutdown closes the listener, then closes every peer connection
// concurrently (bounded by errgroup) rather than sequentially, and waits
// for all manager goroutines to exit.
func (m *ConnectionManager) Shutdown() error {
	m.cancel()

	if m.server != nil {
		_ = m.server.Close()
	}

	m.mu.Lock()
	conns := make([]*PeerConnection, 0, len(m.peers))
	for _, mp := range m.peers {
		conns = append(conns, mp.conn)
	}
	m.mu.Unlock()

	var eg errgroup.Group
	for _, conn := range conns {
		conn := conn
		eg.Go(func() error {
			return conn.Close()
		})
	}
	_ = eg.Wait()

	m.wg.Wait()
	return nil
}
