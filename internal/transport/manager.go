// Package transport implements the Connection Manager (SPEC_FULL.md §4.3):
// the TCP server and dialer, the handshake, the framed-message transport,
// and the peer table.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru"

	"github.com/probechain/intrascale/internal/hardware"
	"github.com/probechain/intrascale/internal/log"
	"github.com/probechain/intrascale/internal/nat"
	"github.com/probechain/intrascale/internal/wire"
)

// DefaultPort is the TCP peer port (SPEC_FULL.md §6).
const DefaultPort = 50001

// handshakeTimeout bounds how long the handshake exchange may take before
// the link is abandoned (SPEC_FULL.md §5's added handshake deadline).
const handshakeTimeout = 5 * time.Second

// dialBackoffCacheSize bounds the LRU of recently failed dial attempts so a
// flapping peer can't be retried in a hot loop (SPEC_FULL.md's domain-stack
// note on golang-lru).
const dialBackoffCacheSize = 256

// selfDialNonceCacheBytes sizes the fastcache guarding against two
// concurrent outbound dials to the same hostname. Inbound accepts do not
// consult it.
const selfDialNonceCacheBytes = 64 * 1024

// TaskFrameHandler is invoked by the Manager for every inbound `task`
// frame. SPEC_FULL.md's executor reply path uses peer.Send to respond.
type TaskFrameHandler func(peer *Peer, data wire.TaskData)

// PollFrameHandler is invoked for inbound task_status frames with no
// status set — a poll request directed at this node acting as a worker.
type PollFrameHandler func(peer *Peer, taskID string)

// StatusReportHandler is invoked for inbound task_status frames that do
// carry a status — either the acknowledged reply to our own poll, or an
// unprompted completed/failed push. The Scheduler routes these by task_id.
type StatusReportHandler func(peer *Peer, data wire.TaskStatusData)

// Manager owns the peer table and the TCP transport.
type Manager struct {
	port int
	log  log.Logger

	probe *hardware.Probe

	mu    sync.RWMutex
	peers map[string]*Peer
	order []string // hostnames in first-installed order, for first-fit iteration

	dialBackoff *lru.Cache
	nonces      *fastcache.Cache

	onTask   TaskFrameHandler
	onPoll   PollFrameHandler
	onReport StatusReportHandler

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithPort overrides DefaultPort.
func WithPort(port int) Option {
	return func(m *Manager) { m.port = port }
}

// New constructs a Manager. probe is used to answer the local hardware
// snapshot exchanged during handshake.
func New(probe *hardware.Probe, opts ...Option) (*Manager, error) {
	backoff, err := lru.New(dialBackoffCacheSize)
	if err != nil {
		return nil, fmt.Errorf("transport: create dial backoff cache: %w", err)
	}
	m := &Manager{
		port:        DefaultPort,
		log:         log.New("component", "transport"),
		probe:       probe,
		peers:       make(map[string]*Peer),
		dialBackoff: backoff,
		nonces:      fastcache.New(selfDialNonceCacheBytes),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetHandlers registers the Executor's and Scheduler's inbound-frame
// callbacks. Must be called before StartServer/ConnectToNode observe
// traffic, since frames arriving before registration are dropped.
func (m *Manager) SetHandlers(onTask TaskFrameHandler, onPoll PollFrameHandler, onReport StatusReportHandler) {
	m.onTask = onTask
	m.onPoll = onPoll
	m.onReport = onReport
}

// StartServer binds the TCP peer port with address reuse and accepts
// connections indefinitely until Stop is called.
func (m *Manager) StartServer() error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", m.port))
	if err != nil {
		return fmt.Errorf("transport: listen on port %d: %w", m.port, err)
	}
	m.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go nat.MapPort(defaultGatewayGuess(), m.port, m.port)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(ctx, ln)
	}()

	m.log.Info("connection manager listening", "port", m.port)
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("error accepting connection", "err", err)
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleIncoming(conn)
		}()
	}
}

func (m *Manager) handleIncoming(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	env, err := wire.ReadEnvelope(conn)
	if err != nil || env.Type != wire.KindHandshake {
		m.log.Debug("rejecting connection: first frame was not a handshake", "err", err)
		conn.Close()
		return
	}

	var hs wire.HandshakeData
	if err := decodeInto(env.Data, &hs); err != nil || hs.Hostname == "" {
		m.log.Debug("rejecting connection: malformed handshake", "err", err)
		conn.Close()
		return
	}

	local, err := m.probe.SystemInfo()
	if err != nil {
		m.log.Error("failed to sample local hardware for handshake reply", "err", err)
		conn.Close()
		return
	}
	if err := wire.WriteEnvelope(conn, wire.KindHandshake, snapshotToHandshake(local)); err != nil {
		m.log.Error("failed to reply to handshake", "err", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	peer := newPeer(hs.Hostname, remoteHost, 0, conn, handshakeToSnapshot(hs))
	m.installPeer(peer)
	m.log.Info("accepted connection", "hostname", hs.Hostname, "ip", remoteHost)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(peer)
	}()
}

// ConnectToNode dials (ip, peer-port), performs the handshake, and installs
// a peer record keyed by hostname. Returns false and leaves no partial
// state on any failure.
//
// A cluster conventionally runs every node on the same transport port, so
// the target port defaults to this Manager's own configured port; an
// explicit port may be given to reach a node configured differently (tests
// exercising two managers on one host rely on this).
func (m *Manager) ConnectToNode(hostname, ip string, port ...int) bool {
	targetPort := m.port
	if len(port) > 0 {
		targetPort = port[0]
	}

	if _, ok := m.dialBackoff.Get(hostname); ok {
		m.log.Debug("skipping dial to recently failed peer", "hostname", hostname)
		return false
	}

	nonceKey := []byte("dial:" + hostname)
	if m.nonces.Has(nonceKey) {
		m.log.Debug("skipping simultaneous dial to peer already being connected", "hostname", hostname)
		return false
	}
	m.nonces.Set(nonceKey, []byte{1})
	defer m.nonces.Del(nonceKey)

	addr := net.JoinHostPort(ip, strconv.Itoa(targetPort))
	conn, err := net.DialTimeout("tcp4", addr, handshakeTimeout)
	if err != nil {
		m.log.Warn("failed to connect to node", "hostname", hostname, "err", err)
		m.dialBackoff.Add(hostname, time.Now())
		return false
	}
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	local, err := m.probe.SystemInfo()
	if err != nil {
		conn.Close()
		m.log.Error("failed to sample local hardware for handshake", "err", err)
		return false
	}
	if err := wire.WriteEnvelope(conn, wire.KindHandshake, snapshotToHandshake(local)); err != nil {
		conn.Close()
		m.dialBackoff.Add(hostname, time.Now())
		return false
	}

	env, err := wire.ReadEnvelope(conn)
	if err != nil || env.Type != wire.KindHandshake {
		conn.Close()
		m.log.Warn("failed to connect to node: bad handshake reply", "hostname", hostname, "err", err)
		m.dialBackoff.Add(hostname, time.Now())
		return false
	}
	var hs wire.HandshakeData
	if err := decodeInto(env.Data, &hs); err != nil {
		conn.Close()
		m.dialBackoff.Add(hostname, time.Now())
		return false
	}
	conn.SetDeadline(time.Time{})

	peer := newPeer(hostname, ip, targetPort, conn, handshakeToSnapshot(hs))
	m.installPeer(peer)
	m.dialBackoff.Remove(hostname)
	m.log.Info("connected to node", "hostname", hostname, "ip", ip)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(peer)
	}()
	return true
}

// installPeer adds peer to the table, closing and replacing any existing
// record for the same hostname (SPEC_FULL.md §3 invariant: at most one
// entry per hostname).
func (m *Manager) installPeer(peer *Peer) {
	m.mu.Lock()
	if old, ok := m.peers[peer.Hostname]; ok {
		old.close()
	} else {
		m.order = append(m.order, peer.Hostname)
	}
	m.peers[peer.Hostname] = peer
	m.mu.Unlock()
}

func (m *Manager) readLoop(peer *Peer) {
	defer func() {
		peer.markDead()
	}()
	for {
		env, err := wire.ReadEnvelope(peer.conn)
		if err != nil {
			if peer.IsActive() {
				m.log.Debug("peer link read failed", "hostname", peer.Hostname, "err", err)
			}
			return
		}

		switch env.Type {
		case wire.KindTask:
			var td wire.TaskData
			if err := decodeInto(env.Data, &td); err != nil {
				m.log.Debug("discarding malformed task frame", "hostname", peer.Hostname, "err", err)
				continue
			}
			if m.onTask != nil {
				m.onTask(peer, td)
			}
		case wire.KindTaskStatus:
			var tsd wire.TaskStatusData
			if err := decodeInto(env.Data, &tsd); err != nil {
				m.log.Debug("discarding malformed task_status frame", "hostname", peer.Hostname, "err", err)
				continue
			}
			if tsd.IsPoll() {
				if m.onPoll != nil {
					m.onPoll(peer, tsd.TaskID)
				}
			} else if m.onReport != nil {
				m.onReport(peer, tsd)
			}
		default:
			m.log.Debug("closing link: unexpected frame type", "hostname", peer.Hostname, "type", env.Type)
			peer.close()
			return
		}
	}
}

// GetConnectedNodes returns a snapshot of the peer table.
func (m *Manager) GetConnectedNodes() map[string]*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Peer, len(m.peers))
	for k, v := range m.peers {
		out[k] = v
	}
	return out
}

// OrderedPeers returns live peers in first-installed order, the iteration
// order the Scheduler's first-fit algorithm requires (SPEC_FULL.md §4.5).
// Dead links are skipped but remain in the table until Stop or replacement.
func (m *Manager) OrderedPeers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.order))
	for _, host := range m.order {
		if p, ok := m.peers[host]; ok && p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

// Peer looks up one peer by hostname.
func (m *Manager) Peer(hostname string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[hostname]
	return p, ok
}

// Stop closes every peer link, stops the accept loop, and clears the table.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	for _, p := range m.peers {
		p.close()
	}
	m.peers = make(map[string]*Peer)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("connection manager stopped")
}

func decodeInto(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func snapshotToHandshake(s hardware.Snapshot) wire.HandshakeData {
	return wire.HandshakeData{
		CPUCount:        s.CPUCount,
		CPUPercent:      s.CPUPercent,
		MemoryTotal:     s.MemoryTotal,
		MemoryAvailable: s.MemoryAvailable,
		MemoryPercent:   s.MemoryPercent,
		DiskTotal:       s.DiskTotal,
		DiskFree:        s.DiskFree,
		System:          s.System,
		Machine:         s.Machine,
		Processor:       s.Processor,
		Hostname:        s.Hostname,
	}
}

func handshakeToSnapshot(h wire.HandshakeData) hardware.Snapshot {
	return hardware.Snapshot{
		CPUCount:        h.CPUCount,
		CPUPercent:      h.CPUPercent,
		MemoryTotal:     h.MemoryTotal,
		MemoryAvailable: h.MemoryAvailable,
		MemoryPercent:   h.MemoryPercent,
		DiskTotal:       h.DiskTotal,
		DiskFree:        h.DiskFree,
		System:          h.System,
		Machine:         h.Machine,
		Processor:       h.Processor,
		Hostname:        h.Hostname,
	}
}

// defaultGatewayGuess supplies the LAN gateway for NAT-PMP mapping. It
// always returns "", so NAT-PMP is skipped and only UPnP is attempted (see
// internal/nat).
func defaultGatewayGuess() string {
	return ""
}
