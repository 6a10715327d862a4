// Package discovery implements the UDP broadcast presence protocol
// (SPEC_FULL.md §4.2): every node periodically announces its hostname on
// the LAN broadcast address and listens for the same announcement from
// others, building a local (hostname, ip) node set.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/probechain/intrascale/internal/log"
)

// DefaultPort is the UDP discovery port (SPEC_FULL.md §6).
const DefaultPort = 50000

// DefaultBroadcastInterval is how often a node announces itself.
const DefaultBroadcastInterval = 5 * time.Second

// broadcastAddr is the IPv4 limited broadcast address.
const broadcastAddr = "255.255.255.255"

// datagramBufferSize bounds a single inbound UDP read; discovery payloads
// are a single small JSON object, never more than this.
const datagramBufferSize = 1024

// Node is a discovered peer's discovery-level identity: a hostname paired
// with the IP address the announcement was observed from.
type Node struct {
	Hostname string
	IP       string
}

func (n Node) String() string { return fmt.Sprintf("%s@%s", n.Hostname, n.IP) }

type announcement struct {
	Hostname string `json:"hostname"`
}

// Service runs the broadcaster and listener goroutines and maintains the
// discovered node set.
type Service struct {
	port              int
	broadcastInterval time.Duration
	hostname          string
	log               log.Logger

	mu    sync.Mutex
	nodes mapset.Set // of Node

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithPort overrides DefaultPort.
func WithPort(port int) Option {
	return func(s *Service) { s.port = port }
}

// WithBroadcastInterval overrides DefaultBroadcastInterval.
func WithBroadcastInterval(d time.Duration) Option {
	return func(s *Service) { s.broadcastInterval = d }
}

// New constructs a discovery Service bound to the local hostname.
func New(opts ...Option) (*Service, error) {
	name, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve hostname: %w", err)
	}
	s := &Service{
		port:              DefaultPort,
		broadcastInterval: DefaultBroadcastInterval,
		hostname:          name,
		log:               log.New("component", "discovery"),
		nodes:             mapset.NewSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins broadcasting and listening. It is idempotent: calling Start
// twice without an intervening Stop is a no-op.
func (s *Service) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	s.done = make(chan struct{})

	group.Go(func() error { s.broadcastLoop(gctx); return nil })
	group.Go(func() error { s.listenLoop(gctx); return nil })

	go func() {
		group.Wait()
		close(s.done)
	}()

	s.log.Info("discovery service started", "port", s.port, "interval", s.broadcastInterval)
}

// Stop halts both loops. In-flight sends/receives may be discarded.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.log.Info("discovery service stopped")
}

// GetNodes returns a snapshot of the current discovery set. Self-entries
// (hostname equal to the local hostname) may be present; callers must
// filter them (SPEC_FULL.md §4.2).
func (s *Service) GetNodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, s.nodes.Cardinality())
	for n := range s.nodes.Iter() {
		out = append(out, n.(Node))
	}
	return out
}

// Hostname returns the local hostname used for self-filtering.
func (s *Service) Hostname() string { return s.hostname }

func (s *Service) broadcastLoop(ctx context.Context) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		s.log.Error("failed to open broadcast socket", "err", err)
		return
	}
	defer conn.Close()

	udpConn, ok := conn.(*net.UDPConn)
	if ok {
		udpConn.SetWriteBuffer(datagramBufferSize)
	}

	dst, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", broadcastAddr, s.port))
	if err != nil {
		s.log.Error("failed to resolve broadcast address", "err", err)
		return
	}

	limiter := rate.NewLimiter(rate.Every(s.broadcastInterval), 1)

	ticker := time.NewTicker(s.broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			payload, err := json.Marshal(announcement{Hostname: s.hostname})
			if err != nil {
				s.log.Error("failed to encode announcement", "err", err)
				continue
			}
			if _, err := conn.WriteTo(payload, dst); err != nil {
				s.log.Error("error broadcasting presence", "err", err)
			}
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.log.Error("failed to bind discovery listener", "err", err)
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, datagramBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("error listening for nodes", "err", err)
			continue
		}

		var ann announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			// Malformed datagrams are silently dropped (SPEC_FULL.md §4.2).
			continue
		}
		if ann.Hostname == "" {
			continue
		}

		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}

		node := Node{Hostname: ann.Hostname, IP: host}
		s.mu.Lock()
		isNew := !s.nodes.Contains(node)
		s.nodes.Add(node)
		s.mu.Unlock()
		if isNew {
			s.log.Info("discovered node", "hostname", node.Hostname, "ip", node.IP)
		}
	}
}
