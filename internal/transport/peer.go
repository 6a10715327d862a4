package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/probechain/intrascale/internal/hardware"
	"github.com/probechain/intrascale/internal/wire"
)

// outboundQueueSize bounds the per-link write queue. When the queue is full,
// Send blocks until there is room or the link is closed; a slow link is not
// detected as stalled.
const outboundQueueSize = 64

// Peer is a live connection to a remote node (SPEC_FULL.md §3's "Peer
// record"). It owns the TCP stream, a single writer goroutine serializing
// all outbound frames (SPEC_FULL.md §4.3's "dedicated writer activity"),
// and the most recently reported hardware snapshot.
type Peer struct {
	Hostname string
	IP       string
	Port     int

	// id is an internal correlation id; it never appears on the wire
	// (SPEC_FULL.md §3), and no log line includes it.
	id uuid.UUID

	conn net.Conn

	hwMu     sync.RWMutex
	hardware hardware.Snapshot

	active int32 // atomic bool

	outbound chan frameToSend
	closeCh  chan struct{}
	closeMu  sync.Mutex
}

type frameToSend struct {
	kind Kind
	data interface{}
	errc chan error
}

// Kind re-exports wire.Kind for callers that only import transport.
type Kind = wire.Kind

func newPeer(hostname, ip string, port int, conn net.Conn, hw hardware.Snapshot) *Peer {
	p := &Peer{
		Hostname: hostname,
		IP:       ip,
		Port:     port,
		id:       uuid.New(),
		conn:     conn,
		hardware: hw,
		active:   1,
		outbound: make(chan frameToSend, outboundQueueSize),
		closeCh:  make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *Peer) writeLoop() {
	for {
		select {
		case f := <-p.outbound:
			err := wire.WriteEnvelope(p.conn, f.kind, f.data)
			if f.errc != nil {
				f.errc <- err
			}
			if err != nil {
				p.markDead()
			}
		case <-p.closeCh:
			return
		}
	}
}

// Send enqueues a frame for the write loop and returns once it has been
// written (or failed to write). Safe for concurrent use by the scheduler
// and the executor's reply path alike.
func (p *Peer) Send(kind Kind, data interface{}) error {
	if !p.IsActive() {
		return fmt.Errorf("transport: peer %s is not active", p.Hostname)
	}
	errc := make(chan error, 1)
	select {
	case p.outbound <- frameToSend{kind: kind, data: data, errc: errc}:
	case <-p.closeCh:
		return fmt.Errorf("transport: peer %s is closed", p.Hostname)
	}
	select {
	case err := <-errc:
		return err
	case <-p.closeCh:
		return fmt.Errorf("transport: peer %s is closed", p.Hostname)
	}
}

// HardwareInfo returns the most recently received hardware snapshot.
func (p *Peer) HardwareInfo() hardware.Snapshot {
	p.hwMu.RLock()
	defer p.hwMu.RUnlock()
	return p.hardware
}

func (p *Peer) setHardwareInfo(hw hardware.Snapshot) {
	p.hwMu.Lock()
	p.hardware = hw
	p.hwMu.Unlock()
}

// IsActive reports whether the link is believed live.
func (p *Peer) IsActive() bool {
	return atomic.LoadInt32(&p.active) == 1
}

func (p *Peer) markDead() {
	atomic.StoreInt32(&p.active, 0)
}

// close tears down the link's writer goroutine and underlying socket. Safe
// to call more than once.
func (p *Peer) close() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	select {
	case <-p.closeCh:
		return
	default:
		close(p.closeCh)
	}
	p.markDead()
	p.conn.Close()
}
