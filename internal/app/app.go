// Package app wires discovery, transport, the executor, the scheduler, and
// the introspection API together into one running node, mirroring the
// Python reference's top-level Intrascale class (original_source/__main__.py,
// resource_manager.py).
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/probechain/intrascale/internal/config"
	"github.com/probechain/intrascale/internal/discovery"
	"github.com/probechain/intrascale/internal/executor"
	"github.com/probechain/intrascale/internal/hardware"
	"github.com/probechain/intrascale/internal/httpapi"
	"github.com/probechain/intrascale/internal/log"
	"github.com/probechain/intrascale/internal/scheduler"
	"github.com/probechain/intrascale/internal/transport"
)

// autoConnectInterval is how often the node scans freshly discovered nodes
// and dials any that aren't yet in the peer table.
const autoConnectInterval = 2 * time.Second

// Node is one running intrascale instance: the full discovery/transport/
// executor/scheduler/httpapi pipeline over a single hardware probe.
type Node struct {
	cfg config.Config
	log log.Logger

	Probe     *hardware.Probe
	Discovery *discovery.Service
	Transport *transport.Manager
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	HTTPAPI   *httpapi.Server

	cancel context.CancelFunc
}

// New constructs a Node's components and wires their handlers together,
// but does not start anything.
func New(cfg config.Config) (*Node, error) {
	probe, err := hardware.New()
	if err != nil {
		return nil, fmt.Errorf("app: create hardware probe: %w", err)
	}

	disc, err := discovery.New(
		discovery.WithPort(cfg.Discovery.Port),
		discovery.WithBroadcastInterval(cfg.Discovery.BroadcastInterval.Duration),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create discovery service: %w", err)
	}

	tm, err := transport.New(probe, transport.WithPort(cfg.Transport.Port))
	if err != nil {
		return nil, fmt.Errorf("app: create connection manager: %w", err)
	}

	exec := executor.New(probe)
	sched := scheduler.New(tm)

	tm.SetHandlers(exec.HandleTask, exec.HandlePoll, sched.RouteStatusReport)

	n := &Node{
		cfg:       cfg,
		log:       log.New("component", "app"),
		Probe:     probe,
		Discovery: disc,
		Transport: tm,
		Executor:  exec,
		Scheduler: sched,
	}

	if cfg.HTTPAPI.Enabled {
		n.HTTPAPI = httpapi.New(tm, sched)
		sched.SetEventHandler(func(taskID string, status scheduler.Status) {
			n.HTTPAPI.PublishEvent(httpapi.Event{TaskID: taskID, Status: string(status)})
		})
	}

	return n, nil
}

// RegisterTask installs a task handler under name, analogous to the Python
// reference's register_task.
func (n *Node) RegisterTask(name string, h executor.Handler) {
	n.Executor.Register(name, h)
}

// SubmitTask submits a task for scheduling, analogous to the Python
// reference's submit_task.
func (n *Node) SubmitTask(handlerName string, args []interface{}, kwargs map[string]interface{}, requiredCPU, requiredMemory float64) (string, error) {
	encodedArgs, err := encodeSlice(args)
	if err != nil {
		return "", fmt.Errorf("app: encode task args: %w", err)
	}
	encodedKwargs, err := encodeMap(kwargs)
	if err != nil {
		return "", fmt.Errorf("app: encode task kwargs: %w", err)
	}
	return n.Scheduler.Submit(handlerName, encodedArgs, encodedKwargs, requiredCPU, requiredMemory), nil
}

// GetTaskStatus exposes the scheduler's task snapshot lookup.
func (n *Node) GetTaskStatus(taskID string) (scheduler.Snapshot, bool) {
	return n.Scheduler.GetTaskStatus(taskID)
}

// GetAllTasks exposes the scheduler's full task history.
func (n *Node) GetAllTasks() []scheduler.Snapshot {
	return n.Scheduler.GetAllTasks()
}

// Start brings every subsystem up: discovery, the TCP server, and (if
// enabled) the HTTP introspection API, then begins auto-connecting to
// newly discovered nodes.
func (n *Node) Start() error {
	n.Discovery.Start()

	if err := n.Transport.StartServer(); err != nil {
		n.Discovery.Stop()
		return fmt.Errorf("app: start connection manager: %w", err)
	}

	if n.HTTPAPI != nil {
		n.HTTPAPI.Start(n.cfg.HTTPAPI.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.autoConnectLoop(ctx)

	n.log.Info("intrascale node started", "hostname", n.Discovery.Hostname())
	return nil
}

// autoConnectLoop dials every discovered node not already in the peer
// table. Self-connections are filtered by hostname (SPEC_FULL.md §9's
// resolution of the original's self-connection open question).
func (n *Node) autoConnectLoop(ctx context.Context) {
	ticker := time.NewTicker(autoConnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self := n.Discovery.Hostname()
			for _, node := range n.Discovery.GetNodes() {
				if node.Hostname == self {
					continue
				}
				if _, connected := n.Transport.Peer(node.Hostname); connected {
					continue
				}
				n.Transport.ConnectToNode(node.Hostname, node.IP)
			}
		}
	}
}

// Stop tears every subsystem down in reverse dependency order.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.HTTPAPI != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.HTTPAPI.Stop(ctx)
		cancel()
	}
	n.Scheduler.Stop()
	n.Transport.Stop()
	n.Discovery.Stop()
	n.Executor.Stop()
	n.log.Info("intrascale node stopped")
}

func encodeSlice(args []interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, v := range args {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func encodeMap(kwargs map[string]interface{}) (map[string]json.RawMessage, error) {
	if kwargs == nil {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(kwargs))
	for k, v := range kwargs {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	return out, nil
}
