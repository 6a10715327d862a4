// Package scheduler implements the Resource Manager (SPEC_FULL.md §4.5):
// the task table, first-fit placement over the peer table, and the
// per-task monitor that tracks a dispatched task through to a terminal
// state.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/probechain/intrascale/internal/log"
	"github.com/probechain/intrascale/internal/transport"
	"github.com/probechain/intrascale/internal/wire"
)

// Status mirrors wire.TaskStatus for the task table's own bookkeeping.
type Status = wire.TaskStatus

const (
	StatusPending   = wire.StatusPending
	StatusRunning   = wire.StatusRunning
	StatusCompleted = wire.StatusCompleted
	StatusFailed    = wire.StatusFailed
)

// pollInterval is how often a monitor polls its assigned peer for status.
const pollInterval = time.Second

// pollReplyTimeout bounds how long a monitor waits for any task_status
// frame — poll acknowledgement or terminal report — before declaring the
// peer unresponsive (SPEC_FULL.md's added timeout, see Design Notes §9).
const pollReplyTimeout = 10 * time.Second

// Task is the Task record (SPEC_FULL.md §3).
type Task struct {
	TaskID         string
	HandlerName    string
	Args           []json.RawMessage
	Kwargs         map[string]json.RawMessage
	RequiredCPU    float64
	RequiredMemory float64

	mu           sync.RWMutex
	status       Status
	result       json.RawMessage
	errorMessage string
	assignedPeer string
}

// Snapshot is an immutable copy of a Task's current state, safe to hand to
// callers outside the scheduler's lock.
type Snapshot struct {
	TaskID         string
	HandlerName    string
	RequiredCPU    float64
	RequiredMemory float64
	Status         Status
	Result         json.RawMessage
	Error          string
	AssignedPeer   string
}

func (t *Task) snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		TaskID:         t.TaskID,
		HandlerName:    t.HandlerName,
		RequiredCPU:    t.RequiredCPU,
		RequiredMemory: t.RequiredMemory,
		Status:         t.status,
		Result:         t.result,
		Error:          t.errorMessage,
		AssignedPeer:   t.assignedPeer,
	}
}

func (t *Task) setRunning(peer string) {
	t.mu.Lock()
	t.status = StatusRunning
	t.assignedPeer = peer
	t.mu.Unlock()
}

func (t *Task) setCompleted(result json.RawMessage) {
	t.mu.Lock()
	t.status = StatusCompleted
	t.result = result
	t.mu.Unlock()
}

func (t *Task) setFailed(reason string) {
	t.mu.Lock()
	t.status = StatusFailed
	t.errorMessage = reason
	t.mu.Unlock()
}

// peerTable is the narrow slice of transport.Manager the scheduler needs:
// ordered live peers for first-fit, and lookup-by-hostname for monitor
// polling. transport.Manager satisfies this directly.
type peerTable interface {
	OrderedPeers() []*transport.Peer
	Peer(hostname string) (*transport.Peer, bool)
}

// Scheduler is the Resource Manager.
type Scheduler struct {
	log   log.Logger
	peers peerTable

	mu    sync.Mutex
	tasks []*Task

	// waiters maps a task_id to the channel its monitor is listening on for
	// a terminal task_status report. Fed by RouteStatusReport, which the
	// Connection Manager's reader loop calls for every non-poll
	// task_status frame (SPEC_FULL.md's push/dispatch monitor design,
	// replacing a naive per-task polling socket read).
	waitersMu sync.Mutex
	waiters   map[string]chan wire.TaskStatusData

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onTerminal func(taskID string, status Status)
}

// SetEventHandler registers a callback invoked whenever a task reaches a
// terminal state (completed or failed). internal/httpapi uses this to feed
// its websocket event stream.
func (s *Scheduler) SetEventHandler(fn func(taskID string, status Status)) {
	s.onTerminal = fn
}

// New constructs a Scheduler bound to a peer table.
func New(peers peerTable) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:     log.New("component", "scheduler"),
		peers:   peers,
		waiters: make(map[string]chan wire.TaskStatusData),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit creates a new task, assigns it the next sequential task_id, and
// attempts immediate scheduling. Matches the Python reference's
// submit_task(fn, *args, required_cpu=0, required_memory=0, **kwargs).
func (s *Scheduler) Submit(handlerName string, args []json.RawMessage, kwargs map[string]json.RawMessage, requiredCPU, requiredMemory float64) string {
	s.mu.Lock()
	taskID := fmt.Sprintf("task_%d", len(s.tasks))
	task := &Task{
		TaskID:         taskID,
		HandlerName:    handlerName,
		Args:           args,
		Kwargs:         kwargs,
		RequiredCPU:    requiredCPU,
		RequiredMemory: requiredMemory,
		status:         StatusPending,
	}
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	s.log.Info("submitted task", "task_id", taskID, "function", handlerName)
	s.tryAssign(task)
	return taskID
}

// tryAssign runs first-fit over the live peer table. If no peer matches,
// the task remains pending and is not retried (SPEC_FULL.md §4.5: "the
// current design does not re-drive the queue").
func (s *Scheduler) tryAssign(task *Task) {
	span := opentracing.StartSpan("scheduler.assign_task")
	span.SetTag("task_id", task.TaskID)
	defer span.Finish()

	for _, peer := range s.peers.OrderedPeers() {
		hw := peer.HardwareInfo()
		if hw.CPUPercent+task.RequiredCPU > 100 {
			continue
		}
		if hw.MemoryPercent+task.RequiredMemory > 100 {
			continue
		}

		waiter := s.registerWaiter(task.TaskID)
		if err := peer.Send(wire.KindTask, wire.TaskData{
			TaskID:         task.TaskID,
			Function:       task.HandlerName,
			Args:           task.Args,
			Kwargs:         task.Kwargs,
			RequiredCPU:    task.RequiredCPU,
			RequiredMemory: task.RequiredMemory,
		}); err != nil {
			s.unregisterWaiter(task.TaskID)
			s.log.Warn("failed to dispatch task to peer, trying next", "task_id", task.TaskID, "hostname", peer.Hostname, "err", err)
			continue
		}

		task.setRunning(peer.Hostname)
		span.SetTag("assigned_peer", peer.Hostname)
		s.log.Info("assigned task", "task_id", task.TaskID, "hostname", peer.Hostname)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitor(task, peer, waiter)
		}()
		return
	}

	s.log.Debug("no peer available for task, leaving pending", "task_id", task.TaskID)
}

func (s *Scheduler) registerWaiter(taskID string) chan wire.TaskStatusData {
	ch := make(chan wire.TaskStatusData, 1)
	s.waitersMu.Lock()
	s.waiters[taskID] = ch
	s.waitersMu.Unlock()
	return ch
}

func (s *Scheduler) unregisterWaiter(taskID string) {
	s.waitersMu.Lock()
	delete(s.waiters, taskID)
	s.waitersMu.Unlock()
}

// RouteStatusReport delivers an inbound task_status report (non-poll) to
// the monitor waiting on it, if any. This is the transport.StatusReportHandler
// the Connection Manager invokes; it is what lets the per-link reader
// multiplex terminal reports by task_id instead of each monitor reading its
// own socket (SPEC_FULL.md §9's recommended redesign).
func (s *Scheduler) RouteStatusReport(peer *transport.Peer, data wire.TaskStatusData) {
	s.waitersMu.Lock()
	ch, ok := s.waiters[data.TaskID]
	s.waitersMu.Unlock()
	if !ok {
		s.log.Debug("status report for unknown or already-resolved task", "task_id", data.TaskID)
		return
	}
	select {
	case ch <- data:
	default:
	}
}

// monitor tracks one running task to a terminal state. It polls at
// pollInterval, per the wire protocol (SPEC_FULL.md §4.3), but — per the
// push/dispatch redesign — it does not block reading its own socket for
// the reply: it waits on the per-task channel that RouteStatusReport feeds
// from the shared link reader. Only completed/failed are terminal;
// acknowledged replies to the poll itself are not (SPEC_FULL.md §9: "the
// monitor loops indefinitely until the worker eventually sends the real
// terminal frame").
func (s *Scheduler) monitor(task *Task, peer *transport.Peer, waiter chan wire.TaskStatusData) {
	defer s.unregisterWaiter(task.TaskID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(pollReplyTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-s.ctx.Done():
			task.setFailed("shutdown")
			s.notifyTerminal(task.TaskID, StatusFailed)
			return

		case <-ticker.C:
			if !peer.IsActive() {
				task.setFailed("peer became unreachable")
				s.log.Warn("task failed: peer link is dead", "task_id", task.TaskID, "hostname", peer.Hostname)
				s.notifyTerminal(task.TaskID, StatusFailed)
				return
			}
			if err := peer.Send(wire.KindTaskStatus, wire.TaskStatusData{TaskID: task.TaskID}); err != nil {
				task.setFailed("peer became unreachable")
				s.log.Warn("task failed: poll send failed", "task_id", task.TaskID, "hostname", peer.Hostname, "err", err)
				s.notifyTerminal(task.TaskID, StatusFailed)
				return
			}

		case report := <-waiter:
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(pollReplyTimeout)

			switch report.Status {
			case wire.StatusCompleted:
				task.setCompleted(report.Result)
				s.log.Info("task completed", "task_id", task.TaskID, "hostname", peer.Hostname)
				s.notifyTerminal(task.TaskID, StatusCompleted)
				return
			case wire.StatusFailed:
				task.setFailed(report.Error)
				s.log.Warn("task failed", "task_id", task.TaskID, "hostname", peer.Hostname, "error", report.Error)
				s.notifyTerminal(task.TaskID, StatusFailed)
				return
			default:
				// Non-terminal report (e.g. an acknowledged poll reply); keep polling.
			}

		case <-timeout.C:
			task.setFailed("peer became unreachable")
			s.log.Warn("task failed: peer unresponsive", "task_id", task.TaskID, "hostname", peer.Hostname)
			s.notifyTerminal(task.TaskID, StatusFailed)
			return
		}
	}
}

func (s *Scheduler) notifyTerminal(taskID string, status Status) {
	if s.onTerminal != nil {
		s.onTerminal(taskID, status)
	}
}

// GetTaskStatus returns the current snapshot of one task.
func (s *Scheduler) GetTaskStatus(taskID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.TaskID == taskID {
			return t.snapshot(), true
		}
	}
	return Snapshot{}, false
}

// GetAllTasks returns a snapshot of every task ever submitted, in
// submission order. History is retained for the lifetime of the process
// (SPEC_FULL.md §3: "never removed").
func (s *Scheduler) GetAllTasks() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.snapshot()
	}
	return out
}

// Stop signals every in-flight monitor to exit; running tasks transition
// to failed (SPEC_FULL.md §5: "Tasks that are running at shutdown
// transition to failed").
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
