// Package executor implements the Task Executor (SPEC_FULL.md §4.4): a
// registry of callable functions, a bounded worker pool that runs them, and
// the reply path back to whichever peer submitted the task.
//
// The dispatch shape — a bounded request channel drained by a fixed pool of
// goroutines, each one a straight-line "take work, run it, report result"
// loop — is the same one go-ethereum's miner package uses to hand sealing
// work to workers (miner/worker.go's taskCh/mainLoop), adapted here from a
// single consumer to a worker pool sized to the host's CPU count.
package executor

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"

	"github.com/probechain/intrascale/internal/hardware"
	"github.com/probechain/intrascale/internal/log"
	"github.com/probechain/intrascale/internal/wire"
)

// Sender is the narrow interface the executor needs on a peer in order to
// reply; internal/transport.Peer satisfies it.
type Sender interface {
	Send(kind wire.Kind, data interface{}) error
}

// Handler is the shape every registered task function must have: args comes
// from the task frame's `args` array, kwargs from its `kwargs` object. A
// returned error reports the task as failed; otherwise the result is
// marshaled into the completed task_status frame's `result` field.
type Handler func(args []json.RawMessage, kwargs map[string]json.RawMessage) (interface{}, error)

// pendingRun is one unit of work queued onto the worker pool.
type pendingRun struct {
	peer Sender
	task wire.TaskData
}

// Executor owns the function registry and the worker pool that services
// inbound task frames.
type Executor struct {
	log   log.Logger
	probe *hardware.Probe

	mu       sync.RWMutex
	handlers map[string]Handler

	queue   chan pendingRun
	workers int
	wg      sync.WaitGroup
	done    chan struct{}
}

// New builds an Executor with a worker pool sized to runtime.NumCPU().
func New(probe *hardware.Probe) *Executor {
	return NewWithWorkers(probe, runtime.NumCPU())
}

// NewWithWorkers builds an Executor with an explicit worker count, mainly
// useful for tests that want deterministic concurrency.
func NewWithWorkers(probe *hardware.Probe, workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{
		log:      log.New("component", "executor"),
		probe:    probe,
		handlers: make(map[string]Handler),
		queue:    make(chan pendingRun, 256),
		workers:  workers,
		done:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
	return e
}

// Register installs a handler under name, replacing any existing handler of
// the same name. Matches the Python reference's register_task(name, fn).
func (e *Executor) Register(name string, h Handler) {
	e.mu.Lock()
	e.handlers[name] = h
	e.mu.Unlock()
	e.log.Info("registered task handler", "function", name)
}

func (e *Executor) lookup(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// HandleTask is the transport.TaskFrameHandler entry point: it validates
// the function exists and local resources can satisfy the request, then
// enqueues the work for the pool. Unknown functions and resource shortfalls
// are reported as immediate failures without consuming a worker slot.
func (e *Executor) HandleTask(peer Sender, task wire.TaskData) {
	if _, ok := e.lookup(task.Function); !ok {
		e.log.Warn("rejecting task: unknown function", "task_id", task.TaskID, "function", task.Function)
		e.reportFailure(peer, task.TaskID, fmt.Sprintf("Unknown function: %s", task.Function))
		return
	}

	ok, err := e.probe.ResourceAvailable(task.RequiredCPU, task.RequiredMemory)
	if err != nil {
		e.log.Error("failed to sample local resources", "task_id", task.TaskID, "err", err)
		e.reportFailure(peer, task.TaskID, "failed to evaluate local resources")
		return
	}
	if !ok {
		e.log.Warn("rejecting task: insufficient local resources", "task_id", task.TaskID)
		e.reportFailure(peer, task.TaskID, "Insufficient resources")
		return
	}

	select {
	case e.queue <- pendingRun{peer: peer, task: task}:
	default:
		e.log.Error("dropping task: worker queue full", "task_id", task.TaskID)
		e.reportFailure(peer, task.TaskID, "executor queue full")
	}
}

// HandlePoll is the transport.PollFrameHandler entry point: a worker being
// asked "is task_id done yet" always acknowledges receipt of the poll. The
// real answer follows asynchronously as a completed/failed report once the
// task finishes (SPEC_FULL.md §4.3's acknowledged-reply behavior, preserved
// from the original placeholder semantics).
func (e *Executor) HandlePoll(peer Sender, taskID string) {
	if err := peer.Send(wire.KindTaskStatus, wire.TaskStatusData{
		TaskID: taskID,
		Status: wire.StatusAcknowledged,
	}); err != nil {
		e.log.Debug("failed to acknowledge poll", "task_id", taskID, "err", err)
	}
}

func (e *Executor) runWorker() {
	defer e.wg.Done()
	for {
		select {
		case run := <-e.queue:
			e.execute(run)
		case <-e.done:
			return
		}
	}
}

func (e *Executor) execute(run pendingRun) {
	taskID := run.task.TaskID
	e.log.Info("running task", "task_id", taskID, "function", run.task.Function)

	result, err := e.invoke(run.task)
	if err != nil {
		e.log.Warn("task failed", "task_id", taskID, "err", err)
		e.reportFailure(run.peer, taskID, err.Error())
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		e.log.Error("failed to encode task result", "task_id", taskID, "err", err)
		e.reportFailure(run.peer, taskID, "failed to encode task result")
		return
	}

	if err := run.peer.Send(wire.KindTaskStatus, wire.TaskStatusData{
		TaskID: taskID,
		Status: wire.StatusCompleted,
		Result: raw,
	}); err != nil {
		e.log.Debug("failed to report task completion", "task_id", taskID, "err", err)
	}
}

// invoke runs the handler, converting a panic into an error so one bad
// handler can never take down a worker goroutine.
func (e *Executor) invoke(task wire.TaskData) (result interface{}, err error) {
	handler, ok := e.lookup(task.Function)
	if !ok {
		return nil, fmt.Errorf("Unknown function: %s", task.Function)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(task.Args, task.Kwargs)
}

func (e *Executor) reportFailure(peer Sender, taskID, reason string) {
	if err := peer.Send(wire.KindTaskStatus, wire.TaskStatusData{
		TaskID: taskID,
		Status: wire.StatusFailed,
		Error:  reason,
	}); err != nil {
		e.log.Debug("failed to report task failure", "task_id", taskID, "err", err)
	}
}

// Stop halts the worker pool. Queued but not-yet-started work is dropped.
func (e *Executor) Stop() {
	close(e.done)
	e.wg.Wait()
}
