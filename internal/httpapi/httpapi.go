// Package httpapi implements intrascale's HTTP introspection API
// (SPEC_FULL.md §6, component 6): read-only JSON views of the peer and
// task tables, plus a websocket feed of task lifecycle events. It is
// diagnostic tooling only — nothing in the discovery/transport/executor/
// scheduler pipeline depends on it being up.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/probechain/intrascale/internal/log"
	"github.com/probechain/intrascale/internal/scheduler"
	"github.com/probechain/intrascale/internal/transport"
)

// PeerView is the JSON shape returned by GET /peers.
type PeerView struct {
	Hostname string  `json:"hostname"`
	IP       string  `json:"ip"`
	Active   bool    `json:"active"`
	CPU      float64 `json:"cpu_percent"`
	Memory   float64 `json:"memory_percent"`
}

// TaskView is the JSON shape returned by GET /tasks and GET /tasks/{id}.
type TaskView struct {
	TaskID         string          `json:"task_id"`
	Function       string          `json:"function"`
	Status         string          `json:"status"`
	AssignedPeer   string          `json:"assigned_peer,omitempty"`
	RequiredCPU    float64         `json:"required_cpu"`
	RequiredMemory float64         `json:"required_memory"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Event is one message pushed to every connected /ws/events subscriber.
type Event struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves the introspection API.
type Server struct {
	log       log.Logger
	peers     *transport.Manager
	scheduler *scheduler.Scheduler

	subsMu sync.Mutex
	subs   map[*websocket.Conn]chan Event

	httpServer *http.Server
}

// New constructs a Server over an already-running Manager and Scheduler.
func New(peers *transport.Manager, sched *scheduler.Scheduler) *Server {
	return &Server{
		log:       log.New("component", "httpapi"),
		peers:     peers,
		scheduler: sched,
		subs:      make(map[*websocket.Conn]chan Event),
	}
}

// Start binds addr and serves in the background. It never blocks startup
// of the rest of the node: a bind failure is logged and the API is simply
// unavailable.
func (s *Server) Start(addr string) {
	router := httprouter.New()
	router.GET("/peers", s.handlePeers)
	router.GET("/tasks", s.handleTasks)
	router.GET("/tasks/:id", s.handleTask)
	router.GET("/ws/events", s.handleEvents)

	handler := cors.Default().Handler(router)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.log.Info("http introspection api listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http introspection api stopped unexpectedly", "err", err)
		}
	}()
}

// Stop gracefully shuts the HTTP server down and disconnects every
// websocket subscriber.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	s.subsMu.Lock()
	for conn, ch := range s.subs {
		close(ch)
		conn.Close()
	}
	s.subs = make(map[*websocket.Conn]chan Event)
	s.subsMu.Unlock()
}

// PublishEvent fans a task lifecycle transition out to every connected
// websocket subscriber. The Scheduler calls this whenever a task reaches a
// terminal state.
func (s *Server) PublishEvent(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block task completion.
		}
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	nodes := s.peers.GetConnectedNodes()
	out := make([]PeerView, 0, len(nodes))
	for _, p := range nodes {
		hw := p.HardwareInfo()
		out = append(out, PeerView{
			Hostname: p.Hostname,
			IP:       p.IP,
			Active:   p.IsActive(),
			CPU:      hw.CPUPercent,
			Memory:   hw.MemoryPercent,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snaps := s.scheduler.GetAllTasks()
	out := make([]TaskView, len(snaps))
	for i, snap := range snaps {
		out[i] = taskViewFromSnapshot(snap)
	}
	writeJSON(w, out)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, ok := s.scheduler.GetTaskStatus(ps.ByName("id"))
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, taskViewFromSnapshot(snap))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	ch := make(chan Event, 16)
	s.subsMu.Lock()
	s.subs[conn] = ch
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, conn)
		s.subsMu.Unlock()
		conn.Close()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func taskViewFromSnapshot(snap scheduler.Snapshot) TaskView {
	return TaskView{
		TaskID:         snap.TaskID,
		Function:       snap.HandlerName,
		Status:         string(snap.Status),
		AssignedPeer:   snap.AssignedPeer,
		RequiredCPU:    snap.RequiredCPU,
		RequiredMemory: snap.RequiredMemory,
		Result:         snap.Result,
		Error:          snap.Error,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
