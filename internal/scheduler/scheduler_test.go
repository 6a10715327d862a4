package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/probechain/intrascale/internal/hardware"
	"github.com/probechain/intrascale/internal/transport"
	"github.com/probechain/intrascale/internal/wire"
)

// These tests drive the Scheduler against a real transport.Manager pair over
// loopback, since transport.Peer has no exported constructor outside the
// package — the same approach internal/transport's own tests use.

func startPair(t *testing.T, port int) (server, client *transport.Manager) {
	t.Helper()
	probe, err := hardware.New()
	require.NoError(t, err)

	server, err = transport.New(probe, transport.WithPort(port))
	require.NoError(t, err)
	require.NoError(t, server.StartServer())
	t.Cleanup(server.Stop)

	client, err = transport.New(probe, transport.WithPort(port+1))
	require.NoError(t, err)
	require.NoError(t, client.StartServer())
	t.Cleanup(client.Stop)

	return server, client
}

func TestSubmitAssignsToAvailablePeer(t *testing.T) {
	server, client := startPair(t, 55101)

	sched := New(client)

	var (
		mu       sync.Mutex
		received wire.TaskData
		seen     bool
	)
	server.SetHandlers(func(peer *transport.Peer, data wire.TaskData) {
		mu.Lock()
		received = data
		seen = true
		mu.Unlock()
		require.NoError(t, peer.Send(wire.KindTaskStatus, wire.TaskStatusData{
			TaskID: data.TaskID,
			Status: wire.StatusCompleted,
			Result: json.RawMessage(`25`),
		}))
	}, nil, sched.RouteStatusReport)

	require.True(t, client.ConnectToNode("worker-a", "127.0.0.1", 55101))

	args, err := json.Marshal(5)
	require.NoError(t, err)
	taskID := sched.Submit("square", []json.RawMessage{args}, nil, 0, 0)
	require.Equal(t, "task_0", taskID)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := sched.GetTaskStatus(taskID)
		if ok && snap.Status == wire.StatusCompleted {
			require.JSONEq(t, "25", string(snap.Result))
			mu.Lock()
			require.True(t, seen)
			require.Equal(t, "square", received.Function)
			mu.Unlock()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task did not complete within deadline")
}

func TestSubmitStaysPendingWithNoPeers(t *testing.T) {
	_, client := startPair(t, 55103)
	sched := New(client)

	taskID := sched.Submit("square", nil, nil, 0, 0)
	snap, ok := sched.GetTaskStatus(taskID)
	require.True(t, ok)
	require.Equal(t, StatusPending, snap.Status)
}

func TestSequentialTaskIDsFollowTableSize(t *testing.T) {
	_, client := startPair(t, 55105)
	sched := New(client)

	for i := 0; i < 3; i++ {
		id := sched.Submit("noop", nil, nil, 0, 0)
		require.Equal(t, fmt.Sprintf("task_%d", i), id)
	}
	require.Len(t, sched.GetAllTasks(), 3)
}

func TestTaskFailsWhenWorkerReportsFailure(t *testing.T) {
	server, client := startPair(t, 55107)
	sched := New(client)

	server.SetHandlers(func(peer *transport.Peer, data wire.TaskData) {
		require.NoError(t, peer.Send(wire.KindTaskStatus, wire.TaskStatusData{
			TaskID: data.TaskID,
			Status: wire.StatusFailed,
			Error:  "Insufficient resources",
		}))
	}, nil, sched.RouteStatusReport)

	require.True(t, client.ConnectToNode("worker-b", "127.0.0.1", 55107))
	taskID := sched.Submit("heavy", nil, nil, 0, 0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := sched.GetTaskStatus(taskID)
		if ok && snap.Status == wire.StatusFailed {
			require.Equal(t, "Insufficient resources", snap.Error)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task did not fail within deadline")
}

func TestTaskFailsWhenPeerDiesMidTask(t *testing.T) {
	server, client := startPair(t, 55109)
	sched := New(client)

	server.SetHandlers(func(peer *transport.Peer, data wire.TaskData) {
		// Worker never replies; its death is simulated below by stopping
		// the server, which closes the connection entirely.
	}, nil, sched.RouteStatusReport)

	require.True(t, client.ConnectToNode("worker-c", "127.0.0.1", 55109))
	taskID := sched.Submit("slow", nil, nil, 0, 0)

	peer, ok := client.Peer("worker-c")
	require.True(t, ok)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, _ := sched.GetTaskStatus(taskID)
		if snap.Status == wire.StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	server.Stop()
	_ = peer

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := sched.GetTaskStatus(taskID)
		if ok && snap.Status == wire.StatusFailed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("task did not fail after peer died")
}
