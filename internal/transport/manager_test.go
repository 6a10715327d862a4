package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/probechain/intrascale/internal/hardware"
	"github.com/probechain/intrascale/internal/wire"
)

func newTestManager(t *testing.T, port int) *Manager {
	t.Helper()
	probe, err := hardware.New()
	require.NoError(t, err)
	m, err := New(probe, WithPort(port))
	require.NoError(t, err)
	require.NoError(t, m.StartServer())
	t.Cleanup(m.Stop)
	return m
}

func TestConnectToNodeHandshakesAndInstallsPeer(t *testing.T) {
	server := newTestManager(t, 54101)
	client := newTestManager(t, 54102)

	ok := client.ConnectToNode("server-under-test", "127.0.0.1", 54101)
	require.True(t, ok)

	peer, found := client.Peer("server-under-test")
	require.True(t, found)
	require.True(t, peer.IsActive())

	// Give the server a moment to finish installing its side.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.GetConnectedNodes()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, server.GetConnectedNodes(), 1)
}

func TestConnectToNodeFailsCleanlyAgainstClosedPort(t *testing.T) {
	client := newTestManager(t, 54103)
	ok := client.ConnectToNode("nobody-home", "127.0.0.1", 54199)
	require.False(t, ok)
	_, found := client.Peer("nobody-home")
	require.False(t, found)
}

func TestReinstallingPeerClosesPriorLink(t *testing.T) {
	server := newTestManager(t, 54104)
	client := newTestManager(t, 54105)

	require.True(t, client.ConnectToNode("flapper", "127.0.0.1", 54104))
	first, _ := client.Peer("flapper")

	require.True(t, client.ConnectToNode("flapper", "127.0.0.1", 54104))
	second, _ := client.Peer("flapper")

	require.False(t, first.IsActive())
	require.True(t, second.IsActive())
	_ = server
}

func TestTaskFrameRoutedToHandler(t *testing.T) {
	server := newTestManager(t, 54106)
	client := newTestManager(t, 54107)

	var (
		mu       sync.Mutex
		received wire.TaskData
		got      bool
	)
	server.SetHandlers(func(peer *Peer, data wire.TaskData) {
		mu.Lock()
		received = data
		got = true
		mu.Unlock()
	}, nil, nil)

	require.True(t, client.ConnectToNode("task-sender", "127.0.0.1", 54106))
	peer, _ := client.Peer("task-sender")

	task := wire.TaskData{TaskID: "task_1", Function: "square", Args: []json.RawMessage{json.RawMessage(`4`)}}
	require.NoError(t, peer.Send(wire.KindTask, task))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := got
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, got)
	require.Equal(t, "task_1", received.TaskID)
	require.Equal(t, "square", received.Function)
}

func TestPollAndReportFramesRoutedSeparately(t *testing.T) {
	server := newTestManager(t, 54108)
	client := newTestManager(t, 54109)

	var (
		mu        sync.Mutex
		polled    string
		reported  wire.TaskStatusData
		gotPoll   bool
		gotReport bool
	)
	server.SetHandlers(nil,
		func(peer *Peer, taskID string) {
			mu.Lock()
			polled = taskID
			gotPoll = true
			mu.Unlock()
		},
		func(peer *Peer, data wire.TaskStatusData) {
			mu.Lock()
			reported = data
			gotReport = true
			mu.Unlock()
		},
	)

	require.True(t, client.ConnectToNode("status-sender", "127.0.0.1", 54108))
	peer, _ := client.Peer("status-sender")

	require.NoError(t, peer.Send(wire.KindTaskStatus, wire.TaskStatusData{TaskID: "task_1"}))
	require.NoError(t, peer.Send(wire.KindTaskStatus, wire.TaskStatusData{TaskID: "task_1", Status: wire.StatusCompleted}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotPoll && gotReport
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, gotPoll)
	require.Equal(t, "task_1", polled)
	require.True(t, gotReport)
	require.Equal(t, wire.StatusCompleted, reported.Status)
}
