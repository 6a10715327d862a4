package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/probechain/intrascale/internal/hardware"
	"github.com/probechain/intrascale/internal/scheduler"
	"github.com/probechain/intrascale/internal/transport"
)

func TestHandlePeersReturnsEmptyListInitially(t *testing.T) {
	probe, err := hardware.New()
	require.NoError(t, err)
	mgr, err := transport.New(probe, transport.WithPort(56201))
	require.NoError(t, err)
	require.NoError(t, mgr.StartServer())
	t.Cleanup(mgr.Stop)

	sched := scheduler.New(mgr)
	t.Cleanup(sched.Stop)

	srv := New(mgr, sched)
	srv.Start("127.0.0.1:56301")
	t.Cleanup(func() { srv.Stop(context.Background()) })

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:56301/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var peers []PeerView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	require.Empty(t, peers)
}

func TestHandleTaskNotFound(t *testing.T) {
	probe, err := hardware.New()
	require.NoError(t, err)
	mgr, err := transport.New(probe, transport.WithPort(56202))
	require.NoError(t, err)
	require.NoError(t, mgr.StartServer())
	t.Cleanup(mgr.Stop)

	sched := scheduler.New(mgr)
	t.Cleanup(sched.Stop)

	srv := New(mgr, sched)
	srv.Start("127.0.0.1:56302")
	t.Cleanup(func() { srv.Stop(context.Background()) })

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:56302/tasks/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleTasksReflectsSubmittedTask(t *testing.T) {
	probe, err := hardware.New()
	require.NoError(t, err)
	mgr, err := transport.New(probe, transport.WithPort(56203))
	require.NoError(t, err)
	require.NoError(t, mgr.StartServer())
	t.Cleanup(mgr.Stop)

	sched := scheduler.New(mgr)
	t.Cleanup(sched.Stop)
	taskID := sched.Submit("square", nil, nil, 0, 0)

	srv := New(mgr, sched)
	srv.Start("127.0.0.1:56303")
	t.Cleanup(func() { srv.Stop(context.Background()) })

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:56303/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()

	var tasks []TaskView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	require.Equal(t, taskID, tasks[0].TaskID)
	require.Equal(t, "pending", tasks[0].Status)
}
