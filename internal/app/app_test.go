package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/probechain/intrascale/internal/config"
)

func testConfig(discoveryPort, transportPort int) config.Config {
	cfg := config.Defaults
	cfg.Discovery.Port = discoveryPort
	cfg.Discovery.BroadcastInterval = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Transport.Port = transportPort
	cfg.HTTPAPI.Enabled = false
	return cfg
}

func TestNewWiresComponentsWithoutStarting(t *testing.T) {
	n, err := New(testConfig(57001, 57002))
	require.NoError(t, err)
	require.NotNil(t, n.Discovery)
	require.NotNil(t, n.Transport)
	require.NotNil(t, n.Executor)
	require.NotNil(t, n.Scheduler)
}

// TestTwoNodesExecuteTaskOverManualConnect exercises the full pipeline —
// transport handshake, executor dispatch, scheduler placement and
// monitoring — end to end, connecting the two nodes directly rather than
// via UDP discovery (which only one process per host can bind in a test
// run).
func TestTwoNodesExecuteTaskOverManualConnect(t *testing.T) {
	scheduler, err := New(testConfig(57011, 57012))
	require.NoError(t, err)
	require.NoError(t, scheduler.Start())
	t.Cleanup(scheduler.Stop)

	worker, err := New(testConfig(57013, 57014))
	require.NoError(t, err)
	worker.RegisterTask("square", func(args []json.RawMessage, kwargs map[string]json.RawMessage) (interface{}, error) {
		var n float64
		if err := json.Unmarshal(args[0], &n); err != nil {
			return nil, err
		}
		return n * n, nil
	})
	require.NoError(t, worker.Start())
	t.Cleanup(worker.Stop)

	require.True(t, scheduler.Transport.ConnectToNode("worker-node", "127.0.0.1", 57014))

	taskID, err := scheduler.SubmitTask("square", []interface{}{5}, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, "task_0", taskID)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := scheduler.GetTaskStatus(taskID)
		if ok && snap.Status == "completed" {
			var result float64
			require.NoError(t, json.Unmarshal(snap.Result, &result))
			require.Equal(t, float64(25), result)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task did not complete within deadline")
}
