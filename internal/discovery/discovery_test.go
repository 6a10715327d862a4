package discovery

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForNode(t *testing.T, s *Service, hostname string, timeout time.Duration) Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range s.GetNodes() {
			if n.Hostname == hostname {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %q not discovered within %s", hostname, timeout)
	return Node{}
}

func sendAnnouncement(t *testing.T, port int, hostname string) {
	t.Helper()
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(announcement{Hostname: hostname})
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestListenLoopDiscoversUnicastAnnouncement(t *testing.T) {
	svc, err := New(WithPort(53011), WithBroadcastInterval(time.Hour))
	require.NoError(t, err)
	svc.Start()
	defer svc.Stop()

	time.Sleep(50 * time.Millisecond) // let the listener bind
	sendAnnouncement(t, 53011, "peer-a")

	n := waitForNode(t, svc, "peer-a", 2*time.Second)
	require.Equal(t, "127.0.0.1", n.IP)
}

func TestMalformedDatagramIgnored(t *testing.T) {
	svc, err := New(WithPort(53012), WithBroadcastInterval(time.Hour))
	require.NoError(t, err)
	svc.Start()
	defer svc.Stop()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("udp4", "127.0.0.1:53012")
	require.NoError(t, err)
	_, err = conn.Write([]byte("{not json"))
	require.NoError(t, err)
	conn.Close()

	// The listener must keep working after a malformed datagram.
	sendAnnouncement(t, 53012, "peer-b")
	waitForNode(t, svc, "peer-b", 2*time.Second)

	require.Empty(t, func() []Node {
		var out []Node
		for _, n := range svc.GetNodes() {
			if n.Hostname == "" {
				out = append(out, n)
			}
		}
		return out
	}())
}

func TestStartIsIdempotent(t *testing.T) {
	svc, err := New(WithPort(53013), WithBroadcastInterval(time.Hour))
	require.NoError(t, err)
	svc.Start()
	svc.Start() // must not panic or double-bind
	defer svc.Stop()
}
