package zkstats

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statPayload = "Zookeeper version: 3.4.5--1, built on 06/10/2013 17:26 GMT\n" +
	"Clients:\n" +
	" /10.0.0.1:51234[1](queued=0,recved=189,sent=189)\n" +
	" /10.0.0.2:51235[1](queued=0,recved=12,sent=12,sid=0x143a5d8a950000a)\n" +
	" this line is broken\n" +
	"\n" +
	"Latency min/avg/max: 0/1/45\n" +
	"Received: 1903\n" +
	"Sent: 1902\n" +
	"Outstanding: 0\n" +
	"Zxid: 0x4c\n" +
	"Mode: standalone\n" +
	"Node count: 4\n"

// fakeServer answers every connection with the payload mapped to the
// received command.
func fakeServer(t *testing.T, responses map[string]string) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				cmd := make([]byte, 4)
				if _, err := io.ReadFull(conn, cmd); err != nil {
					return
				}
				conn.Write([]byte(responses[string(cmd)]))
			}(conn)
		}
	}()

	return listener.Addr().String()
}

func TestGetStats_Mntr(t *testing.T) {
	addr := fakeServer(t, map[string]string{
		"mntr": "zk_version\t3.4.5\nzk_avg_latency\t1\nzk_znode_count\t4\nbroken line without tab\n",
	})

	client := NewClient(addr, time.Second, nil)
	stats, err := client.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "3.4.5", stats["zk_version"])
	assert.Equal(t, int64(1), stats["zk_avg_latency"])
	assert.Equal(t, int64(4), stats["zk_znode_count"])
	assert.Len(t, stats, 3)
}

func TestGetStats_FallsBackToStat(t *testing.T) {
	addr := fakeServer(t, map[string]string{
		"mntr": "",
		"stat": statPayload,
	})

	client := NewClient(addr, time.Second, nil)
	stats, err := client.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "3.4.5--1, built on 06/10/2013 17:26 GMT", stats["zk_version"])
	assert.Equal(t, int64(0), stats["zk_min_latency"])
	assert.Equal(t, int64(1), stats["zk_avg_latency"])
	assert.Equal(t, int64(45), stats["zk_max_latency"])
	assert.Equal(t, int64(1903), stats["zk_packets_received"])
	assert.Equal(t, int64(1902), stats["zk_packets_sent"])
	assert.Equal(t, int64(0), stats["zk_outstanding_requests"])
	assert.Equal(t, "standalone", stats["zk_server_state"])
	assert.Equal(t, int64(4), stats["zk_znode_count"])
}

func TestGetClients(t *testing.T) {
	addr := fakeServer(t, map[string]string{
		"stat": statPayload,
	})

	client := NewClient(addr, time.Second, nil)
	sessions, err := client.GetClients(context.Background())
	require.NoError(t, err)

	// The broken line is skipped, the two well-formed sessions survive.
	require.Len(t, sessions, 2)
	assert.Equal(t, "10.0.0.1", sessions[0].Host)
	assert.Equal(t, 51234, sessions[0].Port)
	assert.Equal(t, 1, sessions[0].InterestOps)
	assert.Equal(t, "189", sessions[0].Properties["recved"])
	assert.Equal(t, "0x143a5d8a950000a", sessions[1].Properties["sid"])
}

func TestGetStats_ConnectionRefused(t *testing.T) {
	client := NewClient("127.0.0.1:1", 100*time.Millisecond, nil)
	_, err := client.GetStats(context.Background())
	assert.Error(t, err)
}

func TestParseMntrLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		key     string
		value   any
		wantErr bool
	}{
		{"integer value", "zk_znode_count\t4", "zk_znode_count", int64(4), false},
		{"string value", "zk_version\t3.4.5", "zk_version", "3.4.5", false},
		{"padded", " zk_mode \t leader ", "zk_mode", "leader", false},
		{"no tab", "zk_broken", "", nil, true},
		{"empty key", "\tvalue", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, value, err := parseMntrLine(tt.line)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBrokenLine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestParseStat_Empty(t *testing.T) {
	assert.Empty(t, parseStat(""))
}

func TestParseSession(t *testing.T) {
	t.Run("full line", func(t *testing.T) {
		session, err := parseSession("/10.1.2.3:4567[1](queued=0,recved=2,sent=2)")
		require.NoError(t, err)
		assert.Equal(t, "10.1.2.3", session.Host)
		assert.Equal(t, 4567, session.Port)
		assert.Equal(t, 1, session.InterestOps)
		assert.Equal(t, map[string]string{"queued": "0", "recved": "2", "sent": "2"}, session.Properties)
	})

	t.Run("broken lines", func(t *testing.T) {
		for _, line := range []string{
			"not a session",
			"/10.1.2.3:4567",
			"/10.1.2.3:4567[1](brokenpair)",
		} {
			_, err := parseSession(line)
			assert.ErrorIs(t, err, ErrBrokenLine, line)
		}
	})
}
