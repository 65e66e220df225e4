// Package zkstats queries a ZooKeeper server over its four-letter-word text
// protocol. The primary source is the machine-readable `mntr` command; when
// a server predates it (empty response) the human-oriented `stat` output is
// parsed instead.
package zkstats

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Stats is the key/value output of a stats query. Values that parse as
// integers are int64, everything else stays a string.
type Stats map[string]any

// Session describes one connected client reported by `stat`.
type Session struct {
	Host        string
	Port        int
	InterestOps int
	Properties  map[string]string
}

// ErrBrokenLine marks a line that does not match the expected format. Per
// line only: broken lines are skipped, they never abort a parse.
var ErrBrokenLine = errors.New("broken line")

var sessionRE = regexp.MustCompile(`/(\d+\.\d+\.\d+\.\d+):(\d+)\[(\d+)\]\((.*)\)`)

// Client talks to a single ZooKeeper server.
type Client struct {
	addr    string
	timeout time.Duration
	log     *zap.Logger
}

// NewClient creates a stats client for addr (host:port).
func NewClient(addr string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{addr: addr, timeout: timeout, log: log}
}

// GetStats returns the server's statistics map. Servers that do not answer
// `mntr` are queried with `stat` instead.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	data, err := c.send(ctx, "mntr")
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return parseMntr(data), nil
	}

	data, err = c.send(ctx, "stat")
	if err != nil {
		return nil, err
	}
	return parseStat(data), nil
}

// GetClients returns the sessions currently connected to the server.
func (c *Client) GetClients(ctx context.Context) ([]Session, error) {
	data, err := c.send(ctx, "stat")
	if err != nil {
		return nil, err
	}

	var clients []Session
	scanner := bufio.NewScanner(strings.NewReader(data))

	// Version line and the "Clients:" header precede the session list.
	for i := 0; i < 2 && scanner.Scan(); i++ {
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		session, err := parseSession(line)
		if err != nil {
			c.log.Debug("skipping unparsable session line", zap.String("line", line))
			continue
		}
		clients = append(clients, session)
	}
	return clients, nil
}

// send issues one four-letter-word command and reads until the server
// closes the connection.
func (c *Client) send(ctx context.Context, cmd string) (string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("failed to send %q to %s: %w", cmd, c.addr, err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("failed to read %q response from %s: %w", cmd, c.addr, err)
	}
	return string(data), nil
}

// parseMntr parses `mntr` output: one tab-separated key/value pair per line,
// broken lines ignored.
func parseMntr(data string) Stats {
	stats := make(Stats)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		key, value, err := parseMntrLine(scanner.Text())
		if err != nil {
			continue
		}
		stats[key] = value
	}
	return stats
}

func parseMntrLine(line string) (string, any, error) {
	key, value, found := strings.Cut(line, "\t")
	if !found {
		return "", nil, ErrBrokenLine
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return "", nil, ErrBrokenLine
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return key, n, nil
	}
	return key, value, nil
}

var statPatterns = []struct {
	re   *regexp.Regexp
	keys []string
}{
	{regexp.MustCompile(`^Latency min/avg/max: (\d+)/(\d+)/(\d+)`), []string{"zk_min_latency", "zk_avg_latency", "zk_max_latency"}},
	{regexp.MustCompile(`^Received: (\d+)`), []string{"zk_packets_received"}},
	{regexp.MustCompile(`^Sent: (\d+)`), []string{"zk_packets_sent"}},
	{regexp.MustCompile(`^Outstanding: (\d+)`), []string{"zk_outstanding_requests"}},
	{regexp.MustCompile(`^Node count: (\d+)`), []string{"zk_znode_count"}},
}

var statModeRE = regexp.MustCompile(`^Mode: (.*)`)

// parseStat parses `stat` output into the same keys `mntr` would report:
// the version line, then everything after the client list.
func parseStat(data string) Stats {
	stats := make(Stats)
	if data == "" {
		return stats
	}

	scanner := bufio.NewScanner(strings.NewReader(data))

	if scanner.Scan() {
		version := scanner.Text()
		if idx := strings.Index(version, ":"); idx >= 0 {
			stats["zk_version"] = strings.TrimSpace(version[idx+1:])
		}
	}

	// Skip the client list, which ends at the first blank line.
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			break
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if m := statModeRE.FindStringSubmatch(line); m != nil {
			stats["zk_server_state"] = m[1]
			continue
		}

		for _, pattern := range statPatterns {
			m := pattern.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			for i, key := range pattern.keys {
				if n, err := strconv.ParseInt(m[i+1], 10, 64); err == nil {
					stats[key] = n
				}
			}
			break
		}
	}
	return stats
}

// parseSession parses one `stat` client line of the form
// /ip:port[ops](k=v,k=v,...).
func parseSession(line string) (Session, error) {
	m := sessionRE.FindStringSubmatch(line)
	if m == nil {
		return Session{}, ErrBrokenLine
	}

	port, err := strconv.Atoi(m[2])
	if err != nil {
		return Session{}, ErrBrokenLine
	}
	ops, err := strconv.Atoi(m[3])
	if err != nil {
		return Session{}, ErrBrokenLine
	}

	session := Session{
		Host:        m[1],
		Port:        port,
		InterestOps: ops,
		Properties:  make(map[string]string),
	}
	for _, pair := range strings.Split(m[4], ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			return Session{}, ErrBrokenLine
		}
		session.Properties[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return session, nil
}
