package directory

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// ConnManager owns the single shared directory connection. The connection is
// created lazily on first use, published under the mutex (check-and-set, so
// racing callers never overwrite each other's connection) and reused across
// requests until Invalidate or Close.
type ConnManager struct {
	cfg *Config
	log *zap.Logger

	mu     sync.Mutex
	conn   *ldap.Conn
	closed bool

	// Statistics
	dials     int64
	dialFails int64
	startTime time.Time
}

// ConnStats provides counters about the managed connection.
type ConnStats struct {
	Connected bool
	Dials     int64
	DialFails int64
	Uptime    time.Duration
}

// NewConnManager creates a connection manager for cfg. No connection is made
// until the first Get.
func NewConnManager(cfg *Config, log *zap.Logger) *ConnManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnManager{
		cfg:       cfg,
		log:       log,
		startTime: time.Now(),
	}
}

// Get returns the shared connection, dialing and binding first if none is
// cached. Callers must not close the returned connection; use Invalidate to
// discard it after a fatal error.
func (m *ConnManager) Get() (*ldap.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("connection manager is closed")
	}
	if m.conn != nil {
		return m.conn, nil
	}

	start := time.Now()
	conn, err := m.dial()
	if err != nil {
		m.dialFails++
		m.log.Error("directory dial failed",
			zap.String("url", m.cfg.URL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, NewUnavailableError("connect", err)
	}

	m.conn = conn
	m.dials++
	m.log.Debug("directory connection established",
		zap.String("url", m.cfg.URL),
		zap.Duration("elapsed", time.Since(start)))
	return m.conn, nil
}

// dial establishes and authenticates a new connection.
func (m *ConnManager) dial() (*ldap.Conn, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: m.cfg.InsecureSkipVerify,
		ServerName:         hostFromURL(m.cfg.URL),
	}

	var conn *ldap.Conn
	var err error
	if strings.HasPrefix(m.cfg.URL, "ldaps://") {
		conn, err = ldap.DialURL(m.cfg.URL, ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(m.cfg.URL)
		if err == nil && m.cfg.StartTLS {
			err = conn.StartTLS(tlsConfig)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", m.cfg.URL, err)
	}

	conn.SetTimeout(m.cfg.Timeout)

	if err := m.authenticate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to authenticate to %s: %w", m.cfg.URL, err)
	}
	return conn, nil
}

// authenticate binds the connection using the configured method. Kerberos
// takes precedence over simple bind; with neither configured the connection
// stays anonymous.
func (m *ConnManager) authenticate(conn *ldap.Conn) error {
	switch {
	case m.cfg.KerberosRealm != "":
		return kerberosBind(conn, m.cfg, hostFromURL(m.cfg.URL))
	case m.cfg.BindDN != "":
		return conn.Bind(m.cfg.BindDN, m.cfg.BindPassword)
	default:
		return nil
	}
}

// Invalidate closes and discards the cached connection. The next Get dials a
// fresh one.
func (m *ConnManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
		m.log.Debug("directory connection invalidated", zap.String("url", m.cfg.URL))
	}
}

// Close shuts the manager down permanently.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Stats returns counters about the managed connection.
func (m *ConnManager) Stats() ConnStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ConnStats{
		Connected: m.conn != nil,
		Dials:     m.dials,
		DialFails: m.dialFails,
		Uptime:    time.Since(m.startTime),
	}
}

// hostFromURL extracts the hostname from an LDAP URL for TLS verification
// and Kerberos SPN construction.
func hostFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
