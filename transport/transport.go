// Package transport carries the duplex byte stream underneath a session,
// plain or TLS-wrapped, and the one-way upgrade between the two.
package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"blitiri.com.ar/go/esmtp/internal/tlsconst"
)

// ErrUpgradeWithBufferedData is returned by Upgrade when the read side
// still holds bytes that have not been handed to the caller. Upgrading in
// that state would silently drop them, or worse, feed them to the TLS
// handshake as ciphertext.
var ErrUpgradeWithBufferedData = errors.New("transport: cannot upgrade with buffered unread data")

// An Upgrader wraps a plain net.Conn into a TLS client connection and
// performs the handshake. StdlibUpgrader adapts a *tls.Config to this
// interface, but callers can supply their own for testing or for
// non-standard verification policies.
type Upgrader interface {
	Upgrade(conn net.Conn, serverName string) (*tls.Conn, tls.ConnectionState, error)
}

// StdlibUpgrader adapts a *tls.Config into an Upgrader using the standard
// library's client-side handshake.
type StdlibUpgrader struct {
	Config *tls.Config
}

func (u StdlibUpgrader) Upgrade(conn net.Conn, serverName string) (*tls.Conn, tls.ConnectionState, error) {
	cfg := u.Config.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, tls.ConnectionState{}, err
	}
	return tc, tc.ConnectionState(), nil
}

// A Transport is the duplex byte stream a session is built on: either a
// plain net.Conn, or the same connection wrapped in TLS after a
// successful upgrade. It exclusively owns the underlying connection.
type Transport struct {
	conn   net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer

	secure bool
	state  tls.ConnectionState
}

// New wraps an established net.Conn in a plain-state Transport.
func New(conn net.Conn) *Transport {
	return &Transport{
		conn:   conn,
		Reader: bufio.NewReader(conn),
		Writer: bufio.NewWriter(conn),
	}
}

// Secure reports whether the transport has completed a TLS upgrade.
func (t *Transport) Secure() bool { return t.secure }

// ConnectionState returns the TLS connection state after a successful
// Upgrade. Its zero value is returned for a plain transport.
func (t *Transport) ConnectionState() tls.ConnectionState { return t.state }

// ConnectionStateString renders the negotiated TLS version and cipher
// suite for a debug log line, e.g. "TLS-1.3/TLS_AES_128_GCM_SHA256".
func (t *Transport) ConnectionStateString() string {
	if !t.secure {
		return "plaintext"
	}
	return fmt.Sprintf("%s/%s",
		tlsconst.VersionName(t.state.Version),
		tlsconst.CipherSuiteName(t.state.CipherSuite))
}

// Upgrade performs a one-way transition from plain to secure, surrendering
// the inner connection to up and replacing it with the TLS-wrapped result.
// It fails with ErrUpgradeWithBufferedData if the read buffer still holds
// unconsumed bytes — the caller must have fully drained the STARTTLS
// reply first.
func (t *Transport) Upgrade(up Upgrader, serverName string, buffered int) error {
	if t.secure {
		return errors.New("transport: already secure")
	}
	if buffered > 0 || t.Reader.Buffered() > 0 {
		return ErrUpgradeWithBufferedData
	}

	tc, state, err := up.Upgrade(t.conn, serverName)
	if err != nil {
		return err
	}

	t.conn = tc
	t.Reader = bufio.NewReader(tc)
	t.Writer = bufio.NewWriter(tc)
	t.secure = true
	t.state = state
	return nil
}

// Close shuts down the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// LocalAddr and RemoteAddr expose the underlying connection's endpoints,
// for logging.
func (t *Transport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// SetDeadline propagates a deadline to the underlying connection, so a
// context.Context-driven watchdog can abort a stalled read or write.
func (t *Transport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}
