// Package client drives a single established connection through the
// ESMTP handshake (greeting, EHLO, optional STARTTLS, optional SASL
// authentication) and, once ready, the envelope protocol (MAIL, RCPT,
// DATA, QUIT).
package client

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"blitiri.com.ar/go/esmtp/frame"
	"blitiri.com.ar/go/esmtp/reply"
	"blitiri.com.ar/go/esmtp/request"
	"blitiri.com.ar/go/esmtp/transport"
)

// A Session is a connection that has completed the handshake and is
// ready to send an envelope, or is in the process of getting there.
type Session struct {
	tr  *transport.Transport
	enc *frame.Encoder
	dec *frame.Decoder

	ehloReply reply.Reply
	caps      map[string]string
}

// Dial connects to addr (host:port), runs the handshake described by
// params, and returns a ready Session. ctx bounds the whole operation,
// including any TLS handshake; a watchdog goroutine enforces it by
// setting an immediate deadline on the connection if ctx is done before
// Dial returns, and the failed handshake then closes the connection.
func Dial(ctx context.Context, addr string, params *Params) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newSession(ctx, conn, addr, params)
}

func newSession(ctx context.Context, conn net.Conn, serverName string, params *Params) (*Session, error) {
	stop := watch(ctx, conn)
	defer stop()

	tr := transport.New(conn)
	s := &Session{
		tr:  tr,
		enc: frame.NewEncoder(tr.Writer),
		dec: frame.NewDecoder(tr.Reader),
	}

	switch sec := params.Security.(type) {
	case nil, NoSecurity:
		if err := s.handshake(params, true, true); err != nil {
			conn.Close()
			return nil, err
		}

	case ImmediateTLS:
		if err := tr.Upgrade(sec.Upgrader, sniOr(sec.SNI, serverName), s.dec.Buffered()); err != nil {
			conn.Close()
			return nil, err
		}
		s.enc = frame.NewEncoder(tr.Writer)
		s.dec = frame.NewDecoder(tr.Reader)
		if err := s.handshake(params, true, true); err != nil {
			conn.Close()
			return nil, err
		}

	case StartTLS:
		if err := s.handshake(params, true, false); err != nil {
			conn.Close()
			return nil, err
		}
		_, hasStartTLS := s.caps["STARTTLS"]
		if !hasStartTLS {
			if sec.Required {
				conn.Close()
				return nil, ErrServerDoesNotSupportStartTLS
			}
			if err := s.maybeAuthenticate(params); err != nil {
				conn.Close()
				return nil, err
			}
			break
		}

		if err := s.doStartTLS(sec, serverName); err != nil {
			if err == ErrStartTLSRejected && !sec.Required {
				if err := s.maybeAuthenticate(params); err != nil {
					conn.Close()
					return nil, err
				}
				break
			}
			conn.Close()
			return nil, err
		}
		s.enc = frame.NewEncoder(tr.Writer)
		s.dec = frame.NewDecoder(tr.Reader)
		// The server does not re-greet after a STARTTLS upgrade; it
		// waits for EHLO directly.
		if err := s.handshake(params, false, true); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return s, nil
}

func sniOr(sni, fallback string) string {
	if sni != "" {
		return sni
	}
	return fallback
}

// deadliner is satisfied by both net.Conn and *transport.Transport, so
// watch can arm a deadline on either the raw connection (during dialing)
// or the transport (during the envelope, after a possible TLS upgrade).
type deadliner interface {
	SetDeadline(time.Time) error
}

// watch sets an immediate deadline on d if ctx is cancelled before the
// returned stop function is called, propagating context cancellation to
// a blocking read/write.
func watch(ctx context.Context, d deadliner) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.SetDeadline(time.Unix(0, 1))
		case <-done:
		}
	}()
	return func() { close(done) }
}

// handshake drives the greeting, EHLO, and capability extraction; doAuth
// controls whether SASL authentication is attempted afterwards.
// awaitOpening controls whether a "220 ... ESMTP" banner is read before
// EHLO: it is true except immediately after a STARTTLS upgrade, where the
// server sends no greeting and instead waits for EHLO directly. It is
// called once before any STARTTLS upgrade (to inspect pre-TLS
// capabilities) and a second time after, with doAuth=true.
func (s *Session) handshake(params *Params, awaitOpening, doAuth bool) error {
	if awaitOpening {
		if err := s.awaitOpening(); err != nil {
			return err
		}
	}
	if err := s.sendEhlo(params); err != nil {
		return err
	}
	if doAuth {
		return s.maybeAuthenticate(params)
	}
	return nil
}

func (s *Session) awaitOpening() error {
	r, err := s.dec.Next()
	if err != nil {
		return closedErr(err, ErrConnectionClosedBeforeHandshake)
	}
	if !r.Severity.IsPositive() {
		return ErrInvalidHandshake
	}
	if len(r.Text) == 0 {
		return ErrInvalidHandshake
	}
	fields := strings.Fields(r.Text[0])
	if len(fields) < 2 || fields[1] != "ESMTP" {
		return ErrInvalidHandshake
	}
	return nil
}

func (s *Session) sendEhlo(params *Params) error {
	if err := s.enc.EncodeMessage(request.Ehlo(params.id())); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}

	r, err := s.dec.Next()
	if err != nil {
		return closedErr(err, ErrConnectionClosedDuringHandshake)
	}
	s.ehloReply = r
	s.caps = parseCapabilities(r.Text)
	return nil
}

// parseCapabilities turns EHLO's text lines (after the greeting line)
// into a map from capability keyword to the remainder of its line, e.g.
// "AUTH PLAIN LOGIN" -> {"AUTH": "PLAIN LOGIN"}.
func parseCapabilities(lines []string) map[string]string {
	caps := map[string]string{}
	for i, line := range lines {
		if i == 0 {
			continue // the greeting text itself, not a capability
		}
		fields := strings.SplitN(line, " ", 2)
		name := strings.ToUpper(fields[0])
		args := ""
		if len(fields) == 2 {
			args = fields[1]
		}
		caps[name] = args
	}
	return caps
}

func (s *Session) doStartTLS(sec StartTLS, serverName string) error {
	if err := s.enc.EncodeMessage(request.StartTLS()); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	r, err := s.dec.Next()
	if err != nil {
		return closedErr(err, ErrConnectionClosedBeforeStartTLS)
	}
	if !r.Severity.IsPositive() {
		return ErrStartTLSRejected
	}
	return s.tr.Upgrade(sec.Upgrader, sniOr(sec.SNI, serverName), s.dec.Buffered())
}

// closedErr classifies a read failure as a clean connection close (the
// sentinel naming the phase it happened in) or, for anything else
// (timeouts, resets, malformed responses), an *IOError wrapping the
// original cause.
func closedErr(err error, onClose error) error {
	if log.V(log.Debug) {
		log.Debugf("connection error: %v", err)
	}
	if err == io.EOF {
		return onClose
	}
	return &IOError{Err: err}
}

// EHLOReply returns the reply received from the most recent EHLO. Callers
// use this, together with Capabilities, to decide whether extensions like
// 8BITMIME are safe to use.
func (s *Session) EHLOReply() reply.Reply { return s.ehloReply }

// Capabilities returns the capability names the server advertised in its
// most recent EHLO reply, mapped to the argument text on their line.
func (s *Session) Capabilities() map[string]string {
	caps := make(map[string]string, len(s.caps))
	for k, v := range s.caps {
		caps[k] = v
	}
	return caps
}

// Close sends QUIT, waits for the reply, and releases the
// underlying connection. Errors sending QUIT are not fatal: the
// connection is closed regardless.
func (s *Session) Close() error {
	_ = s.enc.EncodeMessage(request.Quit())
	_ = s.enc.Flush()
	_, _ = s.dec.Next()
	return s.tr.Close()
}

// ConnectionStateString renders the current TLS state for logging.
func (s *Session) ConnectionStateString() string {
	return s.tr.ConnectionStateString()
}
