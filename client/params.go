package client

import (
	"crypto/tls"

	"blitiri.com.ar/go/esmtp/request"
	"blitiri.com.ar/go/esmtp/transport"
)

// Params describes one session's identity and security policy. It is
// built once by the caller and shared, read-only, across the initial
// handshake and the second handshake that follows a STARTTLS upgrade.
type Params struct {
	// ID is the argument sent with EHLO. Defaults to request.Domain("localhost")
	// if left nil.
	ID request.ClientID

	// Security selects whether and when TLS is used.
	Security Security

	// Auth, if non-nil, is attempted via SASL PLAIN or LOGIN after the
	// (possibly upgraded) EHLO exchange. If nil, no AUTH command is sent
	// even if the server advertises support for it.
	Auth *Credentials
}

func (p *Params) id() request.ClientID {
	if p.ID == nil {
		return request.Domain("localhost")
	}
	return p.ID
}

// Credentials is a SASL PLAIN/LOGIN username and password pair.
type Credentials struct {
	Username string
	Password string
}

// Security is the client's TLS policy for a session. The three
// implementations in this package are the only ones in normal use; it is
// an interface rather than a closed enum so that StartTLS and
// ImmediateTLS can each carry their own Upgrader and SNI name.
type Security interface {
	security()
}

// NoSecurity never attempts TLS. The session runs entirely in plaintext.
type NoSecurity struct{}

func (NoSecurity) security() {}

// StartTLS attempts an opportunistic or mandatory STARTTLS upgrade after
// the first EHLO. If Required is false and the server does not advertise
// STARTTLS, or answers it with a non-positive reply, the session proceeds
// in plaintext; if Required is true, the session fails with
// ErrServerDoesNotSupportStartTLS or ErrStartTLSRejected respectively.
//
// This merges the distilled protocol's StartTlsOptional/StartTlsRequired
// split into one type distinguished by a bool field, since in Go the two
// differ in no way except that one field.
type StartTLS struct {
	Upgrader transport.Upgrader
	SNI      string
	Required bool
}

func (StartTLS) security() {}

// ImmediateTLS wraps the connection in TLS before any SMTP traffic is
// exchanged (the "SMTPS" convention on port 465), rather than negotiating
// the upgrade in-band with STARTTLS.
type ImmediateTLS struct {
	Upgrader transport.Upgrader
	SNI      string
}

func (ImmediateTLS) security() {}

// DefaultUpgrader returns a transport.Upgrader using the standard
// library's TLS client with cfg (which may be nil for default
// verification behavior).
func DefaultUpgrader(cfg *tls.Config) transport.Upgrader {
	return transport.StdlibUpgrader{Config: cfg}
}
