package courier

import (
	"bytes"
	"context"
	"crypto/tls"
	"time"

	"blitiri.com.ar/go/esmtp/client"
	"blitiri.com.ar/go/esmtp/internal/trace"
	"blitiri.com.ar/go/esmtp/request"
)

// TotalTimeout bounds one delivery attempt end to end: dialing, the
// handshake, and the envelope. Tests lower it so a stuck fake server
// fails the test quickly instead of hanging.
var TotalTimeout = 10 * time.Minute

// Port to use for outgoing SMTP connections. Tests override this to talk
// to a local fake server.
var Port = "25"

// SMTP delivers mail to a remote domain by resolving its MX records and
// driving the client handshake/envelope protocol against each one in
// preference order until one accepts the message or they are exhausted.
type SMTP struct {
	// HelloDomain is the identity sent with EHLO.
	HelloDomain string

	// Auth, if set, is attempted against every MX once TLS has been
	// established (or immediately, if InsecureAllowAuth is true).
	Auth *client.Credentials

	// RequireTLS causes delivery to fail rather than fall back to
	// plaintext when a mail exchanger does not advertise STARTTLS.
	RequireTLS bool

	// InsecureAllowAuth permits AUTH even when the session is not
	// encrypted. The default (false) matches common server policy of
	// refusing to offer AUTH except in sessions that are already secure.
	InsecureAllowAuth bool
}

// Deliver attempts to send data from "from" to "to". It returns the
// error from the last attempted MX (or the MX lookup itself) and whether
// that error is permanent.
func (s *SMTP) Deliver(ctx context.Context, from, to string, data []byte) (error, bool) {
	tr := trace.New("Courier.SMTP", to)
	defer tr.Finish()
	tr.Debugf("%s -> %s", from, to)

	domain := domainOf(to)
	hosts, permanent, err := resolveMXsFunc(ctx, tr, domain)
	if err != nil {
		return tr.Errorf("could not find mail server: %v", err), permanent
	}

	var lastErr error
	for _, host := range hosts {
		var perm bool
		lastErr, perm = s.deliverTo(ctx, tr, host, from, to, data)
		if lastErr == nil {
			return nil, false
		}
		if perm {
			return lastErr, true
		}
		tr.Errorf("%q returned transient error: %v", host, lastErr)
	}

	return tr.Errorf("all MXs returned transient failures (last: %v)", lastErr), false
}

func (s *SMTP) deliverTo(ctx context.Context, tr *trace.Trace, host, from, to string, data []byte) (error, bool) {
	ctx, cancel := context.WithTimeout(ctx, TotalTimeout)
	defer cancel()

	// Without InsecureAllowAuth, credentials are only sent after STARTTLS,
	// so TLS becomes mandatory whenever Auth is set.
	requireTLS := s.RequireTLS || (s.Auth != nil && !s.InsecureAllowAuth)

	params := &client.Params{
		ID: request.Domain(s.HelloDomain),
		Security: client.StartTLS{
			Upgrader: client.DefaultUpgrader(&tls.Config{
				// Many mail exchangers present self-signed or otherwise
				// unverifiable certificates; opportunistic TLS still beats
				// plaintext, so verification failures are not fatal here,
				// only downgrade what the connection can be trusted for.
				InsecureSkipVerify: true,
			}),
			SNI:      host,
			Required: requireTLS,
		},
	}
	if s.Auth != nil {
		params.Auth = s.Auth
	}

	sess, err := client.Dial(ctx, host+":"+Port, params)
	if err != nil {
		return tr.Errorf("connecting to %s: %v", host, err), false
	}
	defer sess.Close()

	tr.Debugf("%s: connected, %s", host, sess.ConnectionStateString())

	mailboxFrom := request.MailboxOf(from)
	if from == "" {
		mailboxFrom = request.NullMailbox
	}

	var mailParams []request.MailParam
	if _, ok := sess.Capabilities()["8BITMIME"]; ok {
		mailParams = append(mailParams, request.EightBitMIME{})
	}

	err = sess.Send(ctx, client.Envelope{
		From:       mailboxFrom,
		To:         []request.Mailbox{request.MailboxOf(to)},
		MailParams: mailParams,
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return tr.Errorf("%s: delivery failed: %v", host, err), isPermanent(err)
	}

	tr.Debugf("%s: done", host)
	return nil, false
}

// isPermanent reports whether err represents a 5xx SMTP response, which
// should not be retried.
func isPermanent(err error) bool {
	bad, ok := err.(*client.BadSMTPResponseError)
	return ok && bad.Code >= 500 && bad.Code < 600
}
