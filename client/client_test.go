package client

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"blitiri.com.ar/go/esmtp/request"
)

// fakeServer is a minimal scripted SMTP server: it replies to each line it
// reads according to a fixed map, exercising the client against a real
// TCP listener instead of a mocked connection.
type fakeServer struct {
	t         *testing.T
	responses map[string]string
	addr      string
	wg        sync.WaitGroup
}

func newFakeServer(t *testing.T, responses map[string]string) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{t: t, responses: responses, addr: l.Addr().String()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer l.Close()

		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		r := textproto.NewReader(bufio.NewReader(c))
		c.Write([]byte(s.responses["_welcome"]))
		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}
			resp, ok := s.responses[line]
			if !ok {
				t.Logf("fakeServer: no scripted response for %q", line)
				return
			}
			c.Write([]byte(resp))
			if line == "DATA" {
				if _, err := r.ReadDotBytes(); err != nil {
					t.Logf("fakeServer: reading DATA body: %v", err)
					return
				}
				c.Write([]byte(s.responses["_DATA"]))
			}
		}
	}()

	return s
}

func (s *fakeServer) wait() { s.wg.Wait() }

// generateTestCert returns a minimal self-signed certificate for
// "localhost", good enough to drive a real tls.Server/tls.Client
// handshake in tests.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"esmtp test"}},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// fakeStartTLSServer is like fakeServer, but completes a real TLS
// handshake when it sees STARTTLS and continues the scripted exchange
// over the encrypted connection, the way the teacher's own courier fake
// server does.
type fakeStartTLSServer struct {
	t         *testing.T
	responses map[string]string
	addr      string
	tlsConfig *tls.Config
	wg        sync.WaitGroup
}

func newFakeStartTLSServer(t *testing.T, responses map[string]string) *fakeStartTLSServer {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeStartTLSServer{
		t:         t,
		responses: responses,
		addr:      l.Addr().String(),
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{generateTestCert(t)}},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer l.Close()

		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		r := textproto.NewReader(bufio.NewReader(c))
		c.Write([]byte(s.responses["_welcome"]))
		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}

			if line == "STARTTLS" {
				c.Write([]byte(s.responses["STARTTLS"]))
				tlsConn := tls.Server(c, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					t.Logf("fakeStartTLSServer: handshake: %v", err)
					return
				}
				c = tlsConn
				r = textproto.NewReader(bufio.NewReader(c))
				continue
			}

			resp, ok := s.responses[line]
			if !ok {
				t.Logf("fakeStartTLSServer: no scripted response for %q", line)
				return
			}
			c.Write([]byte(resp))
			if line == "DATA" {
				if _, err := r.ReadDotBytes(); err != nil {
					return
				}
				c.Write([]byte(s.responses["_DATA"]))
			}
		}
	}()

	return s
}

func (s *fakeStartTLSServer) wait() { s.wg.Wait() }

func dial(t *testing.T, addr string, params *Params) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := Dial(ctx, addr, params)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return sess
}

func TestFullSessionPlaintext(t *testing.T) {
	responses := map[string]string{
		"_welcome":              "220 mx.example.test ESMTP ready\r\n",
		"EHLO localhost":        "250-mx.example.test greets you\r\n250 8BITMIME\r\n",
		"MAIL FROM:<a@b.test>":  "250 ok\r\n",
		"RCPT TO:<c@d.test>":    "250 ok\r\n",
		"DATA":                  "354 go ahead\r\n",
		"_DATA":                 "250 ok\r\n",
		"QUIT":                  "221 bye\r\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.wait()

	sess := dial(t, srv.addr, &Params{Security: NoSecurity{}})

	if _, ok := sess.Capabilities()["8BITMIME"]; !ok {
		t.Errorf("capabilities = %v, want 8BITMIME", sess.Capabilities())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.Send(ctx, Envelope{
		From: request.MailboxOf("a@b.test"),
		To:   []request.Mailbox{request.MailboxOf("c@d.test")},
		Body: strings.NewReader("Subject: hi\r\n\r\nbody\r\n"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAuthPlain(t *testing.T) {
	responses := map[string]string{
		"_welcome":       "220 mx.example.test ESMTP ready\r\n",
		"EHLO localhost": "250-mx.example.test\r\n250 AUTH PLAIN LOGIN\r\n",
		"AUTH PLAIN dXNlcgB1c2VyAHBhc3M=": "235 authenticated\r\n",
		"QUIT":                        "221 bye\r\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.wait()

	sess := dial(t, srv.addr, &Params{
		Security: NoSecurity{},
		Auth:     &Credentials{Username: "user", Password: "pass"},
	})
	sess.Close()
}

func TestAuthFailure(t *testing.T) {
	responses := map[string]string{
		"_welcome":       "220 mx.example.test ESMTP ready\r\n",
		"EHLO localhost": "250-mx.example.test\r\n250 AUTH PLAIN\r\n",
		"AUTH PLAIN dXNlcgB1c2VyAHdyb25n": "535 bad credentials\r\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, srv.addr, &Params{
		Security: NoSecurity{},
		Auth:     &Credentials{Username: "user", Password: "wrong"},
	})
	if err != ErrAuthenticationFailed {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestStartTLSRequiredButNotOffered(t *testing.T) {
	responses := map[string]string{
		"_welcome":       "220 mx.example.test ESMTP ready\r\n",
		"EHLO localhost": "250 mx.example.test\r\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, srv.addr, &Params{
		Security: StartTLS{Required: true},
	})
	if err != ErrServerDoesNotSupportStartTLS {
		t.Fatalf("err = %v, want ErrServerDoesNotSupportStartTLS", err)
	}
}

func TestStartTLSOptionalFallsBackToPlaintext(t *testing.T) {
	responses := map[string]string{
		"_welcome":              "220 mx.example.test ESMTP ready\r\n",
		"EHLO localhost":        "250 mx.example.test\r\n",
		"MAIL FROM:<a@b.test>":  "250 ok\r\n",
		"RCPT TO:<c@d.test>":    "250 ok\r\n",
		"DATA":                  "354 go ahead\r\n",
		"_DATA":                 "250 ok\r\n",
		"QUIT":                  "221 bye\r\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.wait()

	sess := dial(t, srv.addr, &Params{Security: StartTLS{Required: false}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.Send(ctx, Envelope{
		From: request.MailboxOf("a@b.test"),
		To:   []request.Mailbox{request.MailboxOf("c@d.test")},
		Body: strings.NewReader("hi\r\n"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sess.Close()
}

func TestStartTLSUpgradeSucceeds(t *testing.T) {
	responses := map[string]string{
		"_welcome":              "220 mx.example.test ESMTP ready\r\n",
		"EHLO localhost":        "250-mx.example.test\r\n250 STARTTLS\r\n",
		"STARTTLS":              "220 ready to start TLS\r\n",
		"MAIL FROM:<a@b.test>":  "250 ok\r\n",
		"RCPT TO:<c@d.test>":    "250 ok\r\n",
		"DATA":                  "354 go ahead\r\n",
		"_DATA":                 "250 ok\r\n",
		"QUIT":                  "221 bye\r\n",
	}
	srv := newFakeStartTLSServer(t, responses)
	defer srv.wait()

	upgrader := DefaultUpgrader(&tls.Config{InsecureSkipVerify: true})
	sess := dial(t, srv.addr, &Params{
		Security: StartTLS{Upgrader: upgrader, Required: true},
	})
	defer sess.Close()

	if !sess.tr.Secure() {
		t.Errorf("session not secure after STARTTLS upgrade")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.Send(ctx, Envelope{
		From: request.MailboxOf("a@b.test"),
		To:   []request.Mailbox{request.MailboxOf("c@d.test")},
		Body: strings.NewReader("hi\r\n"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestBadSMTPResponseDuringEnvelope(t *testing.T) {
	responses := map[string]string{
		"_welcome":             "220 mx.example.test ESMTP ready\r\n",
		"EHLO localhost":       "250 mx.example.test\r\n",
		"MAIL FROM:<a@b.test>": "550 no such sender\r\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.wait()

	sess := dial(t, srv.addr, &Params{Security: NoSecurity{}})
	defer sess.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.Send(ctx, Envelope{
		From: request.MailboxOf("a@b.test"),
		To:   []request.Mailbox{request.MailboxOf("c@d.test")},
		Body: strings.NewReader("hi\r\n"),
	})
	var badResp *BadSMTPResponseError
	if err == nil {
		t.Fatal("Send succeeded, want BadSMTPResponseError")
	}
	if !asBadResponse(err, &badResp) {
		t.Fatalf("err = %v (%T), want *BadSMTPResponseError", err, err)
	}
	if badResp.Code != 550 {
		t.Errorf("code = %d, want 550", badResp.Code)
	}
}

func asBadResponse(err error, target **BadSMTPResponseError) bool {
	if e, ok := err.(*BadSMTPResponseError); ok {
		*target = e
		return true
	}
	return false
}
