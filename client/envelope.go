package client

import (
	"context"
	"io"

	"blitiri.com.ar/go/esmtp/request"
)

// An Envelope is one message to send: a return path, one or more
// recipients, and a body supplied as a stream of byte chunks.
type Envelope struct {
	From       request.Mailbox
	To         []request.Mailbox
	MailParams []request.MailParam
	RcptParams []request.RcptParam

	// Body is read in chunks until io.EOF; its length need not be known
	// in advance.
	Body io.Reader
}

// Send drives MAIL, one RCPT per recipient, and DATA (streaming
// env.Body) across the session, failing on the first non-positive
// reply. Replies are read in the same order commands are issued;
// nothing here pipelines multiple RCPT replies into one read, though
// the wire format would allow it (see the design notes on pipelining).
// ctx bounds the whole envelope exchange; a watchdog goroutine enforces
// it by forcing the transport's deadline if ctx is done before Send
// returns.
func (s *Session) Send(ctx context.Context, env Envelope) error {
	stop := watch(ctx, s.tr)
	defer stop()

	if err := s.mail(env.From, env.MailParams); err != nil {
		return err
	}
	for _, to := range env.To {
		if err := s.rcpt(to, env.RcptParams); err != nil {
			return err
		}
	}
	if err := s.data(env.Body); err != nil {
		return err
	}
	return nil
}

func (s *Session) mail(from request.Mailbox, params []request.MailParam) error {
	if err := s.enc.EncodeMessage(request.Mail(from, params...)); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	return s.expectPositive()
}

func (s *Session) rcpt(to request.Mailbox, params []request.RcptParam) error {
	if err := s.enc.EncodeMessage(request.Rcpt(to, params...)); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	return s.expectPositive()
}

func (s *Session) data(body io.Reader) error {
	if err := s.enc.EncodeMessage(request.Data()); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if encErr := s.enc.EncodeBodyChunk(buf[:n]); encErr != nil {
				return encErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if err := s.enc.EncodeBodyEnd(); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	return s.expectPositive()
}

// expectPositive reads one reply and turns a non-positive one into a
// *BadSMTPResponseError.
func (s *Session) expectPositive() error {
	r, err := s.dec.Next()
	if err != nil {
		// The protocol description has no dedicated "closed during the
		// envelope" sentinel (only the handshake and auth phases do);
		// any I/O failure here, including a clean close, surfaces as a
		// plain IOError.
		return &IOError{Err: err}
	}
	if !r.Severity.IsPositive() {
		text := ""
		if len(r.Text) > 0 {
			text = r.Text[0]
		}
		return &BadSMTPResponseError{Code: r.Code, Text: text}
	}
	return nil
}
