// Package frame implements the duplex byte↔frame codec sitting between
// the wire and the handshake/envelope state machines: on the write side
// it serializes commands and dot-stuffs a streamed message body, and on
// the read side it parses replies and silently drops PositiveIntermediate
// (3xx) replies, which the caller never needs to see explicitly — the
// DATA command's "354 start mail input" preamble is consumed here, not
// by the envelope driver.
package frame

import (
	"bufio"
	"fmt"
	"io"

	"blitiri.com.ar/go/log"

	"blitiri.com.ar/go/esmtp/reply"
	"blitiri.com.ar/go/esmtp/request"
)

// MalformedResponseError wraps a reply.Parse failure, identifying it as a
// protocol-level error rather than a transport I/O error.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed SMTP response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// An Encoder serializes Request frames and dot-stuffs a streamed DATA
// body. Create one with NewEncoder, wrapping a *bufio.Writer.
//
// escapeCount is the only state the encoder carries between calls: it
// records how much of a "\r\n." sequence was just emitted, so dot-stuffing
// is correct regardless of how the body is chunked.
type Encoder struct {
	w           *bufio.Writer
	escapeCount uint8
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w *bufio.Writer) *Encoder {
	return &Encoder{w: w}
}

// EncodeMessage serializes and writes req. Commands never span frames:
// the whole rendering is written in one Write call.
func (e *Encoder) EncodeMessage(req request.Request) error {
	if log.V(log.Debug) {
		log.Debugf("C: %s", req.LogString())
	}
	_, err := e.w.Write(req.Render())
	return err
}

// EncodeBodyChunk dot-stuffs chunk and appends it to the output. Any
// "\r\n." sequence that appears in the logical byte stream — even if it
// straddles two calls to EncodeBodyChunk — gets an extra "." inserted
// after it.
func (e *Encoder) EncodeBodyChunk(chunk []byte) error {
	if log.V(log.Debug) {
		log.Debugf("C: <body chunk, %d bytes>", len(chunk))
	}

	start := 0
	for i, b := range chunk {
		switch e.escapeCount {
		case 0:
			if b == '\r' {
				e.escapeCount = 1
			}
		case 1:
			if b == '\n' {
				e.escapeCount = 2
			} else if b != '\r' {
				e.escapeCount = 0
			}
		case 2:
			if b == '.' {
				e.escapeCount = 3
			} else if b == '\r' {
				e.escapeCount = 1
			} else {
				e.escapeCount = 0
			}
		}

		if e.escapeCount == 3 {
			e.escapeCount = 0
			if _, err := e.w.Write(chunk[start : i+1]); err != nil {
				return err
			}
			if err := e.w.WriteByte('.'); err != nil {
				return err
			}
			start = i + 1
		}
	}

	_, err := e.w.Write(chunk[start:])
	return err
}

// EncodeBodyEnd completes the DATA terminator, emitting exactly one
// "CRLF.CRLF" sequence regardless of how the preceding chunks ended, and
// resets escapeCount to 0.
func (e *Encoder) EncodeBodyEnd() error {
	if log.V(log.Debug) {
		log.Debugf("C: <end of body>")
	}

	var err error
	switch e.escapeCount {
	case 0:
		_, err = e.w.WriteString("\r\n.\r\n")
	case 1:
		_, err = e.w.WriteString("\n.\r\n")
	case 2:
		_, err = e.w.WriteString(".\r\n")
	default:
		panic(fmt.Sprintf("frame: impossible escapeCount %d", e.escapeCount))
	}
	e.escapeCount = 0
	return err
}

// Flush pushes any buffered output to the underlying writer. Commands may
// be pipelined (several EncodeMessage calls before a Flush), to cut down
// on round-trips; the server is expected to answer them in the order they
// were sent.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// A Decoder parses Reply frames off a duplex connection, buffering partial
// reads and transparently discarding intermediate (3xx) replies.
type Decoder struct {
	r   *bufio.Reader
	buf []byte
}

// NewDecoder returns a Decoder that reads from r.
func NewDecoder(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next blocks until one non-intermediate reply has been fully read, or
// returns the I/O error (including io.EOF) that prevented it.
func (d *Decoder) Next() (reply.Reply, error) {
	for {
		r, rest, status, err := reply.Parse(d.buf)
		switch status {
		case reply.Done:
			d.buf = append([]byte(nil), rest...)
			if r.Severity == reply.PositiveIntermediate {
				// Drop and keep looking: e.g. DATA's "354 go ahead".
				continue
			}
			if log.V(log.Debug) {
				log.Debugf("S: %s", r)
			}
			return r, nil
		case reply.Error:
			return reply.Reply{}, &MalformedResponseError{Err: err}
		case reply.Incomplete:
			if err := d.fill(); err != nil {
				return reply.Reply{}, err
			}
		}
	}
}

// fill reads more bytes from the underlying connection into d.buf.
func (d *Decoder) fill() error {
	chunk := make([]byte, 4096)
	n, err := d.r.Read(chunk)
	if n > 0 {
		d.buf = append(d.buf, chunk[:n]...)
	}
	if n == 0 && err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return err
	}
	return nil
}

// Buffered returns the number of bytes the decoder is holding that have
// not yet been consumed into a returned Reply. The transport uses this to refuse
// a STARTTLS upgrade while a partial reply is still sitting in the
// decoder, since those bytes would otherwise be silently dropped or
// misinterpreted as the start of TLS's handshake record.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
