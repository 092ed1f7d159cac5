package client

import (
	"encoding/base64"
	"strings"

	"blitiri.com.ar/go/esmtp/internal/set"
	"blitiri.com.ar/go/esmtp/request"
)

// maybeAuthenticate runs the SASL sub-machine if params.Auth is set,
// selecting PLAIN over LOGIN when both are offered. It is a no-op if
// params.Auth is nil, even if the server advertises AUTH.
func (s *Session) maybeAuthenticate(params *Params) error {
	if params.Auth == nil {
		return nil
	}

	offered, ok := s.caps["AUTH"]
	if !ok {
		return ErrServerDoesNotSupportAuth
	}
	mechanisms := set.NewString(strings.Fields(offered)...)

	switch {
	case mechanisms.Has("PLAIN"):
		return s.authPlain(params.Auth)
	case mechanisms.Has("LOGIN"):
		return s.authLogin(params.Auth)
	default:
		return ErrNoSupportedAuthMethods
	}
}

func (s *Session) authPlain(cred *Credentials) error {
	payload := cred.Username + "\x00" + cred.Username + "\x00" + cred.Password
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))

	if err := s.enc.EncodeMessage(request.AuthInitial("PLAIN", encoded)); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	return s.awaitAuthResult()
}

func (s *Session) authLogin(cred *Credentials) error {
	user := base64.StdEncoding.EncodeToString([]byte(cred.Username))
	if err := s.enc.EncodeMessage(request.AuthInitial("LOGIN", user)); err != nil {
		return err
	}

	// The intermediate 334 "Username:"/"Password:" prompts are suppressed
	// by the frame decoder, so there is no need to read before sending the
	// next frame: both lines go out in one flush, and only the final
	// reply is read back.
	pass := base64.StdEncoding.EncodeToString([]byte(cred.Password))
	if err := s.enc.EncodeMessage(request.AuthContinuation(pass)); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	return s.awaitAuthResult()
}

func (s *Session) awaitAuthResult() error {
	r, err := s.dec.Next()
	if err != nil {
		return closedErr(err, ErrConnectionClosedDuringAuth)
	}
	if !r.Severity.IsPositive() {
		return ErrAuthenticationFailed
	}
	return nil
}
