package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Mechanism is the wire name of a login mechanism.
type Mechanism string

const (
	MechPasswordPlain Mechanism = "PASSWORD_PLAIN"
	MechAPIKeyPlain   Mechanism = "API_KEY_PLAIN"
	MechTokenPlain    Mechanism = "TOKEN_PLAIN"
	MechOTPToken      Mechanism = "OTP_TOKEN"
)

// Mechanisms lists the mechanisms offered by auth.mechanism_choices.
func Mechanisms() []Mechanism {
	return []Mechanism{MechPasswordPlain, MechAPIKeyPlain, MechTokenPlain, MechOTPToken}
}

// ResponseType tags a login response.
type ResponseType string

const (
	ResponseSuccess     ResponseType = "SUCCESS"
	ResponseAuthErr     ResponseType = "AUTH_ERR"
	ResponseExpired     ResponseType = "EXPIRED"
	ResponseOTPRequired ResponseType = "OTP_REQUIRED"
	ResponseRedirect    ResponseType = "REDIRECT"
)

// LoginRequest is the credential envelope of auth.login_ex.
type LoginRequest struct {
	Mechanism Mechanism `json:"mechanism"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	APIKey    string    `json:"api_key,omitempty"`
	Token     string    `json:"token,omitempty"`
	OTPToken  string    `json:"otp_token,omitempty"`
}

// LoginResult is the outcome of one login step. Resolution is set only on
// SUCCESS.
type LoginResult struct {
	Response   ResponseType
	Username   string
	Resolution *Resolution
	Err        error
}

// LoginState carries a pending two-factor login between auth.login_ex and
// auth.login_ex_continue on one connection.
type LoginState struct {
	mu       sync.Mutex
	username string
	password string
	since    time.Time
}

// Pending reports the username awaiting an OTP, if any.
func (s *LoginState) Pending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.username != ""
}

func (s *LoginState) set(username, password string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.password, s.since = username, password, now
}

func (s *LoginState) take(now time.Time, ttl time.Duration) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, password, since := s.username, s.password, s.since
	s.username, s.password = "", ""
	if username == "" || now.Sub(since) > ttl {
		return "", "", false
	}
	return username, password, true
}

const otpContinueWindow = 5 * time.Minute

// LoginEx runs one step of the interactive login protocol.
func (a *Authenticator) LoginEx(ctx context.Context, state *LoginState, req LoginRequest, origin Origin) LoginResult {
	if a.redirect.Load() && req.Mechanism != MechOTPToken {
		return LoginResult{Response: ResponseRedirect, Username: req.Username}
	}
	var cred Credential
	switch req.Mechanism {
	case MechPasswordPlain:
		cred = PasswordCredential(req.Username, req.Password)
	case MechAPIKeyPlain:
		cred = APIKeyCredential(req.Username, req.APIKey)
	case MechTokenPlain:
		cred = TokenCredential(req.Token)
	case MechOTPToken:
		username, password, ok := state.take(a.now(), otpContinueWindow)
		if !ok {
			return LoginResult{Response: ResponseAuthErr, Err: ErrInvalidCredentials}
		}
		cred = TwoFactorCredential(username, password, req.OTPToken)
	default:
		return LoginResult{Response: ResponseAuthErr, Err: ErrInvalidCredentials}
	}

	res, err := a.Resolve(ctx, cred, origin)
	switch {
	case err == nil:
		return LoginResult{Response: ResponseSuccess, Username: res.Identity.Username, Resolution: res}
	case errors.Is(err, ErrOTPRequired):
		state.set(req.Username, req.Password, a.now())
		return LoginResult{Response: ResponseOTPRequired, Username: req.Username, Err: err}
	case errors.Is(err, ErrPasswordExpired), errors.Is(err, ErrAPIKeyExpired), errors.Is(err, ErrTokenExpired):
		return LoginResult{Response: ResponseExpired, Username: cred.Username, Err: err}
	}
	return LoginResult{Response: ResponseAuthErr, Username: cred.Username, Err: err}
}
