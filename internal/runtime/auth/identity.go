// Package auth resolves caller credentials into identities and decides whether
// an identity may call a method or subscribe to an event channel.
package auth

import (
	"net"
	"slices"
	"strconv"
	"time"
)

// Transport names the adapter a call arrived through.
type Transport string

const (
	TransportWebSocket Transport = "WEBSOCKET"
	TransportREST      Transport = "REST"
	TransportCLI       Transport = "CLI"
	TransportUnix      Transport = "UNIX"
	TransportInternal  Transport = "INTERNAL"
)

// Origin describes where a call came from.
type Origin struct {
	Transport  Transport
	RemoteAddr string
	// PeerUID is the uid of a Unix socket peer, or -1.
	PeerUID         int
	SecureTransport bool
}

// InternalOrigin is the origin of in-process calls.
func InternalOrigin() Origin {
	return Origin{Transport: TransportInternal, PeerUID: -1, SecureTransport: true}
}

// UnixOrigin is the origin of a local socket peer.
func UnixOrigin(uid int) Origin {
	return Origin{Transport: TransportUnix, PeerUID: uid, SecureTransport: true}
}

// RemoteOrigin is the origin of a network caller.
func RemoteOrigin(t Transport, addr string, secure bool) Origin {
	return Origin{Transport: t, RemoteAddr: addr, PeerUID: -1, SecureTransport: secure}
}

// External reports whether the call crossed a network transport. Private
// methods are refused for external origins.
func (o Origin) External() bool {
	switch o.Transport {
	case TransportInternal, TransportUnix:
		return false
	}
	return true
}

// Key identifies the origin for rate limiting. Ports are ignored so that
// reconnecting does not reset a bucket.
func (o Origin) Key() string {
	switch o.Transport {
	case TransportInternal:
		return "internal"
	case TransportUnix:
		return "unix:" + strconv.Itoa(o.PeerUID)
	}
	if host, _, err := net.SplitHostPort(o.RemoteAddr); err == nil {
		return host
	}
	return o.RemoteAddr
}

// Address is the address recorded in audit records.
func (o Origin) Address() string {
	if o.External() {
		if host, _, err := net.SplitHostPort(o.RemoteAddr); err == nil {
			return host
		}
		if o.RemoteAddr != "" {
			return o.RemoteAddr
		}
	}
	return "127.0.0.1"
}

// Match reports whether two origins are the same caller for token
// match_origin checks.
func (o Origin) Match(other Origin) bool {
	if o.Transport == TransportUnix || other.Transport == TransportUnix {
		return o.Transport == other.Transport && o.PeerUID == other.PeerUID
	}
	return o.Key() == other.Key()
}

func (o Origin) String() string {
	switch o.Transport {
	case TransportUnix:
		return "UNIX_SOCKET uid=" + strconv.Itoa(o.PeerUID)
	case TransportInternal:
		return "INTERNAL"
	}
	return string(o.Transport) + " " + o.RemoteAddr
}

// CredentialType is the kind of credential a session was opened with.
type CredentialType string

const (
	CredentialUnixSocket CredentialType = "UNIX_SOCKET"
	CredentialPassword   CredentialType = "LOGIN_PASSWORD"
	CredentialTwoFactor  CredentialType = "LOGIN_TWOFACTOR"
	CredentialOneTime    CredentialType = "ONETIME_PASSWORD"
	CredentialAPIKey     CredentialType = "API_KEY"
	CredentialToken      CredentialType = "TOKEN"
	CredentialNodeToNode CredentialType = "NODE_TO_NODE"
	CredentialInternal   CredentialType = "INTERNAL"
	CredentialNone       CredentialType = ""
)

// Identity is an authenticated principal.
type Identity struct {
	Username string
	UID      int
	// Privileges are the names of the privileges the identity holds.
	Privileges []string
	// Roles are the roles granted directly by those privileges, before expansion.
	Roles    []string
	WebShell bool
	// System marks in-process and node-to-node principals that bypass role checks.
	System bool
	// APIKeyID is set for identities resolved from an API key.
	APIKeyID int64
}

// SystemIdentity is the principal of internal calls.
func SystemIdentity() *Identity {
	return &Identity{Username: "root", UID: 0, Roles: []string{RoleFullAdmin}, System: true}
}

// HasRole reports whether the identity directly holds role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Privileges = slices.Clone(i.Privileges)
	cp.Roles = slices.Clone(i.Roles)
	return &cp
}

// Session is an authenticated connection. Copies handed out by the session
// table carry Current relative to the caller.
type Session struct {
	ID             string
	Identity       *Identity
	CredentialType CredentialType
	// Chain lists the credentials this session descends from, outermost first,
	// for example ["TOKEN", "LOGIN_PASSWORD"].
	Chain           []CredentialType
	Origin          Origin
	CreatedAt       time.Time
	ExpiresAt       time.Time
	SecureTransport bool
	Current         bool
	// ComplianceMode restricts which roles the session may exercise.
	ComplianceMode string
}

// Expired reports whether the session has outlived its expiry.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// RootCredential is the credential the chain started from.
func (s *Session) RootCredential() CredentialType {
	if s == nil {
		return CredentialNone
	}
	if len(s.Chain) > 0 {
		return s.Chain[len(s.Chain)-1]
	}
	return s.CredentialType
}

// UserSession reports whether the session belongs to a user rather than to
// an internal or node-to-node principal.
func (s *Session) UserSession() bool {
	if s == nil {
		return false
	}
	switch s.CredentialType {
	case CredentialInternal, CredentialNodeToNode, CredentialNone:
		return false
	}
	return true
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Identity = s.Identity.Clone()
	cp.Chain = slices.Clone(s.Chain)
	return &cp
}
