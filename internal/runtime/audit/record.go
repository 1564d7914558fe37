// Package audit builds and stores the append-only record written for every
// audited method call, denial and login.
package audit

import (
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
)

// Event names.
const (
	EventMethodCall      = "METHOD_CALL"
	EventAuthentication  = "AUTHENTICATION"
	EventUnauthenticated = auth.EventUnauthenticated
	EventUnauthorized    = auth.EventUnauthorized
	EventRateLimited     = auth.EventRateLimited
)

// ServiceName is the svc value of records written by the dispatcher.
const ServiceName = "MIDDLEWARE"

// Version is the envelope format version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// CurrentVersion is stamped on new records.
var CurrentVersion = Version{Major: 0, Minor: 1}

// Credentials describes how the caller authenticated.
type Credentials struct {
	Credentials     string         `json:"credentials"`
	CredentialsData map[string]any `json:"credentials_data,omitempty"`
}

// ServiceData is the dispatcher-specific part of a record.
type ServiceData struct {
	Vers        Version      `json:"vers"`
	Origin      string       `json:"origin,omitempty"`
	Protocol    string       `json:"protocol"`
	Credentials *Credentials `json:"credentials"`
}

// EventData describes the call.
type EventData struct {
	Method        string `json:"method,omitempty"`
	Params        []any  `json:"params,omitempty"`
	Description   string `json:"description"`
	Authenticated bool   `json:"authenticated"`
	Authorized    bool   `json:"authorized"`
	Error         string `json:"error,omitempty"`
	Trace         string `json:"trace,omitempty"`
}

// Record is one audit entry.
type Record struct {
	AuditID     string      `json:"aid"`
	Vers        Version     `json:"vers"`
	Address     string      `json:"addr"`
	Username    string      `json:"user"`
	SessionID   string      `json:"sess"`
	Timestamp   time.Time   `json:"time"`
	Service     string      `json:"svc"`
	ServiceData ServiceData `json:"svc_data"`
	Event       string      `json:"event"`
	EventData   EventData   `json:"event_data"`
	Success     bool        `json:"success"`
}

// Message is the rendered description.
func (r Record) Message() string { return r.EventData.Description }

func credentialsOf(sess *auth.Session) *Credentials {
	if sess == nil || sess.Identity == nil {
		return nil
	}
	data := map[string]any{"username": sess.Identity.Username}
	if len(sess.Chain) > 0 {
		chain := make([]string, len(sess.Chain))
		for i, c := range sess.Chain {
			chain[i] = string(c)
		}
		data["chain"] = chain
	}
	if sess.Identity.APIKeyID != 0 {
		data["api_key"] = sess.Identity.APIKeyID
	}
	return &Credentials{Credentials: string(sess.CredentialType), CredentialsData: data}
}
