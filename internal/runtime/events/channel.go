// Package events is the publish/subscribe surface: named channels with their
// own payload models and access rules, fanned out to authorized subscribers
// and to internal hooks.
package events

import (
	"slices"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// Event types.
const (
	TypeAdded   = "ADDED"
	TypeChanged = "CHANGED"
	TypeRemoved = "REMOVED"
	// TypeOverflow is the terminal frame of a subscription dropped for
	// falling behind.
	TypeOverflow = "OVERFLOW"
)

// QuerySuffix names the companion channel of a service exposing query.
const QuerySuffix = ".query"

// Frame is one delivered event.
type Frame struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	// ID is the entity id for collection events.
	ID      any `json:"id,omitempty"`
	Payload any `json:"payload,omitempty"`
	// Subscription is set on frames delivered to a subscriber.
	Subscription string `json:"subscription,omitempty"`
	// Node is set on frames relayed from a peer.
	Node string `json:"node,omitempty"`
}

// Channel declares an event stream.
type Channel struct {
	Name        string
	Description string
	Roles       []string
	Private     bool

	NoAuthentication bool
	NoAuthorization  bool

	// Models maps event types to payload models. Types without a model are
	// delivered as published unless they are not allowed at all.
	Models map[string]*schema.Model
	// Types lists the event types that may be published besides the keys of
	// Models. Empty means ADDED, CHANGED and REMOVED.
	Types []string
	// WriteRole holders see secrets in payloads.
	WriteRole string
}

// Requirement is what the gate checks for subscriptions.
func (c Channel) Requirement() auth.Requirement {
	return auth.Requirement{
		Name:             c.Name,
		Roles:            slices.Clone(c.Roles),
		Private:          c.Private,
		NoAuthentication: c.NoAuthentication,
		NoAuthorization:  c.NoAuthorization,
	}
}

// Allows reports whether eventType may be published on c.
func (c Channel) Allows(eventType string) bool {
	if _, ok := c.Models[eventType]; ok {
		return true
	}
	if len(c.Types) == 0 {
		return eventType == TypeAdded || eventType == TypeChanged || eventType == TypeRemoved
	}
	return slices.Contains(c.Types, eventType)
}

// QueryChannel declares the <service>.query companion channel. ADDED and
// CHANGED carry the entry model, REMOVED carries only the id.
func QueryChannel(service string, entry *schema.Model, roles []string, writeRole string) Channel {
	removed := schema.Record(entry.Name+"RemovedEvent", schema.Required("id", schema.Any())).InNamespace(entry.Namespace)
	return Channel{
		Name:        service + QuerySuffix,
		Description: "Changes to " + service + " entries.",
		Roles:       roles,
		Models: map[string]*schema.Model{
			TypeAdded:   entry,
			TypeChanged: entry,
			TypeRemoved: removed,
		},
		WriteRole: writeRole,
	}
}
