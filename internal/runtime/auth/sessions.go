package auth

import (
	"sort"
	"sync"
	"time"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/ids"
)

// SessionTable owns every open session. Readers receive copies.
type SessionTable struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	onTerminate []func(*Session)
	now         func() time.Time
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: map[string]*Session{}, now: time.Now}
}

// OnTerminate registers a hook run after a session is terminated, for
// example to revoke the tokens it issued or to close its connection.
func (t *SessionTable) OnTerminate(fn func(*Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTerminate = append(t.onTerminate, fn)
}

// Open records a new session and returns a copy of it.
func (t *SessionTable) Open(identity *Identity, ctype CredentialType, chain []CredentialType, origin Origin, ttl time.Duration, mode string) *Session {
	now := t.now()
	s := &Session{
		ID:              ids.CreateULID(),
		Identity:        identity.Clone(),
		CredentialType:  ctype,
		Chain:           chain,
		Origin:          origin,
		CreatedAt:       now,
		SecureTransport: origin.SecureTransport,
		ComplianceMode:  mode,
	}
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
	return s.clone()
}

// Get returns a copy of the session.
func (t *SessionTable) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// List returns copies of all sessions, oldest first, with Current set on the
// caller's own session.
func (t *SessionTable) List(current string) []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		cp := s.clone()
		cp.Current = cp.ID == current
		out = append(out, cp)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Terminate closes a session. A caller may not terminate its own session
// through this path; logout does that.
func (t *SessionTable) Terminate(id, current string) error {
	if id == current {
		return errs.New(errs.KindConflict, "cannot terminate the current session")
	}
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	hooks := t.onTerminate
	t.mu.Unlock()
	if !ok {
		return errs.New(errs.KindNotFound, "session %s does not exist", id)
	}
	for _, fn := range hooks {
		fn(s)
	}
	return nil
}

// TerminateOthers closes every session except current and returns how many
// were closed.
func (t *SessionTable) TerminateOthers(current string) int {
	t.mu.Lock()
	var closed []*Session
	for id, s := range t.sessions {
		if id != current {
			closed = append(closed, s)
			delete(t.sessions, id)
		}
	}
	hooks := t.onTerminate
	t.mu.Unlock()
	for _, s := range closed {
		for _, fn := range hooks {
			fn(s)
		}
	}
	return len(closed)
}

// Close removes a session on logout or disconnect without running hooks
// meant for forced termination.
func (t *SessionTable) Close(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Reap drops expired sessions.
func (t *SessionTable) Reap() int {
	now := t.now()
	t.mu.Lock()
	var expired []*Session
	for id, s := range t.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
			delete(t.sessions, id)
		}
	}
	hooks := t.onTerminate
	t.mu.Unlock()
	for _, s := range expired {
		for _, fn := range hooks {
			fn(s)
		}
	}
	return len(expired)
}
