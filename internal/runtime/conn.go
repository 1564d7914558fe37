package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/events"
	"github.com/truenas/middleware-sub000/internal/runtime/filters"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
)

// ErrConnClosed is returned when submitting to a closed connection.
var ErrConnClosed = errors.New("middleware: connection is closed")

const connQueueSize = 256

// Conn is one client connection: the session its login opened, a pending
// two-factor login, and its event subscriptions. Replies to submitted calls
// come out of Replies in request order.
type Conn struct {
	svc    *Service
	origin auth.Origin

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	login auth.LoginState

	mu      sync.Mutex
	session *auth.Session
	subs    map[string]*events.Subscription
	closed  bool

	pending chan chan Reply
	replies chan Reply
	frames  chan events.Frame
	wg      sync.WaitGroup
}

// NewConn opens a connection for a caller at origin.
func (s *Service) NewConn(origin auth.Origin) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		svc:     s,
		origin:  origin,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[string]*events.Subscription),
		pending: make(chan chan Reply, connQueueSize),
		replies: make(chan Reply, connQueueSize),
		frames:  make(chan events.Frame, connQueueSize),
	}
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	go c.writeReplies()
	return c
}

func (c *Conn) Origin() auth.Origin { return c.origin }

// Replies yields replies in the order their calls were submitted. It is
// closed after Close.
func (c *Conn) Replies() <-chan Reply { return c.replies }

// Events yields frames of every subscription of the connection. It is
// closed after Close once the subscriptions have drained.
func (c *Conn) Events() <-chan events.Frame { return c.frames }

// Done is closed by Close.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Submit starts env and queues its reply slot. Calls run concurrently; their
// replies are released in submission order.
func (c *Conn) Submit(env Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	slot := make(chan Reply, 1)
	select {
	case c.pending <- slot:
	case <-c.done:
		return ErrConnClosed
	}
	go func() {
		slot <- c.Call(c.ctx, env)
	}()
	return nil
}

func (c *Conn) writeReplies() {
	defer close(c.replies)
	for {
		select {
		case <-c.done:
			return
		case slot := <-c.pending:
			select {
			case <-c.done:
				return
			case r := <-slot:
				select {
				case c.replies <- r:
				case <-c.done:
					return
				}
			}
		}
	}
}

// Call runs env on behalf of the connection and waits for the reply. Closing
// the connection cancels the call unless it runs as a job.
func (c *Conn) Call(ctx context.Context, env Envelope) Reply {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	env.Origin = c.origin
	if env.Credential == nil && env.Session == nil {
		env.Session = c.Session()
	}
	return c.svc.Call(withConn(ctx, c), env)
}

// Session returns the live session of the connection, or nil when it never
// logged in or its session was terminated.
func (c *Conn) Session() *auth.Session {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	cur, ok := c.svc.sessions.Get(sess.ID)
	if !ok || cur.Expired(time.Now()) {
		c.mu.Lock()
		if c.session != nil && c.session.ID == sess.ID {
			c.session = nil
		}
		c.mu.Unlock()
		return nil
	}
	cur.Current = true
	return cur
}

func (c *Conn) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// Authenticate resolves cred, as a Unix socket peer or a gateway does for
// connection-level credentials, and opens a session for the connection.
func (c *Conn) Authenticate(ctx context.Context, cred auth.Credential) (*auth.Session, error) {
	sess, _, err := c.svc.gate.Authenticate(ctx, cred, c.origin)
	if err != nil {
		c.svc.audit.Login(ctx, nil, cred.Username, c.origin, string(cred.Type), false, err.Error())
		return nil, errspkg.Wrap(errspkg.KindUnauthenticated, err, "authentication failed")
	}
	opened := c.openSession(sess)
	c.svc.audit.Login(ctx, opened, opened.Identity.Username, c.origin, string(cred.Type), true, "")
	return opened, nil
}

// openSession stores sess in the session table and binds it to the
// connection, closing any session it replaces.
func (c *Conn) openSession(sess *auth.Session) *auth.Session {
	var ttl time.Duration
	if !sess.ExpiresAt.IsZero() {
		ttl = time.Until(sess.ExpiresAt)
	}
	stored := c.svc.sessions.Open(sess.Identity, sess.CredentialType, sess.Chain, c.origin, ttl, sess.ComplianceMode)
	c.svc.gate.Limiter().Clear(c.origin)

	c.mu.Lock()
	old := c.session
	c.session = stored
	c.mu.Unlock()
	if old != nil {
		c.svc.bus.UnsubscribeOwner(old.ID)
		c.svc.sessions.Close(old.ID)
	}
	c.svc.Logger.Debug("Session opened", loggingpkg.LogFields{
		"session":    stored.ID,
		"username":   stored.Identity.Username,
		"credential": string(stored.CredentialType),
		"origin":     c.origin.String(),
	})
	return stored
}

// Logout closes the session of the connection. The connection stays open
// and unauthenticated.
func (c *Conn) Logout() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.svc.bus.UnsubscribeOwner(sess.ID)
	c.svc.sessions.Close(sess.ID)
}

// Subscribe starts delivering channel events to Events. The channel
// requirement is checked against the connection's session.
func (c *Conn) Subscribe(ctx context.Context, channel string, f filters.Filters, id string) (string, error) {
	sub, err := c.svc.bus.Subscribe(ctx, events.SubscribeRequest{
		Channel: channel,
		Auth:    auth.Request{Session: c.Session(), Origin: c.origin},
		Filters: f,
		ID:      id,
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.svc.bus.Unsubscribe(sub.ID())
		return "", ErrConnClosed
	}
	c.subs[sub.ID()] = sub
	c.wg.Add(1)
	c.mu.Unlock()

	go c.forward(sub)
	return sub.ID(), nil
}

func (c *Conn) forward(sub *events.Subscription) {
	defer c.wg.Done()
	for f := range sub.C() {
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
	c.mu.Lock()
	if c.subs[sub.ID()] == sub {
		delete(c.subs, sub.ID())
	}
	c.mu.Unlock()
}

// Unsubscribe ends one of the connection's own subscriptions.
func (c *Conn) Unsubscribe(id string) error {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return errspkg.New(errspkg.KindNotFound, "subscription %s does not exist", id)
	}
	return c.svc.bus.Unsubscribe(id)
}

// Subscriptions lists the ids of the connection's live subscriptions.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Close cancels in-flight calls, drops the subscriptions and closes the
// session. Jobs started from the connection keep running.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.session
	c.session = nil
	subs := c.subs
	c.subs = map[string]*events.Subscription{}
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	for id := range subs {
		_ = c.svc.bus.Unsubscribe(id)
	}
	if sess != nil {
		c.svc.bus.UnsubscribeOwner(sess.ID)
		c.svc.sessions.Close(sess.ID)
	}

	c.svc.connsMu.Lock()
	delete(c.svc.conns, c)
	c.svc.connsMu.Unlock()

	go func() {
		c.wg.Wait()
		close(c.frames)
	}()
}

// closeSessionConns closes the connections bound to a terminated session.
func (s *Service) closeSessionConns(sessionID string) {
	s.bus.UnsubscribeOwner(sessionID)
	s.connsMu.Lock()
	var matched []*Conn
	for c := range s.conns {
		if c.sessionID() == sessionID {
			matched = append(matched, c)
		}
	}
	s.connsMu.Unlock()
	for _, c := range matched {
		c.Close()
	}
}

type connKey struct{}

func withConn(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// ConnFromContext returns the connection a call arrived on. Calls made
// through Service.Call directly have none.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}
