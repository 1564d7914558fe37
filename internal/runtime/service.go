package runtime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/truenas/middleware-sub000/broker"
	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	auditpkg "github.com/truenas/middleware-sub000/internal/runtime/audit"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	"github.com/truenas/middleware-sub000/internal/runtime/datastore"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/events"
	"github.com/truenas/middleware-sub000/internal/runtime/jobs"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
	"github.com/truenas/middleware-sub000/internal/runtime/sqldb"
	transportpkg "github.com/truenas/middleware-sub000/internal/runtime/transport"
	"github.com/truenas/middleware-sub000/internal/runtime/versioning"
)

// DefaultAPIVersion is the only API version of a Service built without a
// model registry.
const DefaultAPIVersion = "v26.04.0"

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the in-memory or config-selected defaults.
type ServiceDependencies struct {
	// Models carries the supported API version sequence and the models of
	// every version the handlers do not register themselves.
	Models     *schema.Registry
	Roles      *auth.Roles
	Directory  auth.Directory
	Privileges *auth.Privileges
	APIKeys    *auth.APIKeys
	Datastore  datastore.Datastore
	AuditSink  auditpkg.Sink

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier
	// Registerer receives the Prometheus collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
}

// Service is the dispatcher: it owns the registries, the gate, the audit
// pipeline, the job manager and the event bus, and runs calls through the
// middleware chain.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	models   *schema.Registry
	methods  *methods.Registry
	versions *versioning.Pipeline
	gate     *auth.Gate
	sessions *auth.SessionTable
	audit    *auditpkg.Pipeline
	jobs     *jobs.Manager
	bus      *events.Bus
	hooks    *events.Hooks
	relay    *events.Relay
	store    datastore.Datastore
	metrics  *DispatcherMetrics

	publisher  message.Publisher
	subscriber message.Subscriber

	pool  *workerPool
	locks *callLocks

	chainMu         sync.Mutex
	middlewares     []Middleware
	middlewareNames []string
	chain           CallHandler

	sealOnce sync.Once
	sealErr  error

	infos   map[string]*MethodInfo
	infosMu sync.RWMutex

	conns   map[*Conn]struct{}
	connsMu sync.Mutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
	closers         []func() error

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Register methods
// on the returned Service before calling Start or dispatching the first call.
// It panics when the configuration or a dependency is invalid.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning the construction error.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	log.Info("Creating dispatcher", loggingpkg.LogFields{
		"broker": c.Broker,
		"config": c.String(),
	})

	s := &Service{
		Conf:            &c,
		Logger:          log,
		pool:            newWorkerPool(c.WorkerPoolSize),
		locks:           newCallLocks(),
		infos:           make(map[string]*MethodInfo),
		conns:           make(map[*Conn]struct{}),
		resourceTracker: newResourceTracker(),
		metrics:         NewDispatcherMetrics(deps.Registerer),
	}
	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	s.models = deps.Models
	if s.models == nil {
		s.models = schema.NewRegistry(apiversion.MustSequence(DefaultAPIVersion))
	}
	s.versions = versioning.New(s.models)

	if err := s.buildAuth(c, deps); err != nil {
		return nil, err
	}
	if err := s.buildAudit(ctx, c, deps); err != nil {
		return nil, err
	}
	if err := s.buildStore(ctx, c, deps); err != nil {
		return nil, err
	}
	if err := s.buildEvents(ctx, c, deps); err != nil {
		return nil, err
	}
	if err := s.buildJobs(c); err != nil {
		return nil, err
	}

	s.methods = methods.NewRegistry(methods.Options{
		Models:    s.models,
		Roles:     s.gate.Roles(),
		Whitelist: c.AuthWhitelist,
	})

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	if err := s.registerBuiltins(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) buildAuth(c configpkg.Config, deps ServiceDependencies) error {
	roles := deps.Roles
	if roles == nil {
		var err error
		roles, err = auth.NewRoles(auth.DefaultRoles(c.ComplianceMode)...)
		if err != nil {
			return err
		}
	}
	secret := []byte(c.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
	}
	tokens := auth.NewTokenService(secret, "middlewared", c.TokenTTL)
	authn := auth.NewAuthenticator(auth.AuthenticatorOptions{
		Directory:  deps.Directory,
		Privileges: deps.Privileges,
		APIKeys:    deps.APIKeys,
		Tokens:     tokens,
		Nodes:      c.PeerNodes,
	})
	s.gate = auth.NewGate(auth.GateOptions{
		Roles:         roles,
		Authenticator: authn,
		Limiter: auth.NewLimiter(auth.LimiterOptions{
			Burst:      c.RateLimitBurst,
			Interval:   c.RateLimitInterval,
			MaxEntries: c.RateLimitMaxEntries,
			DenyDelay:  c.RateLimitDenyDelay,
		}),
		ComplianceMode: c.ComplianceMode,
		Logger:         s.Logger,
	})
	s.sessions = auth.NewSessionTable()
	s.sessions.OnTerminate(func(sess *auth.Session) {
		tokens.RevokeSession(sess.ID)
		s.closeSessionConns(sess.ID)
	})
	return nil
}

func (s *Service) buildAudit(ctx context.Context, c configpkg.Config, deps ServiceDependencies) error {
	sink := deps.AuditSink
	if sink == nil {
		switch c.AuditSink {
		case "memory":
			sink = auditpkg.NewMemorySink()
		case "none":
			sink = auditpkg.Discard{}
		case "sqlite", "postgres":
			db, err := sqldb.Open(ctx, c.AuditDSN)
			if err != nil {
				return fmt.Errorf("open audit database: %w", err)
			}
			sqlSink, err := auditpkg.NewSQLSink(ctx, db)
			if err != nil {
				return errors.Join(err, db.Close())
			}
			s.closers = append(s.closers, db.Close)
			sink = sqlSink
		default:
			sink = auditpkg.NewLogSink(s.Logger)
		}
	}
	s.audit = auditpkg.NewPipeline(auditpkg.Options{
		Sink:     sink,
		Logger:   s.Logger,
		AllCalls: c.AuditAllCalls,
		OnRecord: func(rec auditpkg.Record) {
			s.metrics.AuditRecord(rec.Event, rec.Success)
		},
	})
	return nil
}

func (s *Service) buildStore(ctx context.Context, c configpkg.Config, deps ServiceDependencies) error {
	switch {
	case deps.Datastore != nil:
		s.store = deps.Datastore
	case c.DatastoreDSN != "":
		store, err := datastore.Open(ctx, c.DatastoreDSN)
		if err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
		s.store = store
		s.closers = append(s.closers, store.Close)
	default:
		s.store = datastore.NewMemoryStore()
	}
	return nil
}

func (s *Service) buildEvents(ctx context.Context, c configpkg.Config, deps ServiceDependencies) error {
	hooks, err := events.NewHooks(events.HooksOptions{
		Logger:     s.Logger,
		Registerer: deps.Registerer,
	})
	if err != nil {
		return err
	}
	s.hooks = hooks

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, &c, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("build %s broker: %w", c.Broker, err)
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	var forwarder events.Forwarder
	if s.publisher != nil {
		relay, err := events.NewRelay(events.RelayOptions{
			Publisher:  s.publisher,
			Subscriber: s.subscriber,
			NodeID:     c.NodeID,
			Logger:     s.Logger,
			QueueSize:  c.EventBufferSize,
			// Brokers without a known limit report zero.
			MaxFrameSize: broker.GetCapabilities(c.Broker).MaxMessageSize,
		})
		if err != nil {
			return err
		}
		s.relay = relay
		forwarder = relay
	}

	s.bus = events.NewBus(events.Options{
		Gate:       s.gate,
		Logger:     s.Logger,
		BufferSize: c.EventBufferSize,
		Resolver:   s.models.Scope(s.models.Sequence().Latest().String()),
		Hooks:      hooks,
		Forwarder:  forwarder,
		OnPublish:  s.metrics.EventPublished,
		OnDrop:     s.metrics.SubscriberDropped,
	})
	return nil
}

func (s *Service) buildJobs(c configpkg.Config) error {
	hooks := jobs.LoggingHooks(s.Logger).Merge(jobs.MetricsHooks(s.metrics.JobStarted, s.metrics.JobFinished))
	mgr, err := jobs.NewManager(jobs.Options{
		Logger:       s.Logger,
		Hooks:        hooks,
		Publisher:    s.publishJob,
		Retention:    c.JobRetention,
		MaxRetained:  c.JobMaxRetained,
		ReapInterval: c.JobReapInterval,
	})
	if err != nil {
		return err
	}
	s.jobs = mgr
	return nil
}

// publishJob runs under the job manager lock; the bus never blocks.
func (s *Service) publishJob(eventType string, snap jobs.Snapshot) {
	payload := snap.Map()
	if eventType == jobs.EventRemoved {
		payload = map[string]any{"id": snap.ID}
	}
	if err := s.bus.Publish(context.Background(), JobsChannel, eventType, payload); err != nil {
		s.Logger.Error("Failed to publish job event", err, loggingpkg.LogFields{"job_id": snap.ID, "type": eventType})
	}
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Seal freezes the model and method registries, declares the implicit
// <service>.query channels and builds the middleware chain. It runs once;
// Start and the first call trigger it.
func (s *Service) Seal() error {
	s.sealOnce.Do(func() {
		s.sealErr = s.seal()
		if s.sealErr != nil {
			s.Logger.Error("Failed to seal registries", s.sealErr, nil)
		}
	})
	return s.sealErr
}

func (s *Service) seal() error {
	if err := s.registerQueryChannels(); err != nil {
		return err
	}
	if !s.models.Sealed() {
		if err := s.models.Seal(); err != nil {
			return fmt.Errorf("seal models: %w", err)
		}
	}
	s.methods.Seal()
	s.buildChain()
	return nil
}

func (s *Service) registerQueryChannels() error {
	list, err := s.methods.List(methods.Filter{IncludePrivate: true})
	if err != nil {
		return err
	}
	for _, m := range list {
		if m.Name != "query" {
			continue
		}
		if _, exists := s.bus.Channel(m.Service + events.QuerySuffix); exists {
			continue
		}
		entry := s.queryEntry(m)
		if entry.Kind != schema.KindRecord {
			continue
		}
		ch := events.QueryChannel(m.Service, entry, m.Roles, m.WriteRole())
		ch.Private = m.Private
		ch.NoAuthorization = m.NoAuthorization
		if err := s.bus.Register(ch); err != nil && !errors.Is(err, events.ErrChannelExists) {
			return err
		}
	}
	return nil
}

// queryEntry finds the entry model of a query method: the element of a list
// result, or of the list variant of a list-or-object union.
func (s *Service) queryEntry(m *methods.Method) *schema.Model {
	scope := s.models.Scope(m.Version)
	result := m.Returns.Fields[0].Type
	t, err := schema.Resolve(result, scope)
	if err != nil {
		return schema.Record(m.Service + "Entry").Extra()
	}
	if t.Kind == schema.KindUnion {
		for _, v := range t.Variants {
			if rv, err := schema.Resolve(v, scope); err == nil && rv.Kind == schema.KindArray {
				t = rv
				break
			}
		}
	}
	if t.Kind == schema.KindArray && t.Elem != nil {
		if elem, err := schema.Resolve(t.Elem, scope); err == nil {
			return elem
		}
	}
	return t
}

// Start seals the registries and runs the job reaper, the event hooks, the
// broker relay and the HTTP endpoints until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Seal(); err != nil {
		return err
	}
	s.StartWebUIServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.jobs.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.hooks.Run(gctx)
	})
	if s.relay != nil {
		g.Go(func() error {
			return s.relay.Run(gctx, s.bus)
		})
	}
	g.Go(func() error {
		s.reapSessions(gctx)
		return nil
	})
	s.startHTTPServers(gctx, g)
	return g.Wait()
}

func (s *Service) reapSessions(ctx context.Context) {
	ticker := time.NewTicker(s.Conf.JobReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.Reap(); n > 0 {
				s.Logger.Debug("Reaped expired sessions", loggingpkg.LogFields{"count": n})
			}
		}
	}
}

// Close stops accepting work, closes every connection and releases the
// job manager, the event hooks, the broker and the stores. Later calls
// return the result of the first.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { s.closeErr = s.close(ctx) })
	return s.closeErr
}

func (s *Service) close(ctx context.Context) error {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	var errs []error
	errs = append(errs, s.jobs.Close(ctx), s.hooks.Close())
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	for _, fn := range s.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

// timeoutFor resolves the method timeout, falling back to the class default.
// A negative method timeout disables the deadline.
func (s *Service) timeoutFor(m *methods.Method) time.Duration {
	if m.Timeout != 0 {
		return m.Timeout
	}
	switch m.Class {
	case methods.ClassInline:
		return s.Conf.InlineTimeout
	case methods.ClassBlocking:
		return s.Conf.BlockingTimeout
	default:
		return s.Conf.CooperativeTimeout
	}
}

func (s *Service) Models() *schema.Registry       { return s.models }
func (s *Service) Methods() *methods.Registry     { return s.methods }
func (s *Service) Versions() *versioning.Pipeline { return s.versions }
func (s *Service) Gate() *auth.Gate               { return s.gate }
func (s *Service) Sessions() *auth.SessionTable   { return s.sessions }
func (s *Service) Audit() *auditpkg.Pipeline      { return s.audit }
func (s *Service) Jobs() *jobs.Manager            { return s.jobs }
func (s *Service) Bus() *events.Bus               { return s.bus }
func (s *Service) Hooks() *events.Hooks           { return s.hooks }
func (s *Service) Datastore() datastore.Datastore { return s.store }
func (s *Service) Metrics() *DispatcherMetrics    { return s.metrics }

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}
