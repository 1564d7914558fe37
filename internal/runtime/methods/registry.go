package methods

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

var (
	readMethods  = []string{"query", "get_instance", "config"}
	writeMethods = []string{"create", "update", "delete", "do_create", "do_update", "do_delete"}
)

// Options configures a Registry.
type Options struct {
	// Models receives the accepts and returns models of every method under the
	// method's version. When nil, models are not registered.
	Models *schema.Registry
	// Roles validates declared role names when set.
	Roles *auth.Roles
	// Whitelist names the methods allowed to disable authentication.
	Whitelist []string
	// DefaultVersion is used for methods without a Version. Defaults to the
	// latest version of the model registry's sequence.
	DefaultVersion string
}

// Registry maps "service.name" to a Method. Registration happens at startup
// and the registry is read-only once sealed.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	methods map[string]*Method
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultVersion == "" && opts.Models != nil {
		opts.DefaultVersion = opts.Models.Sequence().Latest().String()
	}
	return &Registry{opts: opts, methods: make(map[string]*Method)}
}

// Register validates m and adds it. The registry keeps its own copy.
func (r *Registry) Register(m *Method) error {
	if m == nil {
		return errs.ErrHandlerRequired
	}
	m = m.clone()
	if len(m.Roles) == 0 && m.RolePrefix != "" && !m.NoAuthorization {
		m.Roles = []string{derivedRole(m.RolePrefix, m.Name)}
	}
	if m.Version == "" {
		m.Version = r.opts.DefaultVersion
	}
	if err := r.check(m); err != nil {
		return fmt.Errorf("register %s: %w", m.Key(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %s: %w", m.Key(), errs.ErrRegistrySealed)
	}
	if _, exists := r.methods[m.Key()]; exists {
		return fmt.Errorf("register %s: %w", m.Key(), errs.ErrMethodExists)
	}
	if err := r.registerModels(m); err != nil {
		return fmt.Errorf("register %s: %w", m.Key(), err)
	}
	r.methods[m.Key()] = m
	return nil
}

// MustRegister panics when any registration fails.
func (r *Registry) MustRegister(ms ...*Method) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

func derivedRole(prefix, name string) string {
	if slices.Contains(readMethods, name) {
		return prefix + auth.ReadSuffix
	}
	return prefix + auth.WriteSuffix
}

func (r *Registry) check(m *Method) error {
	if m.Service == "" || m.Name == "" {
		return errs.ErrMethodNameRequired
	}
	if m.Handler == nil {
		return errs.ErrHandlerRequired
	}
	if m.Accepts == nil || m.Accepts.Kind != schema.KindRecord || m.Accepts.Name == "" {
		return errs.ErrAcceptsRequired
	}
	if m.Returns == nil || m.Returns.Kind != schema.KindRecord || len(m.Returns.Fields) != 1 || m.Returns.Fields[0].Name != "result" {
		return errs.ErrReturnsSingleField
	}
	if m.Returns.Name == "" {
		return errs.ErrModelNameRequired
	}
	if !m.Private && !m.NoAuthorization && !m.CRUDHelper && len(m.Roles) == 0 {
		return errs.ErrRolesRequired
	}
	if m.NoAuthentication {
		if !m.NoAuthorization || !slices.Contains(r.opts.Whitelist, m.Key()) {
			return errs.ErrAuthDisabled
		}
	}
	if err := checkOrigin(m); err != nil {
		return err
	}
	if m.RemovedIn != "" {
		v, err := apiversion.Parse(m.RemovedIn)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidRemovedIn, err)
		}
		m.removedIn = v
	}
	if slices.Contains(writeMethods, m.Name) {
		for _, role := range m.Roles {
			if strings.HasSuffix(role, auth.ReadSuffix) {
				return fmt.Errorf("%w: %s", errs.ErrReadRoleOnWrite, role)
			}
		}
	}
	if r.opts.Roles != nil {
		for _, role := range m.Roles {
			if !r.opts.Roles.Has(role) {
				return fmt.Errorf("%w: %s", errs.ErrUnknownRole, role)
			}
		}
	}
	if m.Job != nil {
		if m.Job.LockQueueSize != nil && *m.Job.LockQueueSize < 0 {
			return fmt.Errorf("%w: negative lock queue size", errs.ErrJobOptionsInvalid)
		}
		if m.Class == ClassInline {
			return fmt.Errorf("%w: jobs cannot run inline", errs.ErrJobOptionsInvalid)
		}
	}
	return nil
}

// checkOrigin pins public methods to shared models and private methods of a
// plugin to that plugin's models.
func checkOrigin(m *Method) error {
	want := schema.SharedNamespace
	if m.Private && m.Plugin != "" {
		want = schema.PluginNamespace(m.Plugin)
	}
	for _, model := range []*schema.Model{m.Accepts, m.Returns} {
		ns := model.Namespace
		if m.Private && ns == schema.SharedNamespace {
			continue
		}
		if ns != want {
			return fmt.Errorf("%w: %s is in namespace %q, expected %q", errs.ErrModuleOrigin, model.Name, ns, want)
		}
	}
	return nil
}

func (r *Registry) registerModels(m *Method) error {
	if r.opts.Models == nil {
		return nil
	}
	for _, model := range []*schema.Model{m.Accepts, m.Returns} {
		existing, err := r.opts.Models.Get(model.Name, m.Version)
		if err == nil {
			if existing != model {
				return fmt.Errorf("%w: %s@%s", errs.ErrModelExists, model.Name, m.Version)
			}
			continue
		}
		if err := r.opts.Models.Register(m.Version, model); err != nil && !errors.Is(err, errs.ErrModelExists) {
			return err
		}
	}
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the method registered as service.name.
func (r *Registry) Lookup(key string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[key]
	return m, ok
}

// Resolve is Lookup with a NotFound error.
func (r *Registry) Resolve(key string) (*Method, error) {
	if m, ok := r.Lookup(key); ok {
		return m, nil
	}
	return nil, errs.New(errs.KindNotFound, "method %s does not exist", key)
}

// Filter narrows List.
type Filter struct {
	// Patterns are doublestar globs over the method key; any match keeps the
	// method. Empty keeps all.
	Patterns []string
	// IncludePrivate keeps private methods.
	IncludePrivate bool
	// CLI drops methods hidden from the command line.
	CLI bool
	// Version drops methods removed at or before it.
	Version string
}

func (f Filter) match(m *Method, at apiversion.Version) bool {
	if m.Private && !f.IncludePrivate {
		return false
	}
	if f.CLI && m.CLIPrivate {
		return false
	}
	if !at.IsZero() && m.RemovedAt(at) {
		return false
	}
	if len(f.Patterns) == 0 {
		return true
	}
	for _, p := range f.Patterns {
		if ok, _ := doublestar.Match(p, m.Key()); ok {
			return true
		}
	}
	return false
}

// List returns matching methods sorted by key.
func (r *Registry) List(f Filter) ([]*Method, error) {
	for _, p := range f.Patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, errs.New(errs.KindValidation, "invalid method pattern %q", p)
		}
	}
	var at apiversion.Version
	if f.Version != "" {
		v, err := apiversion.Parse(f.Version)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "invalid version")
		}
		at = v
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Method, 0, len(r.methods))
	for _, m := range r.methods {
		if f.match(m, at) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Services lists the distinct service names in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, m := range r.methods {
		seen[m.Service] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len is the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}
