package auth

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

const (
	RoleFullAdmin     = "FULL_ADMIN"
	RoleReadonlyAdmin = "READONLY_ADMIN"
	RoleSharingAdmin  = "SHARING_ADMIN"

	// ReadSuffix and WriteSuffix name the two halves of a role prefix.
	ReadSuffix  = "_READ"
	WriteSuffix = "_WRITE"
)

// Role is a named capability. A role grants itself plus every role it includes.
type Role struct {
	Name     string   `yaml:"name"`
	Includes []string `yaml:"includes,omitempty"`
	// FullAdmin roles expand to every role grantable in the current mode.
	FullAdmin bool `yaml:"full_admin,omitempty"`
	Builtin   bool `yaml:"builtin,omitempty"`
	// Restricted lists the compliance modes in which the role may not be granted.
	Restricted []string `yaml:"restricted,omitempty"`
}

// Grantable reports whether the role may be exercised under mode. The empty
// mode restricts nothing.
func (r Role) Grantable(mode string) bool {
	return mode == "" || !slices.Contains(r.Restricted, mode)
}

// Roles is an immutable role DAG.
type Roles struct {
	byName map[string]Role
	names  []string
}

// NewRoles validates the declarations and builds the DAG. Unknown includes
// and cycles are rejected.
func NewRoles(decls ...Role) (*Roles, error) {
	r := &Roles{byName: make(map[string]Role, len(decls))}
	for _, d := range decls {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: empty role name", errs.ErrUnknownRole)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("role %s declared twice", d.Name)
		}
		r.byName[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	for _, name := range r.names {
		for _, inc := range r.byName[name].Includes {
			if _, ok := r.byName[inc]; !ok {
				return nil, fmt.Errorf("%w: %s includes %s", errs.ErrUnknownRole, name, inc)
			}
		}
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRoles panics when the declarations are invalid.
func MustRoles(decls ...Role) *Roles {
	r, err := NewRoles(decls...)
	if err != nil {
		panic(err)
	}
	return r
}

// LoadRoles reads a YAML list of role declarations and appends them to base.
func LoadRoles(rd io.Reader, base ...Role) (*Roles, error) {
	var decls []Role
	if err := yaml.NewDecoder(rd).Decode(&decls); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return NewRoles(append(slices.Clone(base), decls...)...)
}

func (r *Roles) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.names))
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: %s", errs.ErrRoleCycle, strings.Join(append(trail, name), " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		for _, inc := range r.byName[name].Includes {
			if err := visit(inc, append(trail, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, name := range r.names {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether name is a declared role.
func (r *Roles) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Get returns the declaration of name.
func (r *Roles) Get(name string) (Role, bool) {
	role, ok := r.byName[name]
	return role, ok
}

// Names lists every declared role in sorted order.
func (r *Roles) Names() []string {
	return slices.Clone(r.names)
}

// Expand returns every role reachable from granted under mode. Roles that
// are not grantable in mode are dropped and not traversed.
func (r *Roles) Expand(granted []string, mode string) map[string]struct{} {
	out := make(map[string]struct{})
	var walk func(name string)
	walk = func(name string) {
		if _, seen := out[name]; seen {
			return
		}
		role, ok := r.byName[name]
		if !ok || !role.Grantable(mode) {
			return
		}
		out[name] = struct{}{}
		if role.FullAdmin {
			for _, other := range r.names {
				if r.byName[other].Grantable(mode) {
					out[other] = struct{}{}
				}
			}
			return
		}
		for _, inc := range role.Includes {
			walk(inc)
		}
	}
	for _, name := range granted {
		walk(name)
	}
	return out
}

// FullAdmin reports whether granted expands to a full-admin role under mode.
func (r *Roles) FullAdmin(granted []string, mode string) bool {
	for name := range r.Expand(granted, mode) {
		if r.byName[name].FullAdmin {
			return true
		}
	}
	return false
}

// Intersects reports whether any of required is held after expansion.
func (r *Roles) Intersects(granted []string, mode string, required []string) bool {
	expanded := r.Expand(granted, mode)
	for _, name := range required {
		if _, ok := expanded[name]; ok {
			return true
		}
	}
	return false
}

// Holders returns, sorted, every role whose expansion reaches one of the
// atomic roles. It answers "which roles may call this method".
func (r *Roles) Holders(atomic []string) []string {
	var out []string
	for _, name := range r.names {
		if r.Intersects([]string{name}, "", atomic) {
			out = append(out, name)
		}
	}
	return out
}

// PrefixRoles declares the <prefix>_READ and <prefix>_WRITE pair, with WRITE
// including READ.
func PrefixRoles(prefix string, restricted ...string) []Role {
	return []Role{
		{Name: prefix + ReadSuffix, Builtin: true},
		{Name: prefix + WriteSuffix, Builtin: true, Includes: []string{prefix + ReadSuffix}, Restricted: restricted},
	}
}

// DefaultRoles is the builtin role catalogue. READONLY_ADMIN includes every
// _READ role; FULL_ADMIN expands to everything grantable. Writing API keys
// and virtual machines is not grantable under the compliance mode.
func DefaultRoles(compliance string) []Role {
	var decls []Role
	for _, prefix := range []string{
		"ACCOUNT", "ALERT_LIST", "APPS", "AUTH_SESSIONS", "CERTIFICATE", "CLOUD_BACKUP",
		"CLOUD_SYNC", "DATASET", "DISK", "FILESYSTEM_ATTRS", "FILESYSTEM_DATA",
		"KEYCHAIN_CREDENTIAL", "NETWORK_GENERAL", "POOL", "PRIVILEGE", "REPLICATION_TASK",
		"SERVICE", "SHARING", "SNAPSHOT", "SYSTEM_AUDIT", "SYSTEM_GENERAL", "SYSTEM_SECURITY",
	} {
		decls = append(decls, PrefixRoles(prefix)...)
	}
	var restricted []string
	if compliance != "" {
		restricted = []string{compliance}
	}
	for _, prefix := range []string{"API_KEY", "VIRT_INSTANCE"} {
		decls = append(decls, PrefixRoles(prefix, restricted...)...)
	}
	decls = append(decls, Role{Name: "JOB_READ", Builtin: true})

	var reads []string
	for _, d := range decls {
		if strings.HasSuffix(d.Name, ReadSuffix) {
			reads = append(reads, d.Name)
		}
	}
	decls = append(decls,
		Role{Name: RoleReadonlyAdmin, Includes: reads},
		Role{Name: RoleSharingAdmin, Includes: []string{RoleReadonlyAdmin, "DATASET_WRITE", "SHARING_WRITE", "FILESYSTEM_ATTRS_WRITE", "SERVICE_READ"}},
		Role{Name: RoleFullAdmin, FullAdmin: true},
	)
	return decls
}
