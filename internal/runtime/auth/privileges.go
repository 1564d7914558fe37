package auth

import (
	"fmt"
	"io"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// Privilege links local and directory groups to roles.
type Privilege struct {
	Name            string   `yaml:"name"`
	LocalGroups     []int    `yaml:"local_groups,omitempty"`
	DirectoryGroups []string `yaml:"directory_groups,omitempty"`
	Roles           []string `yaml:"roles"`
	WebShell        bool     `yaml:"web_shell,omitempty"`
}

// Privileges maps group memberships onto privileges.
type Privileges struct {
	list []Privilege
}

// NewPrivileges checks that every referenced role exists.
func NewPrivileges(roles *Roles, list ...Privilege) (*Privileges, error) {
	for _, p := range list {
		for _, role := range p.Roles {
			if !roles.Has(role) {
				return nil, fmt.Errorf("%w: privilege %s grants %s", errs.ErrUnknownRole, p.Name, role)
			}
		}
	}
	return &Privileges{list: slices.Clone(list)}, nil
}

// LoadPrivileges reads a YAML list of privileges.
func LoadPrivileges(rd io.Reader, roles *Roles) (*Privileges, error) {
	var list []Privilege
	if err := yaml.NewDecoder(rd).Decode(&list); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode privileges: %w", err)
	}
	return NewPrivileges(roles, list...)
}

// DefaultPrivileges grants FULL_ADMIN to the builtin_administrators group
// (gid 544) and READONLY_ADMIN to builtin_readonly_administrators (gid 545).
func DefaultPrivileges() []Privilege {
	return []Privilege{
		{Name: "Local Administrator", LocalGroups: []int{544}, Roles: []string{RoleFullAdmin}, WebShell: true},
		{Name: "Read-Only Administrator", LocalGroups: []int{545}, Roles: []string{RoleReadonlyAdmin}},
		{Name: "Sharing Administrator", LocalGroups: []int{546}, Roles: []string{RoleSharingAdmin}},
	}
}

// Compose builds the identity of a user from their group memberships.
func (p *Privileges) Compose(user *User) *Identity {
	id := &Identity{Username: user.Username, UID: user.UID}
	roles := map[string]struct{}{}
	for _, priv := range p.list {
		if !p.matches(priv, user) {
			continue
		}
		id.Privileges = append(id.Privileges, priv.Name)
		id.WebShell = id.WebShell || priv.WebShell
		for _, r := range priv.Roles {
			roles[r] = struct{}{}
		}
	}
	for _, r := range user.Roles {
		roles[r] = struct{}{}
	}
	for r := range roles {
		id.Roles = append(id.Roles, r)
	}
	sort.Strings(id.Roles)
	return id
}

func (p *Privileges) matches(priv Privilege, user *User) bool {
	for _, gid := range user.Groups {
		if slices.Contains(priv.LocalGroups, gid) {
			return true
		}
	}
	for _, g := range user.DirectoryGroups {
		if slices.Contains(priv.DirectoryGroups, g) {
			return true
		}
	}
	return false
}
