// Package permission resolves role-to-module access for a group from
// the remote permission document, falling back to the local cache when
// the network is down and to a fixed default policy when neither is
// available. The permission document is created exactly once per
// group, even under concurrent triggers.
package permission

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady     = errors.New("permission set not ready")
	ErrNotResolved  = errors.New("no group resolved")
	ErrMalformedSet = errors.New("malformed permission document")
)

// Collection is the remote collection holding permission documents,
// one document per group.
const Collection = "permissions"

// Module is a capability area of the app. The set is closed and known
// at compile time.
type Module string

const (
	ModuleCalendar    Module = "calendar"
	ModuleFinances    Module = "finances"
	ModuleMerchandise Module = "merchandise"
	ModuleContacts    Module = "contacts"
	ModuleSetlists    Module = "setlists"
	ModuleTasks       Module = "tasks"
	ModuleChats       Module = "chats"
	ModuleAdmin       Module = "admin"
)

// AllModules returns every module in canonical order.
func AllModules() []Module {
	return []Module{
		ModuleCalendar,
		ModuleFinances,
		ModuleMerchandise,
		ModuleContacts,
		ModuleSetlists,
		ModuleTasks,
		ModuleChats,
		ModuleAdmin,
	}
}

func ParseModule(tag string) (Module, error) {
	for _, m := range AllModules() {
		if string(m) == tag {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown module %q", ErrMalformedSet, tag)
}

// Role is a user's role within a group. Admin is implicitly superior;
// there is no further ordering.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleMusician Role = "musician"
	RoleMember   Role = "member"
)

func AllRoles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleMusician, RoleMember}
}

func ParseRole(tag string) (Role, error) {
	for _, r := range AllRoles() {
		if string(r) == tag {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrMalformedSet, tag)
}

// ModulePermission pairs one module with the roles granted access.
type ModulePermission struct {
	Module Module `json:"moduleId"`
	Roles  []Role `json:"roleAccess"`
}

func (p ModulePermission) allows(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Set is a group's full permission configuration: one entry per
// module, module uniqueness guaranteed at construction and decode.
type Set struct {
	GroupID string             `json:"groupId"`
	Modules []ModulePermission `json:"modules"`
}

// Permission looks up the entry for one module.
func (s *Set) Permission(module Module) (ModulePermission, bool) {
	for _, p := range s.Modules {
		if p.Module == module {
			return p, true
		}
	}
	return ModulePermission{}, false
}

func (s *Set) Clone() Set {
	clone := Set{GroupID: s.GroupID, Modules: make([]ModulePermission, len(s.Modules))}
	for i, p := range s.Modules {
		clone.Modules[i] = ModulePermission{
			Module: p.Module,
			Roles:  append([]Role(nil), p.Roles...),
		}
	}
	return clone
}

// setRoles replaces one module's role set in place. The Admin module
// always keeps the Admin role: a caller omitting it gets it silently
// augmented rather than rejected.
func (s *Set) setRoles(module Module, roles []Role) {
	roles = normalizeRoles(module, roles)
	for i, p := range s.Modules {
		if p.Module == module {
			s.Modules[i].Roles = roles
			return
		}
	}
	s.Modules = append(s.Modules, ModulePermission{Module: module, Roles: roles})
}

func normalizeRoles(module Module, roles []Role) []Role {
	out := make([]Role, 0, len(roles)+1)
	seen := map[Role]bool{}
	for _, r := range roles {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	if module == ModuleAdmin && !seen[RoleAdmin] {
		out = append(out, RoleAdmin)
	}
	return out
}

// DefaultRoles is the fixed bootstrap policy: privileged modules are
// restricted to Admin and Manager, everyday modules open to everyone,
// the Admin module to admins only.
func DefaultRoles(module Module) []Role {
	switch module {
	case ModuleAdmin:
		return []Role{RoleAdmin}
	case ModuleFinances, ModuleMerchandise, ModuleContacts:
		return []Role{RoleAdmin, RoleManager}
	default:
		return []Role{RoleAdmin, RoleManager, RoleMusician, RoleMember}
	}
}

// DefaultAllows answers access checks when no permission set could be
// resolved from remote or cache.
func DefaultAllows(module Module, role Role) bool {
	if role == RoleAdmin {
		return true
	}
	for _, r := range DefaultRoles(module) {
		if r == role {
			return true
		}
	}
	return false
}

// NewDefaultSet builds the permission set a fresh group starts with.
func NewDefaultSet(groupID string) Set {
	set := Set{GroupID: groupID}
	for _, module := range AllModules() {
		set.Modules = append(set.Modules, ModulePermission{
			Module: module,
			Roles:  DefaultRoles(module),
		})
	}
	return set
}
