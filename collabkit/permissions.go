package collabkit

import (
	"regexp"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Permission uint32

const (
	PermissionNone     Permission = 0
	PermissionRead     Permission = 1 << iota
	PermissionWrite
	PermissionDelete
	PermissionAdmin
	PermissionCall
	PermissionPresence

	PermissionViewer    = PermissionRead | PermissionPresence
	PermissionEditor    = PermissionRead | PermissionWrite | PermissionCall | PermissionPresence
	PermissionModerator = PermissionEditor | PermissionDelete
	PermissionOwner     = PermissionModerator | PermissionAdmin
)

func (self Permission) Has(permission Permission) bool {
	return self&permission != 0
}

type Role struct {
	Name        string
	Permissions Permission
	Description string
}

func defaultRoles() map[string]*Role {
	return map[string]*Role{
		"viewer": {
			Name:        "viewer",
			Permissions: PermissionViewer,
			Description: "can view content and see presence",
		},
		"editor": {
			Name:        "editor",
			Permissions: PermissionEditor,
			Description: "can view, edit, and call functions",
		},
		"moderator": {
			Name:        "moderator",
			Permissions: PermissionModerator,
			Description: "can view, edit, delete, and call functions",
		},
		"admin": {
			Name:        "admin",
			Permissions: PermissionOwner,
			Description: "full access including admin functions",
		},
	}
}

// RBACManager maps role names to permission sets.
type RBACManager struct {
	stateLock sync.Mutex
	roles     map[string]*Role
}

func NewRBACManager() *RBACManager {
	return &RBACManager{
		roles: defaultRoles(),
	}
}

func (self *RBACManager) DefineRole(name string, permissions Permission, description string) *Role {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	role := &Role{
		Name:        name,
		Permissions: permissions,
		Description: description,
	}
	self.roles[name] = role
	return role
}

func (self *RBACManager) GetRole(name string) *Role {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.roles[name]
}

func (self *RBACManager) Check(roleName string, permission Permission) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	role := self.roles[roleName]
	return role != nil && role.Permissions.Has(permission)
}

func (self *RBACManager) CheckAny(roleNames []string, permission Permission) bool {
	for _, name := range roleNames {
		if self.Check(name, permission) {
			return true
		}
	}
	return false
}

func (self *RBACManager) CombinedPermissions(roleNames []string) Permission {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	combined := PermissionNone
	for _, name := range roleNames {
		if role := self.roles[name]; role != nil {
			combined |= role.Permissions
		}
	}
	return combined
}

func (self *RBACManager) ListRoles() []*Role {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	roles := maps.Values(self.roles)
	slices.SortFunc(roles, func(a *Role, b *Role) int {
		return strings.Compare(a.Name, b.Name)
	})
	return roles
}

// FieldRule scopes a permission to a path pattern. Pattern syntax on
// dot-joined paths: "*" matches a single segment, "**" matches any
// run of segments, "{name}" is a single-segment placeholder.
type FieldRule struct {
	PathPattern  string
	Permission   Permission
	AllowedRoles []string
	DeniedRoles  []string
	Condition    func(principal *Principal, path []string) bool

	re *regexp.Regexp
}

var placeholderRe = regexp.MustCompile(`\{[^}]+\}`)

func compileFieldPattern(pattern string) *regexp.Regexp {
	pattern = placeholderRe.ReplaceAllString(pattern, "*")

	var out strings.Builder
	out.WriteString("^")
	for i := 0; i < len(pattern); {
		if strings.HasPrefix(pattern[i:], "**") {
			out.WriteString(".*")
			i += 2
		} else if pattern[i] == '*' {
			out.WriteString(`[^.]*`)
			i += 1
		} else {
			out.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i += 1
		}
	}
	out.WriteString("$")
	return regexp.MustCompile(out.String())
}

func (self *FieldRule) matchesPath(path []string) bool {
	// rules are shared across sessions, so never write here
	re := self.re
	if re == nil {
		re = compileFieldPattern(self.PathPattern)
	}
	return re.MatchString(strings.Join(path, "."))
}

// check returns allow (true), deny (false), or not-applicable (nil).
func (self *FieldRule) check(principal *Principal, path []string) *bool {
	if !self.matchesPath(path) {
		return nil
	}

	// explicit deny first
	for _, role := range principal.Roles {
		if slices.Contains(self.DeniedRoles, role) {
			deny := false
			return &deny
		}
	}

	if self.Condition != nil && !self.Condition(principal, path) {
		deny := false
		return &deny
	}

	if 0 < len(self.AllowedRoles) {
		allow := false
		for _, role := range principal.Roles {
			if slices.Contains(self.AllowedRoles, role) {
				allow = true
				break
			}
		}
		return &allow
	}

	return nil
}

// FieldPermissions layers path rules on top of role permissions.
// Deny rules always win over allow rules.
type FieldPermissions struct {
	stateLock sync.Mutex
	rules     []*FieldRule
}

func NewFieldPermissions() *FieldPermissions {
	return &FieldPermissions{}
}

func (self *FieldPermissions) AddRule(rule *FieldRule) {
	rule.re = compileFieldPattern(rule.PathPattern)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.rules = append(self.rules, rule)
}

func (self *FieldPermissions) ClearRules() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.rules = nil
}

// Check returns allow, deny, or nil when no rule applies (the caller
// falls back to role permissions).
func (self *FieldPermissions) Check(principal *Principal, path []string, permission Permission) *bool {
	self.stateLock.Lock()
	rules := slices.Clone(self.rules)
	self.stateLock.Unlock()

	var result *bool
	for _, rule := range rules {
		if !rule.Permission.Has(permission) {
			continue
		}
		ruleResult := rule.check(principal, path)
		if ruleResult == nil {
			continue
		}
		if !*ruleResult {
			return ruleResult
		}
		result = ruleResult
	}
	return result
}

// PermissionManager gates room actions. A nil manager on the broker
// allows everything.
type PermissionManager interface {
	Check(principal *Principal, roomId string, permission Permission) bool
	CheckPath(principal *Principal, roomId string, path []string, permission Permission) bool
}

// PermissionChecker combines RBAC with optional field rules.
type PermissionChecker struct {
	rbac   *RBACManager
	fields *FieldPermissions

	// role granted to principals with no roles of their own
	DefaultRole string
}

func NewPermissionChecker(rbac *RBACManager, fields *FieldPermissions) *PermissionChecker {
	return &PermissionChecker{
		rbac:        rbac,
		fields:      fields,
		DefaultRole: "editor",
	}
}

func NewPermissionCheckerWithDefaults() *PermissionChecker {
	return NewPermissionChecker(NewRBACManager(), NewFieldPermissions())
}

func (self *PermissionChecker) principalRoles(principal *Principal) []string {
	if 0 < len(principal.Roles) {
		return principal.Roles
	}
	if self.DefaultRole != "" {
		return []string{self.DefaultRole}
	}
	return nil
}

func (self *PermissionChecker) Check(principal *Principal, roomId string, permission Permission) bool {
	return self.rbac.CheckAny(self.principalRoles(principal), permission)
}

func (self *PermissionChecker) CheckPath(principal *Principal, roomId string, path []string, permission Permission) bool {
	if self.fields != nil {
		if result := self.fields.Check(principal, path, permission); result != nil {
			return *result
		}
	}
	return self.Check(principal, roomId, permission)
}
