// Package access evaluates which modules and screens a user may open.
//
// Access is described by a table of rules keyed by role or user id. The table is
// configuration data; nothing in this package knows about particular users.
package access

import (
	"strings"
)

// Wildcard matches any module or screen
const Wildcard = "*"

// Modules and screens served by this service
const (
	ModuleAR             = "ar"
	ScreenARBook         = "ar-book"
	ScreenARVerification = "ar-verification"
)

// Rule grants a role or a single user a set of modules and screens.
// An empty Screens list grants every screen of the granted modules.
type Rule struct {
	Role    string   `mapstructure:"role" json:"role,omitempty"`
	UserID  string   `mapstructure:"user_id" json:"user_id,omitempty"`
	Modules []string `mapstructure:"modules" json:"modules"`
	Screens []string `mapstructure:"screens" json:"screens,omitempty"`
}

func (r Rule) matches(s Subject) bool {
	if r.UserID != "" && r.UserID == s.UserID {
		return true
	}
	if r.Role == "" {
		return false
	}
	for _, role := range s.Roles {
		if strings.EqualFold(role, r.Role) {
			return true
		}
	}
	return false
}

// Subject is the acting user being evaluated
type Subject struct {
	UserID string
	Roles  []string
}

// Decision is the outcome of a policy evaluation
type Decision struct {
	Allowed bool
	// Fallback is true when no rule matched and the default applied
	Fallback bool
	Reason   string
}

// Policy is an immutable rule table
type Policy struct {
	rules        []Rule
	defaultAllow bool
}

// PolicyOption configures a Policy
type PolicyOption func(*Policy)

// WithDefaultAllow sets the decision used when no rule matches a subject.
// It defaults to true: users without an access record get full access.
func WithDefaultAllow(allow bool) PolicyOption {
	return func(p *Policy) {
		p.defaultAllow = allow
	}
}

// NewPolicy creates a policy from rules. Rules naming neither a role nor a user are ignored.
func NewPolicy(rules []Rule, opts ...PolicyOption) *Policy {
	p := &Policy{defaultAllow: true}
	for _, opt := range opts {
		opt(p)
	}
	for _, r := range rules {
		if r.Role == "" && r.UserID == "" {
			continue
		}
		p.rules = append(p.rules, normalizeRule(r))
	}
	return p
}

func normalizeRule(r Rule) Rule {
	out := Rule{Role: strings.TrimSpace(r.Role), UserID: strings.TrimSpace(r.UserID)}
	for _, m := range r.Modules {
		out.Modules = append(out.Modules, strings.ToLower(strings.TrimSpace(m)))
	}
	for _, s := range r.Screens {
		out.Screens = append(out.Screens, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

// Rules returns a copy of the rule table
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Evaluate decides whether subject may open screen within module.
// Matching rules are unioned; with no matching rule the default decision applies.
func (p *Policy) Evaluate(subject Subject, module, screen string) Decision {
	module = strings.ToLower(module)
	screen = strings.ToLower(screen)

	matched := false
	for _, r := range p.rules {
		if !r.matches(subject) {
			continue
		}
		matched = true
		if grants(r.Modules, module) && (len(r.Screens) == 0 || grants(r.Screens, screen)) {
			return Decision{Allowed: true, Reason: "granted by " + describe(r)}
		}
	}

	if !matched {
		return Decision{
			Allowed:  p.defaultAllow,
			Fallback: true,
			Reason:   "no access record for user",
		}
	}
	return Decision{Allowed: false, Reason: "screen " + screen + " of module " + module + " is not granted"}
}

// AllowedModules lists the modules granted to subject; nil with true means every module
func (p *Policy) AllowedModules(subject Subject) ([]string, bool) {
	seen := make(map[string]struct{})
	var modules []string
	matched := false
	for _, r := range p.rules {
		if !r.matches(subject) {
			continue
		}
		matched = true
		for _, m := range r.Modules {
			if m == Wildcard {
				return nil, true
			}
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				modules = append(modules, m)
			}
		}
	}
	if !matched {
		return nil, p.defaultAllow
	}
	return modules, false
}

func grants(list []string, value string) bool {
	for _, v := range list {
		if v == Wildcard || v == value {
			return true
		}
	}
	return false
}

func describe(r Rule) string {
	if r.UserID != "" {
		return "user " + r.UserID
	}
	return "role " + r.Role
}
