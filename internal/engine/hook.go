package engine

import (
	"regexp"

	"github.com/umsync/syncctl/internal/identity"
)

// Attribute keys exposed to hooks in HookScope.TargetAttributes.
const (
	AttrEmail     = "email"
	AttrFirstname = "firstname"
	AttrLastname  = "lastname"
	AttrCountry   = "country"
)

// HookScope is the mutable view a hook gets of one directory user before
// the diff is taken. Source fields are the directory's view; target fields
// are what the engine will sync. The post-hook TargetGroups set is
// authoritative regardless of the static mapping.
type HookScope struct {
	SourceAttributes map[string]string
	SourceGroups     []string
	TargetAttributes map[string]string
	TargetGroups     []string

	// Storage persists across hook invocations within one run.
	Storage map[string]any
}

// Hook rewrites desired attributes and groups per user. A hook error skips
// the user with a warning; it is never fatal to the run.
type Hook interface {
	Apply(scope *HookScope) error
}

// HookRule is one declarative rewrite: when the named source attribute
// matches the pattern, apply the group and attribute edits.
type HookRule struct {
	Attribute     string
	Pattern       *regexp.Regexp
	AddGroups     []string
	RemoveGroups  []string
	SetAttributes map[string]string
}

// RuleHook evaluates declarative rules in order. It is the built-in,
// sandbox-free replacement for running injected code per user.
type RuleHook struct {
	Rules []HookRule
}

func (h *RuleHook) Apply(scope *HookScope) error {
	for _, rule := range h.Rules {
		value, ok := scope.SourceAttributes[rule.Attribute]
		if !ok {
			value, ok = scope.TargetAttributes[rule.Attribute]
		}
		if !ok || rule.Pattern == nil || !rule.Pattern.MatchString(value) {
			continue
		}
		scope.TargetGroups = append(scope.TargetGroups, rule.AddGroups...)
		for _, name := range rule.RemoveGroups {
			scope.TargetGroups = removeGroup(scope.TargetGroups, name)
		}
		for k, v := range rule.SetAttributes {
			scope.TargetAttributes[k] = v
		}
	}
	return nil
}

func removeGroup(list []string, name string) []string {
	want := identity.Normalize(name)
	out := list[:0]
	for _, g := range list {
		if identity.Normalize(g) != want {
			out = append(out, g)
		}
	}
	return out
}
