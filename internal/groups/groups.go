package groups

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/umsync/syncctl/internal/identity"
)

var ErrMalformedGroupName = errors.New("groups: malformed group name")

// Delimiter separates the target segment(s) from the group segment in a
// qualified group name, e.g. "eu-org::Engineering".
const Delimiter = "::"

// PrimaryTarget is the target name an unqualified group resolves to.
const PrimaryTarget = ""

// Ref is one (group, target) pair. Refs are canonicalized through a
// Registry so that the same pair always yields the same pointer; engine
// code compares refs by pointer as well as by value.
type Ref struct {
	// Name keeps the original casing for group-creation calls.
	Name   string
	Target string
}

// Qualified renders the reference back to its qualified form.
func (r *Ref) Qualified() string {
	if r.Target == PrimaryTarget {
		return r.Name
	}
	return r.Target + Delimiter + r.Name
}

// Parse splits a qualified group name. The last segment is the group name
// and the concatenation of any prior segments is the target name; a missing
// or empty target segment means the primary target.
func Parse(qualified string) (name, target string, err error) {
	segments := strings.Split(qualified, Delimiter)
	name = strings.TrimSpace(segments[len(segments)-1])
	if name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedGroupName, qualified)
	}
	target = strings.TrimSpace(strings.Join(segments[:len(segments)-1], Delimiter))
	return name, target, nil
}

// Registry canonicalizes group references for one reconciliation run. It is
// owned by the run rather than shared process-wide, so parallel runs and
// test suites never observe each other's refs.
type Registry struct {
	mu   sync.Mutex
	refs map[refKey]*Ref
}

type refKey struct {
	name   string
	target string
}

func NewRegistry() *Registry {
	return &Registry{refs: make(map[refKey]*Ref)}
}

// Get returns the canonical Ref for (name, target), creating it on first
// use. Lookup is case-insensitive; the first-seen casing is retained.
func (r *Registry) Get(name, target string) (*Ref, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty group name", ErrMalformedGroupName)
	}
	key := refKey{name: identity.Normalize(name), target: identity.Normalize(target)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.refs[key]; ok {
		return ref, nil
	}
	ref := &Ref{Name: name, Target: strings.TrimSpace(target)}
	r.refs[key] = ref
	return ref, nil
}

// GetQualified parses a qualified name and resolves it through the registry.
func (r *Registry) GetQualified(qualified string) (*Ref, error) {
	name, target, err := Parse(qualified)
	if err != nil {
		return nil, err
	}
	return r.Get(name, target)
}

// List returns every registered ref ordered by (target, name).
func (r *Registry) List() []*Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Ref, 0, len(r.refs))
	for _, ref := range r.refs {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Name < out[j].Name
	})
	return out
}
