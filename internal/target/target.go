package target

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/groups"
	"github.com/umsync/syncctl/internal/identity"
)

// MappingConflict records two distinct source member-groups deriving the
// same dynamic target group. The first-seen mapping wins; the conflict is
// surfaced in the run summary.
type MappingConflict struct {
	DerivedGroup  string
	KeptSource    string
	DroppedSource string
}

// State tracks one identity-service target org across a run: the groups the
// engine governs there, the desired group set per user key, and the observed
// account snapshot once loaded.
type State struct {
	name    string
	primary bool

	mu sync.RWMutex
	// mappedGroups maps the normalized group name to its original casing.
	mappedGroups map[string]string
	desired      map[identity.Key]*desiredEntry
	additional   map[string]string
	conflicts    []MappingConflict
	observed     map[identity.Key]*identity.ObservedAccount
	loaded       bool
}

type desiredEntry struct {
	groups map[*groups.Ref]struct{}
}

func NewState(name string, primary bool) *State {
	return &State{
		name:         name,
		primary:      primary,
		mappedGroups: make(map[string]string),
		desired:      make(map[identity.Key]*desiredEntry),
		additional:   make(map[string]string),
		observed:     make(map[identity.Key]*identity.ObservedAccount),
	}
}

func (s *State) Name() string  { return s.name }
func (s *State) Primary() bool { return s.primary }

// AddMappedGroup marks a group as governed by this target. Idempotent and
// case-insensitive; the first-seen casing is kept for group-creation calls.
func (s *State) AddMappedGroup(name string) {
	key := identity.Normalize(name)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappedGroups[key]; !ok {
		s.mappedGroups[key] = name
	}
}

// IsMapped reports whether the target governs the named group.
func (s *State) IsMapped(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mappedGroups[identity.Normalize(name)]
	return ok
}

// MappedGroups returns the governed group names in their original casing.
func (s *State) MappedGroups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.mappedGroups))
	for _, original := range s.mappedGroups {
		out = append(out, original)
	}
	return out
}

// AddDesiredGroup registers desired membership for a user key. A nil ref
// marks the user as present in the target without any group, which is how
// the primary org registers users needing only account creation.
func (s *State) AddDesiredGroup(key identity.Key, ref *groups.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.desired[key]
	if !ok {
		entry = &desiredEntry{groups: make(map[*groups.Ref]struct{})}
		s.desired[key] = entry
	}
	if ref != nil {
		entry.groups[ref] = struct{}{}
	}
}

// DesiredGroups returns the desired group refs for a key and whether the
// key is desired in this target at all.
func (s *State) DesiredGroups(key identity.Key) ([]*groups.Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.desired[key]
	if !ok {
		return nil, false
	}
	out := make([]*groups.Ref, 0, len(entry.groups))
	for ref := range entry.groups {
		out = append(out, ref)
	}
	return out, true
}

// DesiredKeys returns every user key desired in this target.
func (s *State) DesiredKeys() []identity.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Key, 0, len(s.desired))
	for key := range s.desired {
		out = append(out, key)
	}
	return out
}

// AddAdditionalGroup records a dynamically derived mapped group together
// with the source member-group it was derived from. A second distinct
// source for the same derived name is a configuration ambiguity: the first
// mapping wins, the conflict is recorded for the summary.
func (s *State) AddAdditionalGroup(derived, source string) {
	key := identity.Normalize(derived)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.additional[key]
	if !ok {
		s.additional[key] = source
		if _, mapped := s.mappedGroups[key]; !mapped {
			s.mappedGroups[key] = derived
		}
		return
	}
	if prev != source {
		log.Warn().
			Str("target", s.name).
			Str("derived_group", derived).
			Str("kept_source", prev).
			Str("dropped_source", source).
			Msg("conflicting dynamic group mapping")
		s.conflicts = append(s.conflicts, MappingConflict{
			DerivedGroup:  derived,
			KeptSource:    prev,
			DroppedSource: source,
		})
	}
}

// Conflicts returns the dynamic-mapping conflicts seen so far.
func (s *State) Conflicts() []MappingConflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MappingConflict, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

// RecordObservedAccount stores the target's current view of one account.
func (s *State) RecordObservedAccount(key identity.Key, account *identity.ObservedAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[key] = account
}

// ObservedAccount returns the recorded snapshot for a key, if any.
func (s *State) ObservedAccount(key identity.Key) (*identity.ObservedAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.observed[key]
	return account, ok
}

// ObservedCount returns how many accounts have been recorded.
func (s *State) ObservedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observed)
}

// MarkLoaded flags the observed snapshot as complete.
func (s *State) MarkLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
}

// Loaded reports whether the observed snapshot is complete.
func (s *State) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}
