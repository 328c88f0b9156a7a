package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/umsync/syncctl/internal/identity"
)

var ErrInvalidStrayLimit = errors.New("engine: invalid stray limit")

// StrayPolicy is what happens to each stray account once the limit check
// passes.
type StrayPolicy string

const (
	// StrayExclude records strays but takes no action on them.
	StrayExclude StrayPolicy = "exclude"
	// StrayWriteToList exports strays to a flat file for manual review.
	StrayWriteToList StrayPolicy = "write-to-list"
	// StrayRemoveGroups removes only the mapped groups a stray holds.
	StrayRemoveGroups StrayPolicy = "remove-groups"
	// StrayRemoveFromOrg removes the account from the org, keeping its
	// cloud data.
	StrayRemoveFromOrg StrayPolicy = "remove-from-org"
	// StrayDelete removes the account and deletes its data.
	StrayDelete StrayPolicy = "delete"
)

// ParseStrayPolicy resolves a configured policy string.
func ParseStrayPolicy(raw string) (StrayPolicy, error) {
	switch StrayPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StrayExclude:
		return StrayExclude, nil
	case StrayWriteToList:
		return StrayWriteToList, nil
	case StrayRemoveGroups:
		return StrayRemoveGroups, nil
	case StrayRemoveFromOrg:
		return StrayRemoveFromOrg, nil
	case StrayDelete:
		return StrayDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown stray policy %q", ErrConfiguration, raw)
	}
}

// StrayLimit caps how many strays a run may act on, as an absolute count
// or as a percentage of the primary's included population. Exceeding it
// skips stray processing for the whole run.
type StrayLimit struct {
	Count      int
	Percent    float64
	HasPercent bool
}

// ParseStrayLimit accepts "200" or "15%".
func ParseStrayLimit(raw string) (StrayLimit, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StrayLimit{}, fmt.Errorf("%w: empty", ErrInvalidStrayLimit)
	}
	if strings.HasSuffix(raw, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		if err != nil || pct < 0 || pct > 100 {
			return StrayLimit{}, fmt.Errorf("%w: %q", ErrInvalidStrayLimit, raw)
		}
		return StrayLimit{Percent: pct, HasPercent: true}, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return StrayLimit{}, fmt.Errorf("%w: %q", ErrInvalidStrayLimit, raw)
	}
	return StrayLimit{Count: n}, nil
}

// Exceeded reports whether strayCount is over the limit relative to
// population (primary accounts read minus excluded).
func (l StrayLimit) Exceeded(strayCount, population int) bool {
	if l.HasPercent {
		if population <= 0 {
			return strayCount > 0
		}
		return float64(strayCount) > l.Percent/100.0*float64(population)
	}
	return strayCount > l.Count
}

// AdditionalGroupRule derives a mapped target group at runtime from a
// directory member-group name. The target template may reference capture
// groups from the source expression.
type AdditionalGroupRule struct {
	Source         *regexp.Regexp
	TargetTemplate string
}

// Derive expands the rule against one member group. ok is false when the
// group does not match the source expression.
func (r AdditionalGroupRule) Derive(memberGroup string) (derived string, ok bool) {
	if r.Source == nil || !r.Source.MatchString(memberGroup) {
		return "", false
	}
	return r.Source.ReplaceAllString(memberGroup, r.TargetTemplate), true
}

// Exclusions shields accounts from the sync entirely. Evaluated only
// against the primary target; the resulting included-key set gates every
// secondary.
type Exclusions struct {
	IdentityTypes    []identity.Type
	Groups           []string
	UsernamePatterns []*regexp.Regexp
}

// Match reports whether the account is excluded from consideration.
func (x *Exclusions) Match(a *identity.ObservedAccount) bool {
	for _, typ := range x.IdentityTypes {
		if a.Type == typ {
			return true
		}
	}
	if len(x.Groups) > 0 {
		current := make(map[string]struct{}, len(a.Groups))
		for _, g := range a.Groups {
			current[identity.Normalize(g)] = struct{}{}
		}
		for _, g := range x.Groups {
			if _, ok := current[identity.Normalize(g)]; ok {
				return true
			}
		}
	}
	username := identity.Normalize(a.Username)
	if username == "" {
		username = identity.Normalize(a.Email)
	}
	for _, re := range x.UsernamePatterns {
		if re.MatchString(username) {
			return true
		}
	}
	return false
}
