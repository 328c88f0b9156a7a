package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/connector"
	"github.com/umsync/syncctl/internal/identity"
)

// loadDesired reads the directory and builds the desired-group state for
// every target. Per-user problems skip that user with a warning; a stream
// failure is fatal to the run.
func (e *Engine) loadDesired(ctx context.Context) error {
	stream, err := e.directory.LoadUsersAndGroups(ctx, e.directoryGroups(), e.opts.ExtendedAttributes, e.opts.LoadAllUsers)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryLoad, err)
	}
	defer stream.Close()

	hookStorage := make(map[string]any)
	for {
		u, err := stream.Next()
		if errors.Is(err, connector.ErrEndOfStream) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDirectoryLoad, err)
		}
		e.summary.DirectoryUsersRead++

		if strings.TrimSpace(u.Email) == "" && !strings.Contains(u.Username, "@") {
			log.Warn().Str("username", u.Username).Msg("directory user has no email, skipping")
			continue
		}
		key, err := u.Key()
		if err != nil {
			log.Warn().Str("username", u.Username).Err(err).Msg("directory user has no valid key, skipping")
			continue
		}
		if _, dup := e.dirUsers[key]; dup {
			log.Debug().Str("user", key.String()).Msg("duplicate directory user, keeping first")
			continue
		}

		targetGroups := e.mappedGroupsFor(u.MemberGroups)
		if e.opts.Hook != nil {
			targetGroups, err = e.applyHook(u, targetGroups, hookStorage)
			if err != nil {
				log.Warn().Str("user", key.String()).Err(err).Msg("hook failed, skipping user")
				continue
			}
		}
		targetGroups = e.applyAdditionalGroups(u, targetGroups)
		u.Groups = targetGroups

		e.dirUsers[key] = u
		e.summary.DirectoryUsersSelected++

		// Presence in the primary is registered even with zero groups so
		// the account still gets created there.
		e.primary.state.AddDesiredGroup(key, nil)
		for _, qualified := range targetGroups {
			ref, err := e.registry.GetQualified(qualified)
			if err != nil {
				log.Warn().Str("user", key.String()).Str("group", qualified).Err(err).Msg("bad group name, ignoring")
				continue
			}
			rt, err := e.resolveTarget(ref)
			if err != nil {
				log.Warn().Str("user", key.String()).Str("group", qualified).Err(err).Msg("group names unknown target, ignoring")
				continue
			}
			rt.state.AddDesiredGroup(key, ref)
		}
	}
	return nil
}

// directoryGroups is the union of mapped source groups and the explicit
// group filter.
func (e *Engine) directoryGroups() []string {
	seen := make(map[string]struct{})
	var out []string
	for dirGroup := range e.opts.Mapping {
		n := identity.Normalize(dirGroup)
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, dirGroup)
		}
	}
	for _, g := range e.opts.GroupFilter {
		n := identity.Normalize(g)
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// mappedGroupsFor resolves the static mapping against a user's raw member
// groups.
func (e *Engine) mappedGroupsFor(memberGroups []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, mg := range memberGroups {
		for _, qualified := range e.mapping[identity.Normalize(mg)] {
			n := identity.Normalize(qualified)
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, qualified)
			}
		}
	}
	return out
}

// applyHook exposes the user to the configured hook and folds the mutated
// scope back. The post-hook group set is authoritative.
func (e *Engine) applyHook(u *identity.DirectoryUser, targetGroups []string, storage map[string]any) ([]string, error) {
	scope := &HookScope{
		SourceAttributes: u.SourceAttributes,
		SourceGroups:     append([]string(nil), u.MemberGroups...),
		TargetAttributes: map[string]string{
			AttrEmail:     u.Email,
			AttrFirstname: u.Firstname,
			AttrLastname:  u.Lastname,
			AttrCountry:   u.Country,
		},
		TargetGroups: targetGroups,
		Storage:      storage,
	}
	if err := e.opts.Hook.Apply(scope); err != nil {
		return nil, err
	}
	u.Email = scope.TargetAttributes[AttrEmail]
	u.Firstname = scope.TargetAttributes[AttrFirstname]
	u.Lastname = scope.TargetAttributes[AttrLastname]
	u.Country = scope.TargetAttributes[AttrCountry]
	return scope.TargetGroups, nil
}

// applyAdditionalGroups derives dynamic mapped groups from the user's raw
// member groups and registers them on their targets.
func (e *Engine) applyAdditionalGroups(u *identity.DirectoryUser, targetGroups []string) []string {
	for _, mg := range u.MemberGroups {
		for _, rule := range e.opts.AdditionalGroups {
			derived, ok := rule.Derive(mg)
			if !ok {
				continue
			}
			ref, err := e.registry.GetQualified(derived)
			if err != nil {
				log.Warn().Str("member_group", mg).Str("derived", derived).Err(err).Msg("bad derived group name, ignoring")
				continue
			}
			rt, err := e.resolveTarget(ref)
			if err != nil {
				log.Warn().Str("member_group", mg).Str("derived", derived).Err(err).Msg("derived group names unknown target, ignoring")
				continue
			}
			rt.state.AddAdditionalGroup(ref.Name, mg)
			targetGroups = append(targetGroups, derived)
		}
	}
	return targetGroups
}
