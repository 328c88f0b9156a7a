package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/connector"
	"github.com/umsync/syncctl/internal/dispatch"
	"github.com/umsync/syncctl/internal/identity"
)

// diffTarget streams one target's accounts and emits the minimal command
// set to converge it. In strayInputMode only the observed snapshot and
// exclusion set are built; matching, creates and stray recording are
// skipped because strays come from a file.
func (e *Engine) diffTarget(ctx context.Context, rt *targetRuntime, strayInputMode bool) error {
	primary := rt == e.primary
	stream, err := rt.svc.Accounts(ctx, "")
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		acct, err := stream.Next()
		if errors.Is(err, connector.ErrEndOfStream) {
			break
		}
		if err != nil {
			return err
		}
		rt.accountsRead++
		e.mu.Lock()
		e.summary.AccountsRead++
		e.mu.Unlock()

		key, err := acct.Key()
		if err != nil {
			log.Warn().Str("target", rt.state.Name()).Str("username", acct.Username).Err(err).Msg("account has no valid key, skipping")
			continue
		}

		// Exclusion is evaluated only against the primary; its result
		// gates every secondary.
		if primary {
			if e.opts.Exclusions.Match(acct) {
				e.excluded[key] = struct{}{}
				e.mu.Lock()
				e.summary.AccountsExcluded++
				e.mu.Unlock()
				continue
			}
		} else if _, skip := e.excluded[key]; skip {
			continue
		}

		rt.state.RecordObservedAccount(key, acct)
		if strayInputMode {
			continue
		}

		dirUser, matched := e.dirUsers[key]
		if !matched {
			if !e.opts.IgnoreStrays {
				e.recordStray(rt, key, acct)
			}
			continue
		}

		cmd := e.diffMatched(rt, key, dirUser, acct)
		if cmd == nil {
			if primary {
				e.mu.Lock()
				e.summary.AccountsUnchanged++
				e.mu.Unlock()
			}
			continue
		}
		e.mu.Lock()
		e.summary.AccountsUpdated++
		e.mu.Unlock()
		if err := rt.queue.Push(ctx, cmd); err != nil {
			return err
		}
	}
	rt.state.MarkLoaded()

	if strayInputMode {
		return nil
	}
	return e.emitCreates(ctx, rt)
}

// diffMatched computes one matched account's attribute and group delta.
// Returns nil when the account is already converged.
func (e *Engine) diffMatched(rt *targetRuntime, key identity.Key, u *identity.DirectoryUser, acct *identity.ObservedAccount) *dispatch.Commands {
	desiredRefs, _ := rt.state.DesiredGroups(key)
	desired := make(map[string]string, len(desiredRefs))
	for _, ref := range desiredRefs {
		desired[identity.Normalize(ref.Name)] = ref.Name
	}
	current := make(map[string]string, len(acct.Groups))
	for _, g := range acct.Groups {
		current[identity.Normalize(g)] = g
	}

	var add, remove []string
	for norm, display := range desired {
		if _, ok := current[norm]; !ok {
			add = append(add, display)
		}
	}
	// Removals never touch a group this target does not govern.
	for norm, display := range current {
		if _, ok := desired[norm]; ok {
			continue
		}
		if rt.state.IsMapped(display) {
			remove = append(remove, display)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)

	var updates map[string]string
	if rt == e.primary && e.opts.UpdateAttributes {
		updates = diffAttributes(u, acct)
	}

	if len(add) == 0 && len(remove) == 0 && len(updates) == 0 {
		return nil
	}
	return dispatch.NewCommands(rt.state.Name(), key).
		UpdateAttributes(updates).
		AddGroups(add).
		RemoveGroups(remove)
}

// diffAttributes compares the whitelisted identity fields. Email compares
// case- and whitespace-insensitively; names compare exactly. Empty
// directory values never blank out an existing attribute.
func diffAttributes(u *identity.DirectoryUser, acct *identity.ObservedAccount) map[string]string {
	updates := make(map[string]string)
	if u.Email != "" && identity.Normalize(u.Email) != identity.Normalize(acct.Email) {
		updates[AttrEmail] = u.Email
	}
	if u.Firstname != "" && u.Firstname != acct.Firstname {
		updates[AttrFirstname] = u.Firstname
	}
	if u.Lastname != "" && u.Lastname != acct.Lastname {
		updates[AttrLastname] = u.Lastname
	}
	if len(updates) == 0 {
		return nil
	}
	return updates
}

// emitCreates queues creation for desired users the target never
// reported. The primary always creates; a secondary creates only when its
// desired-group set for the user is non-empty.
func (e *Engine) emitCreates(ctx context.Context, rt *targetRuntime) error {
	primary := rt == e.primary
	keys := rt.state.DesiredKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		if _, observed := rt.state.ObservedAccount(key); observed {
			continue
		}
		if _, excl := e.excluded[key]; excl {
			continue
		}
		refs, _ := rt.state.DesiredGroups(key)
		if !primary && len(refs) == 0 {
			continue
		}
		u, ok := e.dirUsers[key]
		if !ok {
			continue
		}

		attrs, err := e.createAttributes(u)
		if err != nil {
			log.Warn().Str("target", rt.state.Name()).Str("user", key.String()).Err(err).Msg("cannot create account, skipping user")
			continue
		}
		directive := dispatch.IgnoreIfExists
		if primary && e.opts.UpdateAttributes {
			directive = dispatch.UpdateIfExists
		}

		names := make([]string, 0, len(refs))
		for _, ref := range refs {
			names = append(names, ref.Name)
		}
		sort.Strings(names)

		cmd := dispatch.NewCommands(rt.state.Name(), key).
			CreateAccount(attrs, directive).
			AddGroups(names)
		if err := rt.queue.Push(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// createAttributes validates and assembles the identity attributes for an
// account creation. Directory-backed identity types need a usable country
// code.
func (e *Engine) createAttributes(u *identity.DirectoryUser) (map[string]string, error) {
	country := strings.TrimSpace(u.Country)
	if country == "" {
		country = strings.TrimSpace(e.opts.DefaultCountry)
	}
	if country == "" && u.Type != identity.AdobeID {
		return nil, fmt.Errorf("no country code and no default configured")
	}
	attrs := map[string]string{AttrEmail: u.Email}
	if u.Firstname != "" {
		attrs[AttrFirstname] = u.Firstname
	}
	if u.Lastname != "" {
		attrs[AttrLastname] = u.Lastname
	}
	if country != "" {
		attrs[AttrCountry] = country
	}
	return attrs, nil
}
