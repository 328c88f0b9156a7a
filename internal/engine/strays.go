package engine

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/dispatch"
	"github.com/umsync/syncctl/internal/identity"
)

// strayRecord is one observed account with no matching directory user,
// paired with the subset of mapped groups it currently holds in its
// target.
type strayRecord struct {
	key          identity.Key
	mappedGroups []string
}

func (e *Engine) recordStray(rt *targetRuntime, key identity.Key, acct *identity.ObservedAccount) {
	var mapped []string
	for _, g := range acct.Groups {
		if rt.state.IsMapped(g) {
			mapped = append(mapped, g)
		}
	}
	sort.Strings(mapped)
	e.mu.Lock()
	e.strays[rt.state.Name()] = append(e.strays[rt.state.Name()], strayRecord{key: key, mappedGroups: mapped})
	e.mu.Unlock()
}

// processStrays applies the configured stray policy, but only after the
// runaway check: a stray count over the limit means a directory outage is
// more likely than a mass offboarding, so the run processes zero strays.
func (e *Engine) processStrays(ctx context.Context) error {
	if e.opts.IgnoreStrays {
		return nil
	}

	primaryStrays := e.strays[e.primary.state.Name()]
	population := e.primary.accountsRead - e.summary.AccountsExcluded
	if e.opts.StrayLimit.Exceeded(len(primaryStrays), population) {
		log.Error().
			Int("strays", len(primaryStrays)).
			Int("population", population).
			Msg("CRITICAL: stray count exceeds configured limit, no strays will be processed this run")
		e.mu.Lock()
		e.summary.StrayLimitExceeded = true
		e.mu.Unlock()
		return nil
	}

	switch e.opts.StrayPolicy {
	case StrayExclude:
		return nil
	case StrayWriteToList:
		if err := WriteStrayList(e.opts.StrayListOutput, e.strayEntries()); err != nil {
			return err
		}
		e.mu.Lock()
		e.summary.StraysProcessed = len(primaryStrays)
		e.mu.Unlock()
		return nil
	}

	// Secondaries first: an account must never be deleted primary-side
	// while a secondary still references it.
	for _, rt := range e.secondaries {
		if err := e.applyStrayPolicy(ctx, rt, false); err != nil {
			log.Error().Str("target", rt.state.Name()).Err(err).Msg("stray processing failed for secondary target")
			e.mu.Lock()
			e.summary.TargetErrors[rt.state.Name()] = err.Error()
			e.mu.Unlock()
		}
	}
	deleteAccount := e.opts.StrayPolicy == StrayDelete
	if err := e.applyStrayPolicy(ctx, e.primary, deleteAccount); err != nil {
		return err
	}
	e.mu.Lock()
	e.summary.StraysProcessed = len(primaryStrays)
	e.mu.Unlock()
	return nil
}

func (e *Engine) applyStrayPolicy(ctx context.Context, rt *targetRuntime, deleteAccount bool) error {
	for _, s := range e.strays[rt.state.Name()] {
		cmd := dispatch.NewCommands(rt.state.Name(), s.key)
		switch e.opts.StrayPolicy {
		case StrayRemoveGroups:
			cmd.RemoveGroups(s.mappedGroups)
		case StrayRemoveFromOrg, StrayDelete:
			cmd.RemoveFromOrg(deleteAccount)
		}
		if cmd.Len() == 0 {
			continue
		}
		log.Info().
			Str("target", rt.state.Name()).
			Str("user", s.key.String()).
			Str("policy", string(e.opts.StrayPolicy)).
			Msg("processing stray account")
		if err := rt.queue.Push(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// strayEntries flattens the collected strays for list export, primary
// first.
func (e *Engine) strayEntries() []StrayEntry {
	var out []StrayEntry
	for _, s := range e.strays[e.primary.state.Name()] {
		out = append(out, StrayEntry{Key: s.key})
	}
	for _, rt := range e.secondaries {
		for _, s := range e.strays[rt.state.Name()] {
			out = append(out, StrayEntry{Key: s.key, Target: rt.state.Name()})
		}
	}
	return out
}

// loadStraysFromFile seeds stray processing from a previously exported
// list. Listed users absent from a target's observed snapshot are skipped.
func (e *Engine) loadStraysFromFile() error {
	entries, err := ReadStrayList(e.opts.StrayListInput)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		rt := e.primary
		if entry.Target != "" {
			found, ok := e.byName[identity.Normalize(entry.Target)]
			if !ok {
				log.Warn().Str("target", entry.Target).Str("user", entry.Key.String()).Msg("stray list names unknown target, skipping")
				continue
			}
			rt = found
		}
		acct, ok := rt.state.ObservedAccount(entry.Key)
		if !ok {
			log.Warn().Str("target", rt.state.Name()).Str("user", entry.Key.String()).Msg("stray list user not observed in target, skipping")
			continue
		}
		e.recordStray(rt, entry.Key, acct)
	}
	return nil
}
