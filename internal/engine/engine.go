package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/connector"
	"github.com/umsync/syncctl/internal/dispatch"
	"github.com/umsync/syncctl/internal/groups"
	"github.com/umsync/syncctl/internal/identity"
	"github.com/umsync/syncctl/internal/target"
)

var (
	ErrConfiguration = errors.New("engine: configuration error")
	ErrDirectoryLoad = errors.New("engine: directory load failed")
)

// Service is everything the engine needs from one identity-service target:
// the read/group surface plus command dispatch.
type Service interface {
	connector.UMAPI
	dispatch.Sender
}

// Target describes one configured identity-service org.
type Target struct {
	Name    string
	Primary bool
	Service Service
}

// Options configures one reconciliation run.
type Options struct {
	// Mapping routes a directory group to one or more qualified target
	// groups.
	Mapping map[string][]string

	// GroupFilter adds explicit directory groups to the read set beyond
	// the mapped ones.
	GroupFilter []string

	// ExtendedAttributes are extra directory attributes fetched for the
	// hook.
	ExtendedAttributes []string

	// LoadAllUsers reads the whole directory instead of mapped groups.
	LoadAllUsers bool

	AdditionalGroups []AdditionalGroupRule
	Exclusions       Exclusions

	StrayPolicy StrayPolicy
	// IgnoreStrays drops unmatched accounts from consideration entirely;
	// they are neither recorded nor counted.
	IgnoreStrays bool
	StrayLimit   StrayLimit
	// StrayListOutput receives the stray list when the policy is
	// write-to-list.
	StrayListOutput string
	// StrayListInput seeds stray processing from a previously exported
	// list instead of a directory comparison. When set, the directory is
	// not read and no creates or group changes are computed.
	StrayListInput string

	// UpdateAttributes enables primary-target attribute sync.
	UpdateAttributes bool
	DefaultCountry   string

	// CreateMissingGroups creates mapped groups absent from a target
	// before diffing it.
	CreateMissingGroups bool

	Hook Hook

	BatchSize int
	Backoff   dispatch.BackoffConfig
}

type targetRuntime struct {
	state *target.State
	svc   Service
	queue *dispatch.Queue

	accountsRead int
}

// Engine runs one full reconciliation pass: desired state from the
// directory, a diff per target, stray handling, and batched dispatch.
type Engine struct {
	opts      Options
	directory connector.Directory
	registry  *groups.Registry

	primary     *targetRuntime
	secondaries []*targetRuntime
	byName      map[string]*targetRuntime

	// mapping is Options.Mapping keyed by normalized directory group.
	mapping map[string][]string

	dirUsers map[identity.Key]*identity.DirectoryUser
	excluded map[identity.Key]struct{}
	strays   map[string][]strayRecord

	mu      sync.Mutex
	summary Summary
}

// New validates the target set and mapping and prepares an engine. The
// group registry is owned by this engine; nothing leaks across runs.
func New(opts Options, directory connector.Directory, targets []Target) (*Engine, error) {
	e := &Engine{
		opts:      opts,
		directory: directory,
		registry:  groups.NewRegistry(),
		byName:    make(map[string]*targetRuntime),
		mapping:   make(map[string][]string),
		dirUsers:  make(map[identity.Key]*identity.DirectoryUser),
		excluded:  make(map[identity.Key]struct{}),
		strays:    make(map[string][]strayRecord),
	}
	e.summary.TargetActions = make(map[string]ActionCounts)
	e.summary.TargetErrors = make(map[string]string)

	for _, t := range targets {
		name := identity.Normalize(t.Name)
		if _, dup := e.byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate target %q", ErrConfiguration, t.Name)
		}
		rt := &targetRuntime{
			state: target.NewState(t.Name, t.Primary),
			svc:   t.Service,
		}
		rt.queue = dispatch.NewQueue(t.Name, t.Service, dispatch.QueueOptions{
			BatchSize: opts.BatchSize,
			Backoff:   opts.Backoff,
			Callback:  e.onDispatch,
		})
		e.byName[name] = rt
		if t.Primary {
			if e.primary != nil {
				return nil, fmt.Errorf("%w: more than one primary target", ErrConfiguration)
			}
			e.primary = rt
		} else {
			e.secondaries = append(e.secondaries, rt)
		}
	}
	if e.primary == nil {
		return nil, fmt.Errorf("%w: no primary target", ErrConfiguration)
	}

	for dirGroup, qualified := range opts.Mapping {
		norm := identity.Normalize(dirGroup)
		if norm == "" {
			return nil, fmt.Errorf("%w: empty directory group in mapping", ErrConfiguration)
		}
		for _, q := range qualified {
			ref, err := e.registry.GetQualified(q)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
			}
			rt, err := e.resolveTarget(ref)
			if err != nil {
				return nil, err
			}
			rt.state.AddMappedGroup(ref.Name)
		}
		e.mapping[norm] = append(e.mapping[norm], qualified...)
	}
	return e, nil
}

// resolveTarget finds the runtime a group ref belongs to. An empty target
// segment means the primary; otherwise the name must match a configured
// target.
func (e *Engine) resolveTarget(ref *groups.Ref) (*targetRuntime, error) {
	if ref.Target == groups.PrimaryTarget {
		return e.primary, nil
	}
	if rt, ok := e.byName[identity.Normalize(ref.Target)]; ok {
		return rt, nil
	}
	return nil, fmt.Errorf("%w: group %q names unknown target %q", ErrConfiguration, ref.Qualified(), ref.Target)
}

// Run executes one full pass and always returns a summary alongside any
// fatal error.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	strayInputMode := e.opts.StrayListInput != ""

	if !strayInputMode {
		if err := e.loadDesired(ctx); err != nil {
			return e.snapshotSummary(), err
		}
	}

	if err := e.prepareGroups(ctx, e.primary); err != nil {
		return e.snapshotSummary(), err
	}
	if err := e.diffTarget(ctx, e.primary, strayInputMode); err != nil {
		// Secondary diffs depend on the primary's included-key set, so a
		// primary failure ends the run.
		return e.snapshotSummary(), err
	}
	if err := e.primary.queue.Flush(ctx); err != nil {
		return e.snapshotSummary(), err
	}

	var wg sync.WaitGroup
	for _, rt := range e.secondaries {
		wg.Add(1)
		go func(rt *targetRuntime) {
			defer wg.Done()
			err := e.prepareGroups(ctx, rt)
			if err == nil {
				err = e.diffTarget(ctx, rt, strayInputMode)
			}
			if err == nil {
				err = rt.queue.Flush(ctx)
			}
			if err != nil {
				log.Error().Str("target", rt.state.Name()).Err(err).Msg("secondary target diff failed")
				e.mu.Lock()
				e.summary.TargetErrors[rt.state.Name()] = err.Error()
				e.mu.Unlock()
			}
		}(rt)
	}
	wg.Wait()

	if strayInputMode {
		if err := e.loadStraysFromFile(); err != nil {
			return e.snapshotSummary(), err
		}
	}

	if err := e.processStrays(ctx); err != nil {
		return e.snapshotSummary(), err
	}

	// Secondary queues flush before the primary so a primary-side delete
	// never lands while a secondary still references the account.
	for _, rt := range e.secondaries {
		if err := rt.queue.Flush(ctx); err != nil {
			e.mu.Lock()
			e.summary.TargetErrors[rt.state.Name()] = err.Error()
			e.mu.Unlock()
		}
	}
	if err := e.primary.queue.Flush(ctx); err != nil {
		return e.snapshotSummary(), err
	}

	return e.snapshotSummary(), nil
}

// prepareGroups creates mapped groups missing from the target, when
// enabled.
func (e *Engine) prepareGroups(ctx context.Context, rt *targetRuntime) error {
	if !e.opts.CreateMissingGroups {
		return nil
	}
	existing, err := rt.svc.ListGroups(ctx)
	if err != nil {
		return err
	}
	normalized := make(map[string]struct{}, len(existing))
	for name := range existing {
		normalized[identity.Normalize(name)] = struct{}{}
	}
	for _, name := range rt.state.MappedGroups() {
		if _, ok := normalized[identity.Normalize(name)]; ok {
			continue
		}
		log.Info().Str("target", rt.state.Name()).Str("group", name).Msg("creating missing mapped group")
		if err := rt.svc.CreateGroup(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// onDispatch folds per-operation dispatch outcomes into the summary.
func (e *Engine) onDispatch(cmd *dispatch.Commands, opIndex int, err error) {
	op := cmd.Ops[opIndex]
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		log.Warn().
			Str("target", cmd.Target).
			Str("user", cmd.Key.String()).
			Str("op", string(op.Kind)).
			Err(err).
			Msg("operation failed")
		return
	}
	if op.Kind == dispatch.OpCreate {
		e.summary.AccountsCreated++
	}
}

func (e *Engine) snapshotSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.summary
	s.MappingConflicts = nil
	for _, rt := range e.allTargets() {
		s.MappingConflicts = append(s.MappingConflicts, rt.state.Conflicts()...)
		stats := rt.queue.Stats()
		s.TargetActions[rt.state.Name()] = ActionCounts{
			Sent:      stats.Sent,
			Succeeded: stats.Succeeded,
			Failed:    stats.Failed,
		}
	}
	return s
}

func (e *Engine) allTargets() []*targetRuntime {
	out := make([]*targetRuntime, 0, 1+len(e.secondaries))
	out = append(out, e.primary)
	return append(out, e.secondaries...)
}
