package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/connector"
)

var ErrRetriesExhausted = errors.New("dispatch: retries exhausted")

// Stats counts dispatched operations for one target.
type Stats struct {
	Sent      int
	Succeeded int
	Failed    int
}

// QueueOptions tunes one target's dispatch queue.
type QueueOptions struct {
	// BatchSize is the number of command lists accumulated before an
	// automatic flush. Zero means the default.
	BatchSize int
	Backoff   BackoffConfig
	Callback  Callback
	// Rand seeds backoff jitter; nil uses a time-seeded source.
	Rand *rand.Rand
}

const defaultBatchSize = 10

// Queue accumulates command batches for one target and flushes them
// against the identity service with retry on transient failure. Batches
// for one user are never reordered or split.
type Queue struct {
	target  string
	sender  Sender
	opts    QueueOptions
	rng     *rand.Rand
	pending []*Commands
	stats   Stats
}

func NewQueue(target string, sender Sender, opts QueueOptions) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = DefaultBackoffConfig()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Queue{target: target, sender: sender, opts: opts, rng: rng}
}

// Push queues one user's command list. Empty lists are dropped; a full
// queue flushes before returning.
func (q *Queue) Push(ctx context.Context, cmd *Commands) error {
	if cmd == nil || cmd.Len() == 0 {
		return nil
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	q.pending = append(q.pending, cmd)
	if len(q.pending) >= q.opts.BatchSize {
		return q.Flush(ctx)
	}
	return nil
}

// Flush sends everything pending. Transient send failures are retried per
// the backoff config, honoring a server-provided retry delay when one is
// given; an exhausted ceiling or a fatal error is reported against every
// operation in the batch and returned.
func (q *Queue) Flush(ctx context.Context) error {
	if len(q.pending) == 0 {
		return nil
	}
	batch := q.pending
	q.pending = nil

	sent, opErrs, err := q.sendWithRetry(ctx, batch)
	if err != nil {
		q.failBatch(batch, err)
		return err
	}

	failed := make(map[string]map[int]string, len(opErrs))
	for _, opErr := range opErrs {
		m, ok := failed[opErr.CommandsID]
		if !ok {
			m = make(map[int]string)
			failed[opErr.CommandsID] = m
		}
		m[opErr.OpIndex] = opErr.Message
	}

	q.stats.Sent += sent
	for _, cmd := range batch {
		for i := range cmd.Ops {
			if msg, ok := failed[cmd.ID][i]; ok {
				q.stats.Failed++
				q.callback(cmd, i, errors.New(msg))
			} else {
				q.stats.Succeeded++
				q.callback(cmd, i, nil)
			}
		}
	}
	return nil
}

func (q *Queue) sendWithRetry(ctx context.Context, batch []*Commands) (int, []OpError, error) {
	var lastErr error
	for attempt := 1; attempt <= q.opts.Backoff.MaxAttempts; attempt++ {
		sent, opErrs, err := q.sender.Send(ctx, batch)
		if err == nil {
			return sent, opErrs, nil
		}
		if !errors.Is(err, connector.ErrTransient) {
			return 0, nil, err
		}
		lastErr = err
		if attempt == q.opts.Backoff.MaxAttempts {
			break
		}

		delay, ok := connector.RetryAfter(err)
		if !ok {
			delay = NextBackoffDelay(q.opts.Backoff, attempt, q.rng)
		}
		log.Warn().
			Str("target", q.target).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("transient send failure, backing off")
		if err := sleep(ctx, delay); err != nil {
			return 0, nil, err
		}
	}
	return 0, nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, q.opts.Backoff.MaxAttempts, lastErr)
}

// failBatch reports a batch-level error against every operation, since the
// outcome of each is unknown once the call itself failed.
func (q *Queue) failBatch(batch []*Commands, err error) {
	for _, cmd := range batch {
		for i := range cmd.Ops {
			q.stats.Sent++
			q.stats.Failed++
			q.callback(cmd, i, err)
		}
	}
}

func (q *Queue) callback(cmd *Commands, opIndex int, err error) {
	if q.opts.Callback != nil {
		q.opts.Callback(cmd, opIndex, err)
	}
}

// PendingLen returns the number of queued, unflushed command lists.
func (q *Queue) PendingLen() int { return len(q.pending) }

// Stats returns the dispatch counters accumulated so far.
func (q *Queue) Stats() Stats { return q.stats }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
