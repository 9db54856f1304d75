// Package writebehind accepts new messages into memory and persists them to the
// message store in batches, off the fan-out path.
package writebehind

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/model"
	logger "github.com/Gopher0727/campfire/middleware/log"
)

// ErrStoreUnavailable is returned by Run once flushing has failed MaxFailures
// times in a row. The process is expected to exit.
var ErrStoreUnavailable = errors.New("message store unavailable")

// Store is the subset of the message repository the buffer writes through to.
type Store interface {
	AppendBatch(ctx context.Context, msgs []model.Message) error
	FindMessage(ctx context.Context, id string) (*model.Message, error)
	UpdateMessageContent(ctx context.Context, id, requesterID, content string) (bool, error)
	DeleteMessage(ctx context.Context, id, requesterID string) (bool, error)
}

type Options struct {
	// FlushInterval is the steady-state delay between flushes.
	FlushInterval time.Duration
	// FlushThreshold triggers an early flush once this many messages are pending; 0 disables it.
	FlushThreshold int
	// MaxPending bounds memory while the store is down; the oldest messages are dropped beyond it.
	MaxPending int
	// RetryBase is the first retry delay after a failed flush. Each further failure doubles it.
	RetryBase  time.Duration
	MaxBackoff time.Duration
	// MaxFailures consecutive failed flushes make Run give up; 0 retries forever.
	MaxFailures int
	// ShutdownTimeout bounds the final flush when Run is cancelled.
	ShutdownTimeout time.Duration

	OnFlushError     func(err error, failures int)
	OnFlushRecovered func()
}

// OptionsFromConfig maps the [buffer] config section.
func OptionsFromConfig(cfg *config.BufferConfig) Options {
	return Options{
		FlushInterval:   cfg.FlushInterval,
		FlushThreshold:  cfg.FlushThreshold,
		MaxPending:      cfg.MaxPending,
		MaxBackoff:      cfg.MaxBackoff,
		MaxFailures:     cfg.MaxFailures,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (o *Options) setDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 10 * time.Second
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 100_000
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.RetryBase {
		o.MaxBackoff = max(o.RetryBase, 2*time.Minute)
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 15 * time.Second
	}
}

// Buffer is the write-behind queue in front of a Store.
//
// Enqueue only touches mu and never waits on storage. flushMu is held exclusively
// while a batch is in flight, and shared by lookups and mutations, so a message is
// always visible either in pending or in the store, never in between.
type Buffer struct {
	store Store
	opts  Options
	log   *logger.Logger

	mu      sync.Mutex
	pending []model.Message

	flushMu sync.RWMutex

	kick    chan struct{}
	dropped atomic.Int64
}

func New(store Store, opts Options, log *logger.Logger) *Buffer {
	opts.setDefaults()
	return &Buffer{
		store: store,
		opts:  opts,
		log:   log.Named("writebehind"),
		kick:  make(chan struct{}, 1),
	}
}

// Enqueue appends msg to the pending queue. It never blocks on storage and never fails.
func (b *Buffer) Enqueue(msg model.Message) {
	b.mu.Lock()
	b.pending = append(b.pending, msg)
	n := len(b.pending)
	overflow := b.trimLocked()
	b.mu.Unlock()

	if overflow > 0 {
		b.log.Error("pending messages over limit, oldest dropped",
			zap.Int("dropped", overflow), zap.Int("max_pending", b.opts.MaxPending))
	}
	if b.opts.FlushThreshold > 0 && n >= b.opts.FlushThreshold {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// trimLocked drops the oldest pending messages beyond MaxPending. Caller holds mu.
func (b *Buffer) trimLocked() int {
	over := len(b.pending) - b.opts.MaxPending
	if over <= 0 {
		return 0
	}
	b.pending = slices.Clone(b.pending[over:])
	b.dropped.Add(int64(over))
	return over
}

// Pending reports how many messages are waiting to be flushed.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped reports how many messages were discarded because MaxPending was exceeded.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Flush writes every pending message to the store as one batch. An empty buffer
// makes no store call. On failure the batch goes back to the front of the queue.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := b.store.AppendBatch(ctx, batch); err != nil {
		b.requeue(batch)
		return fmt.Errorf("flush %d messages: %w", len(batch), err)
	}
	b.log.Debug("flushed messages", zap.Int("count", len(batch)))
	return nil
}

func (b *Buffer) requeue(batch []model.Message) {
	b.mu.Lock()
	b.pending = append(batch, b.pending...)
	overflow := b.trimLocked()
	b.mu.Unlock()

	if overflow > 0 {
		b.log.Error("requeue over limit, oldest dropped", zap.Int("dropped", overflow))
	}
}

// Run flushes on FlushInterval, or earlier when FlushThreshold is reached, until
// ctx is cancelled; then it makes one last flush bounded by ShutdownTimeout.
// Failed flushes are retried with exponential backoff. After MaxFailures in a row
// Run returns an error wrapping ErrStoreUnavailable.
func (b *Buffer) Run(ctx context.Context) error {
	timer := time.NewTimer(b.opts.FlushInterval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return b.finalFlush()
		case <-timer.C:
		case <-b.kick:
			if failures > 0 {
				// backing off; the timer decides the next attempt
				continue
			}
		}

		err := b.Flush(ctx)
		if err == nil {
			if failures > 0 {
				b.log.Info("message store recovered", zap.Int("failed_attempts", failures))
				if b.opts.OnFlushRecovered != nil {
					b.opts.OnFlushRecovered()
				}
			}
			failures = 0
			timer.Reset(b.opts.FlushInterval)
			continue
		}
		if ctx.Err() != nil {
			return b.finalFlush()
		}

		failures++
		delay := b.backoff(failures)
		b.log.Error("flush failed",
			zap.Error(err),
			zap.Int("failures", failures),
			zap.Int("pending", b.Pending()),
			zap.Duration("retry_in", delay))
		if b.opts.OnFlushError != nil {
			b.opts.OnFlushError(err, failures)
		}
		if b.opts.MaxFailures > 0 && failures >= b.opts.MaxFailures {
			_ = b.finalFlush()
			return fmt.Errorf("%w: %d consecutive flush failures: %w", ErrStoreUnavailable, failures, err)
		}
		timer.Reset(delay)
	}
}

func (b *Buffer) backoff(failures int) time.Duration {
	delay := b.opts.RetryBase
	for i := 1; i < failures && delay < b.opts.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, b.opts.MaxBackoff)
}

func (b *Buffer) finalFlush() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ShutdownTimeout)
	defer cancel()

	if err := b.Flush(ctx); err != nil {
		b.log.Error("final flush failed, buffered messages lost",
			zap.Error(err), zap.Int("lost", b.Pending()))
		return err
	}
	return nil
}

// FindMessage looks the message up in the pending queue, then in the store.
func (b *Buffer) FindMessage(ctx context.Context, id string) (*model.Message, error) {
	b.flushMu.RLock()
	defer b.flushMu.RUnlock()

	b.mu.Lock()
	for i := range b.pending {
		if b.pending[i].ID == id {
			msg := b.pending[i]
			b.mu.Unlock()
			return &msg, nil
		}
	}
	b.mu.Unlock()

	return b.store.FindMessage(ctx, id)
}

// UpdateMessageContent applies an author-only edit to a pending or stored message.
// It reports false when the message is unknown or requesterID is not its author.
func (b *Buffer) UpdateMessageContent(ctx context.Context, id, requesterID, content string) (bool, error) {
	b.flushMu.RLock()
	defer b.flushMu.RUnlock()

	if found, ok := b.mutatePending(id, requesterID, func(i int) {
		b.pending[i].Content = content
	}); found {
		return ok, nil
	}
	return b.store.UpdateMessageContent(ctx, id, requesterID, content)
}

// DeleteMessage removes a pending or stored message on behalf of its author.
func (b *Buffer) DeleteMessage(ctx context.Context, id, requesterID string) (bool, error) {
	b.flushMu.RLock()
	defer b.flushMu.RUnlock()

	if found, ok := b.mutatePending(id, requesterID, func(i int) {
		b.pending = slices.Delete(b.pending, i, i+1)
	}); found {
		return ok, nil
	}
	return b.store.DeleteMessage(ctx, id, requesterID)
}

// mutatePending runs apply on the pending message with the given id if
// requesterID authored it. found reports whether the id was pending at all.
func (b *Buffer) mutatePending(id, requesterID string, apply func(i int)) (found, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.pending {
		if b.pending[i].ID != id {
			continue
		}
		if b.pending[i].AuthorID != requesterID {
			return true, false
		}
		apply(i)
		return true, true
	}
	return false, false
}

// ReadThrough calls fn with a snapshot of the guild's pending messages, oldest
// first. No flush can run while fn executes, so fn may read the store and merge
// without missing or double-counting a message.
func (b *Buffer) ReadThrough(ctx context.Context, guildID string, fn func(ctx context.Context, pending []model.Message) error) error {
	b.flushMu.RLock()
	defer b.flushMu.RUnlock()

	b.mu.Lock()
	var snapshot []model.Message
	for _, msg := range b.pending {
		if msg.GuildID == guildID {
			snapshot = append(snapshot, msg)
		}
	}
	b.mu.Unlock()

	return fn(ctx, snapshot)
}

// PurgeGuild runs deleteStored with flushing paused and, when it reports
// success, discards the guild's pending messages. A flush can therefore never
// write messages for a guild that has just been deleted.
func (b *Buffer) PurgeGuild(guildID string, deleteStored func() (bool, error)) (bool, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	ok, err := deleteStored()
	if err != nil || !ok {
		return ok, err
	}

	b.mu.Lock()
	b.pending = slices.DeleteFunc(b.pending, func(m model.Message) bool { return m.GuildID == guildID })
	b.mu.Unlock()
	return true, nil
}
