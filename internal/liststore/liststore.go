// Package liststore exposes the local mutation surface of the shared list.
// Every mutator appends a signed envelope to this device's writer log,
// verifies durability, and echoes the envelope through the merge engine so
// local state and remote replicas fold the exact same record.
package liststore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/merge"
	"github.com/lista-sync/lista/internal/metrics"
	"github.com/lista-sync/lista/internal/op"
	"github.com/lista-sync/lista/internal/oplog"
	"github.com/lista-sync/lista/internal/retry"
)

// defaultItems seed a freshly created group so the first screen is not
// blank. Matches the onboarding copy shipped with the mobile frontend.
var defaultItems = []string{
	"Tap to mark as done",
	"Double tap to add new",
	"Slide right slowly to delete",
}

// Result reports where a mutation landed in the local log. Durable is false
// when the post-append flush verification could not confirm the record hit
// disk; the mutation is still committed in memory and will replicate.
type Result struct {
	Seq     uint64
	Durable bool
}

// AppendListener observes envelopes the moment they are committed locally,
// before any network round trip. The replication session uses this to push
// fresh records to connected peers.
type AppendListener func(*op.Envelope)

// Store serializes local mutations against one writer log and one merge
// engine.
type Store struct {
	mu     sync.Mutex
	log    *oplog.WriterLog
	engine *merge.Engine
	clock  *op.Clock

	writable  atomic.Bool
	listeners []AppendListener

	metrics  *metrics.Metrics
	retryCfg retry.Config
	logger   zerolog.Logger
}

// New wires the mutation surface over an open writer log and merge engine.
// Writability starts false; the session flips it once the local writer is in
// the admitted set.
func New(log *oplog.WriterLog, engine *merge.Engine, m *metrics.Metrics, logger zerolog.Logger) *Store {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.BaseDelay = 50 * time.Millisecond
	return &Store{
		log:      log,
		engine:   engine,
		clock:    &op.Clock{},
		metrics:  m,
		retryCfg: cfg,
		logger:   logger.With().Str("component", "liststore").Logger(),
	}
}

// SetWritable flips the local mutation gate. Called by the session when the
// engine reports this writer admitted (or on group creation, where the
// genesis writer is born admitted).
func (s *Store) SetWritable(v bool) {
	s.writable.Store(v)
}

// Writable reports whether local mutations are currently accepted.
func (s *Store) Writable() bool {
	return s.writable.Load()
}

// OnAppend registers a listener for locally committed envelopes. Not safe to
// call concurrently with mutations.
func (s *Store) OnAppend(fn AppendListener) {
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns the current materialized list in display order.
func (s *Store) Snapshot() []op.Item {
	return s.engine.Snapshot()
}

// Writer returns the hex public key of the local writer log.
func (s *Store) Writer() string {
	return s.log.Writer()
}

// AddItem appends a new entry with the given text. The engine's dedup rule
// means re-adding existing text moves it to the top with fresh state.
func (s *Store) AddItem(ctx context.Context, text string) (op.Item, Result, error) {
	if text == "" {
		return op.Item{}, Result{}, lerrors.NewSchemaError("text", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	item := op.Item{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := s.commit(ctx, op.NewItemOp(op.KindAdd, item))
	return item, res, err
}

// UpdateItem mutates an existing entry in place. Marking an item done stamps
// its completion time; unmarking clears it. Updating text that is not on the
// list is a silent no-op at fold time, same as on every replica.
func (s *Store) UpdateItem(ctx context.Context, item op.Item) (Result, error) {
	if item.Text == "" {
		return Result{}, lerrors.NewSchemaError("text", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	item.UpdatedAt = now
	if item.IsDone && item.TimeOfCompletion == 0 {
		item.TimeOfCompletion = now
	}
	if !item.IsDone {
		item.TimeOfCompletion = 0
	}
	return s.commit(ctx, op.NewItemOp(op.KindUpdate, item))
}

// DeleteItem removes the entry with the given text. Absent text is a no-op.
func (s *Store) DeleteItem(ctx context.Context, item op.Item) (Result, error) {
	if item.Text == "" {
		return Result{}, lerrors.NewSchemaError("text", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(ctx, op.NewItemOp(op.KindDelete, item))
}

// ReplaceList swaps the whole list wholesale. Compatibility path for
// frontends that sync full snapshots instead of single mutations.
func (s *Store) ReplaceList(ctx context.Context, items []op.Item) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(ctx, op.NewBatchListOp(items))
}

// AppendAddWriter admits another writer to the group. Only the admission
// flow calls this, after the candidate's key has been validated.
func (s *Store) AppendAddWriter(ctx context.Context, writerHex string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(ctx, op.NewAddWriterOp(writerHex))
}

// Seed populates a brand-new writable group with the onboarding items.
// No-op unless the list is empty.
func (s *Store) Seed(ctx context.Context) error {
	if s.engine.Len() > 0 {
		return nil
	}
	// Seed in reverse so the first hint ends up at the head of the list.
	for i := len(defaultItems) - 1; i >= 0; i-- {
		if _, _, err := s.AddItem(ctx, defaultItems[i]); err != nil {
			return err
		}
	}
	s.logger.Info().Int("items", len(defaultItems)).Msg("seeded onboarding items")
	return nil
}

// commit builds the envelope, appends it to the local log, verifies the
// flush, and folds it into the engine. Caller holds s.mu.
func (s *Store) commit(ctx context.Context, operation op.Operation) (Result, error) {
	if !s.writable.Load() {
		return Result{}, lerrors.ErrNotWritable
	}

	env := &op.Envelope{
		Deps: op.DepsFromVector(s.engine.Delivered(), s.log.Writer()),
		HLC:  s.clock.Now(),
		Op:   operation,
	}
	seq, err := s.log.Append(env)
	if err != nil {
		return Result{}, err
	}

	durable := s.verifyFlush(ctx, seq)
	if s.metrics != nil {
		s.metrics.OpsAppended.WithLabelValues(string(operation.Kind)).Inc()
	}

	// Local echo. The record is committed at this point; engine and
	// listeners see it in the same form peers will.
	s.engine.ApplyBatch([]*op.Envelope{env})
	for _, fn := range s.listeners {
		fn(env)
	}
	return Result{Seq: seq, Durable: durable}, nil
}

// verifyFlush syncs the log and confirms the new record is readable back.
// A failed verification is a warning, never a rollback: the append already
// happened and will replicate from memory.
func (s *Store) verifyFlush(ctx context.Context, seq uint64) bool {
	err := retry.Do(ctx, s.retryCfg, func(context.Context) error {
		if !s.log.FlushAndVerify(seq + 1) {
			return lerrors.ErrStorageFault
		}
		return nil
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.FlushFailures.Inc()
		}
		s.logger.Warn().Uint64("seq", seq).Msg("flush verification came back short, record kept")
		return false
	}
	return true
}
