// Package merge folds writer-log envelopes into the materialized list.
//
// Envelopes arrive in causal order per writer (the oplog enforces gap-free
// sequences) but with no total order across concurrent writers. The engine
// parks anything whose dependencies have not been delivered yet and folds
// ready envelopes in delivery order, so the result for a given delivery
// order does not depend on how the envelopes were batched. Conflicts
// between genuinely concurrent operations resolve last-delivered-wins;
// that is the documented policy, not an accident. Incremental apply and
// rebuild-from-scratch share the one fold path, so replaying a log from
// position 0 always reproduces the incrementally maintained state.
package merge

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lista-sync/lista/internal/metrics"
	"github.com/lista-sync/lista/internal/op"
)

// Change describes one applied operation, for listeners that mirror
// item-level changes to the UI.
type Change struct {
	Kind op.Kind
	Item *op.Item // nil for batch-list replacement
}

// Listener is invoked after every successful fold. At-least-once, no
// batching guarantee.
type Listener func(Change)

// Engine is the deterministic apply state machine for one log group.
type Engine struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	genesis   string
	writers   map[string]bool   // admitted writer set
	delivered map[string]uint64 // writer -> envelopes folded
	pending   []*op.Envelope
	items     []op.Item // head = most recently added
	side      func(*op.Envelope)
	listeners []Listener
}

// New creates an engine trusting the group's genesis writer. Additional
// writers are admitted only through add-writer operations in the causal
// stream. side, when non-nil, receives envelopes with unrecognized kinds.
func New(genesisWriter string, m *metrics.Metrics, side func(*op.Envelope), logger zerolog.Logger) *Engine {
	return &Engine{
		logger:    logger.With().Str("component", "merge").Logger(),
		metrics:   m,
		genesis:   genesisWriter,
		writers:   map[string]bool{genesisWriter: true},
		delivered: make(map[string]uint64),
		side:      side,
	}
}

// OnChange registers a fold listener.
func (e *Engine) OnChange(fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Delivered returns a copy of the delivered vector. Used as the dependency
// set for locally authored envelopes.
func (e *Engine) Delivered() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	vector := make(map[string]uint64, len(e.delivered))
	for w, n := range e.delivered {
		vector[w] = n
	}
	return vector
}

// IsAdmitted reports whether a writer is part of the group.
func (e *Engine) IsAdmitted(writer string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writers[writer]
}

// Writers returns the admitted writer set.
func (e *Engine) Writers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	writers := make([]string, 0, len(e.writers))
	for w := range e.writers {
		writers = append(writers, w)
	}
	sort.Strings(writers)
	return writers
}

// Len returns the current materialized item count.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Snapshot returns the list in display order: active items first
// (most-recent-add first), completed items after, each group keeping its
// fold order.
func (e *Engine) Snapshot() []op.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]op.Item, 0, len(e.items))
	for _, item := range e.items {
		if !item.IsDone {
			out = append(out, item)
		}
	}
	for _, item := range e.items {
		if item.IsDone {
			out = append(out, item)
		}
	}
	return out
}

// ApplyBatch ingests newly visible envelopes and folds everything that is
// deliverable. Returns how many envelopes were folded (including previously
// parked ones that became ready). Invalid envelopes are dropped without
// aborting the batch.
func (e *Engine) ApplyBatch(envs []*op.Envelope) int {
	e.mu.Lock()
	changes, applied := e.ingest(envs)
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range listeners {
			fn(ch)
		}
	}
	return applied
}

// Rebuild resets the materialized state and replays the given envelopes from
// scratch. Yields a state identical to incremental folding of the same
// envelopes.
func (e *Engine) Rebuild(envs []*op.Envelope) int {
	e.mu.Lock()
	e.writers = map[string]bool{e.genesis: true}
	e.delivered = make(map[string]uint64)
	e.pending = nil
	e.items = nil
	changes, applied := e.ingest(envs)
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range listeners {
			fn(ch)
		}
	}
	return applied
}

func (e *Engine) ingest(envs []*op.Envelope) ([]Change, int) {
	for _, env := range envs {
		if env == nil {
			continue
		}
		e.pending = append(e.pending, env)
	}
	return e.drain()
}

// drain folds the first deliverable envelope in queue order and rescans
// from the front until nothing is ready, so parked envelopes are folded at
// their original delivery position the moment their dependencies land.
func (e *Engine) drain() ([]Change, int) {
	var changes []Change
	applied := 0
	for {
		idx := -1
		for i, env := range e.pending {
			if e.deliverable(env) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return changes, applied
		}
		env := e.pending[idx]
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		e.delivered[env.Writer]++
		applied++
		if ch, ok := e.apply(env); ok {
			changes = append(changes, ch)
		}
	}
}

func (e *Engine) deliverable(env *op.Envelope) bool {
	if !e.writers[env.Writer] {
		return false
	}
	if e.delivered[env.Writer] != env.Seq {
		return false
	}
	for _, dep := range env.Deps {
		if e.delivered[dep.Writer] < dep.Len {
			return false
		}
	}
	return true
}

// apply folds one envelope. Schema violations drop the operation, log and
// continue; they never unwind the batch.
func (e *Engine) apply(env *op.Envelope) (Change, bool) {
	switch env.Op.Kind {
	case op.KindAddWriter:
		if _, err := env.Op.DecodeWriterKey(); err != nil {
			e.dropped(env, err)
			return Change{}, false
		}
		if !e.writers[env.Op.WriterKeyHex] {
			e.writers[env.Op.WriterKeyHex] = true
			e.logger.Info().Str("writer", env.Op.WriterKeyHex).Msg("admitted writer")
		}
		e.applied(env)
		return Change{Kind: op.KindAddWriter}, true

	case op.KindAdd:
		item, err := env.Op.DecodeItem()
		if err != nil {
			e.dropped(env, err)
			return Change{}, false
		}
		// Last-applied-wins dedup on text, new entry at the head.
		e.removeByText(item.Text)
		e.items = append([]op.Item{item}, e.items...)
		e.applied(env)
		return Change{Kind: op.KindAdd, Item: &item}, true

	case op.KindUpdate:
		item, err := env.Op.DecodeItem()
		if err != nil {
			e.dropped(env, err)
			return Change{}, false
		}
		// In-place replacement; an update for an absent item is a no-op so
		// out-of-order add/update pairs stay harmless.
		for i := range e.items {
			if e.items[i].Text == item.Text {
				e.items[i] = item
				e.applied(env)
				return Change{Kind: op.KindUpdate, Item: &item}, true
			}
		}
		e.applied(env)
		return Change{}, false

	case op.KindDelete:
		item, err := env.Op.DecodeItem()
		if err != nil {
			e.dropped(env, err)
			return Change{}, false
		}
		e.removeByText(item.Text)
		e.applied(env)
		return Change{Kind: op.KindDelete, Item: &item}, true

	case op.KindBatchList:
		items, err := env.Op.DecodeItems()
		if err != nil {
			e.dropped(env, err)
			return Change{}, false
		}
		e.items = items
		e.applied(env)
		return Change{Kind: op.KindBatchList}, true

	default:
		// Unknown kinds go to the side log verbatim for forward
		// compatibility and never touch the list.
		if e.side != nil {
			e.side(env)
		}
		e.logger.Debug().Str("kind", string(env.Op.Kind)).Msg("unrecognized operation kind, side-logged")
		return Change{}, false
	}
}

func (e *Engine) removeByText(text string) {
	kept := e.items[:0]
	for _, item := range e.items {
		if item.Text != text {
			kept = append(kept, item)
		}
	}
	e.items = kept
}

func (e *Engine) applied(env *op.Envelope) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(string(env.Op.Kind)).Inc()
		e.metrics.ItemsCurrent.Set(float64(len(e.items)))
	}
}

func (e *Engine) dropped(env *op.Envelope, err error) {
	e.logger.Warn().Err(err).Str("writer", env.Writer).Uint64("seq", env.Seq).
		Str("kind", string(env.Op.Kind)).Msg("dropped invalid operation")
	if e.metrics != nil {
		e.metrics.OpsDropped.WithLabelValues("schema").Inc()
	}
}
