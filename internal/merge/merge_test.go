package merge

import (
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lista-sync/lista/internal/op"
)

// Writer IDs are hex ed25519 public keys; 64 hex chars keeps add-writer
// payloads valid.
const (
	writerA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa11"
	writerB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb22"
)

func newEngine(genesis string) *Engine {
	return New(genesis, nil, nil, zerolog.Nop())
}

func env(writer string, seq uint64, hlc int64, o op.Operation, deps ...op.Dep) *op.Envelope {
	return &op.Envelope{Writer: writer, Seq: seq, HLC: hlc, Op: o, Deps: deps}
}

func addOp(text string, done bool) op.Operation {
	return op.NewItemOp(op.KindAdd, op.Item{ID: text + "-id", Text: text, IsDone: done})
}

func texts(items []op.Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Text
	}
	return out
}

func TestApply_AddDedupByText(t *testing.T) {
	e := newEngine(writerA)

	second := op.Item{ID: "second", Text: "milk", IsDone: true, TimeOfCompletion: 99}
	applied := e.ApplyBatch([]*op.Envelope{
		env(writerA, 0, 1, addOp("milk", false)),
		env(writerA, 1, 2, op.NewItemOp(op.KindAdd, second)),
	})
	assert.Equal(t, 2, applied)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	// Exactly one survivor carrying the second item's attributes.
	assert.Equal(t, "second", snap[0].ID)
	assert.True(t, snap[0].IsDone)
}

func TestApply_MostRecentAddFirst(t *testing.T) {
	e := newEngine(writerA)
	e.ApplyBatch([]*op.Envelope{
		env(writerA, 0, 1, addOp("bread", false)),
		env(writerA, 1, 2, addOp("milk", false)),
		env(writerA, 2, 3, addOp("eggs", false)),
	})
	assert.Equal(t, []string{"eggs", "milk", "bread"}, texts(e.Snapshot()))
}

func TestApply_CompletedSortAfterActive(t *testing.T) {
	e := newEngine(writerA)
	e.ApplyBatch([]*op.Envelope{
		env(writerA, 0, 1, addOp("bread", true)),
		env(writerA, 1, 2, addOp("milk", false)),
		env(writerA, 2, 3, addOp("eggs", true)),
	})
	assert.Equal(t, []string{"milk", "eggs", "bread"}, texts(e.Snapshot()))
}

func TestApply_UpdateBeforeAddIsNoOp(t *testing.T) {
	e := newEngine(writerA)

	update := op.NewItemOp(op.KindUpdate, op.Item{ID: "u", Text: "eggs", IsDone: true})
	e.ApplyBatch([]*op.Envelope{env(writerA, 0, 1, update)})
	// No phantom entry.
	assert.Empty(t, e.Snapshot())

	e.ApplyBatch([]*op.Envelope{env(writerA, 1, 2, addOp("eggs", false))})
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "eggs", snap[0].Text)
}

func TestApply_UpdatePreservesPosition(t *testing.T) {
	e := newEngine(writerA)
	e.ApplyBatch([]*op.Envelope{
		env(writerA, 0, 1, addOp("bread", false)),
		env(writerA, 1, 2, addOp("milk", false)),
	})
	updated := op.Item{ID: "b2", Text: "bread", IsDone: false, UpdatedAt: 42}
	e.ApplyBatch([]*op.Envelope{env(writerA, 2, 3, op.NewItemOp(op.KindUpdate, updated))})

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "milk", snap[0].Text)
	assert.Equal(t, "bread", snap[1].Text)
	assert.Equal(t, int64(42), snap[1].UpdatedAt)
}

func TestApply_DeleteAbsentIsNoOp(t *testing.T) {
	e := newEngine(writerA)
	e.ApplyBatch([]*op.Envelope{
		env(writerA, 0, 1, op.NewItemOp(op.KindDelete, op.Item{Text: "ghost"})),
		env(writerA, 1, 2, addOp("milk", false)),
		env(writerA, 2, 3, op.NewItemOp(op.KindDelete, op.Item{Text: "milk"})),
	})
	assert.Empty(t, e.Snapshot())
}

func TestApply_BatchListReplacesWholesale(t *testing.T) {
	e := newEngine(writerA)
	e.ApplyBatch([]*op.Envelope{env(writerA, 0, 1, addOp("old", false))})

	batch := op.NewBatchListOp([]op.Item{{Text: "a"}, {Text: "b"}})
	e.ApplyBatch([]*op.Envelope{env(writerA, 1, 2, batch)})
	assert.Equal(t, []string{"a", "b"}, texts(e.Snapshot()))
}

func TestApply_InvalidSchemaDroppedBatchContinues(t *testing.T) {
	e := newEngine(writerA)
	bad := op.Operation{Kind: op.KindAdd, Value: []byte(`{"text":5,"isDone":false,"timeOfCompletion":0}`)}
	applied := e.ApplyBatch([]*op.Envelope{
		env(writerA, 0, 1, bad),
		env(writerA, 1, 2, addOp("milk", false)),
	})
	// Both envelopes are delivered; only the valid one mutates the list.
	assert.Equal(t, 2, applied)
	assert.Equal(t, []string{"milk"}, texts(e.Snapshot()))
}

func TestApply_AddWriterAdmitsParkedOps(t *testing.T) {
	e := newEngine(writerA)

	// B's ops arrive before its admission: parked, not applied.
	applied := e.ApplyBatch([]*op.Envelope{env(writerB, 0, 5, addOp("eggs", false))})
	assert.Equal(t, 0, applied)
	assert.Empty(t, e.Snapshot())

	// Admission unblocks the parked envelope.
	admit := op.NewAddWriterOp(writerB)
	applied = e.ApplyBatch([]*op.Envelope{env(writerA, 0, 1, admit)})
	assert.Equal(t, 2, applied)
	assert.Equal(t, []string{"eggs"}, texts(e.Snapshot()))
	assert.True(t, e.IsAdmitted(writerB))
}

func TestApply_AddWriterInvalidKeyDropped(t *testing.T) {
	e := newEngine(writerA)
	e.ApplyBatch([]*op.Envelope{env(writerA, 0, 1, op.NewAddWriterOp("zz"))})
	assert.Equal(t, []string{writerA}, e.Writers())
}

func TestApply_DepsHoldUntilSatisfied(t *testing.T) {
	e := newEngine(writerA)
	require.True(t, e.IsAdmitted(writerA))
	e.ApplyBatch([]*op.Envelope{env(writerA, 0, 1, op.NewAddWriterOp(writerB))})

	// B's op depends on two envelopes from A; only one delivered so far.
	blocked := env(writerB, 0, 9, addOp("eggs", false), op.Dep{Writer: writerA, Len: 2})
	applied := e.ApplyBatch([]*op.Envelope{blocked})
	assert.Equal(t, 0, applied)

	applied = e.ApplyBatch([]*op.Envelope{env(writerA, 1, 2, addOp("bread", false))})
	assert.Equal(t, 2, applied)
	assert.Equal(t, []string{"eggs", "bread"}, texts(e.Snapshot()))
}

func TestApply_UnknownKindSideLogged(t *testing.T) {
	var side []*op.Envelope
	e := New(writerA, nil, func(env *op.Envelope) { side = append(side, env) }, zerolog.Nop())

	e.ApplyBatch([]*op.Envelope{env(writerA, 0, 1, op.Operation{Kind: "reorder"})})
	assert.Len(t, side, 1)
	assert.Empty(t, e.Snapshot())
}

func TestOnChange_FiresPerAppliedOp(t *testing.T) {
	e := newEngine(writerA)
	var changes []Change
	e.OnChange(func(ch Change) { changes = append(changes, ch) })

	e.ApplyBatch([]*op.Envelope{
		env(writerA, 0, 1, addOp("milk", false)),
		env(writerA, 1, 2, op.NewItemOp(op.KindDelete, op.Item{Text: "milk"})),
	})
	require.Len(t, changes, 2)
	assert.Equal(t, op.KindAdd, changes[0].Kind)
	assert.Equal(t, op.KindDelete, changes[1].Kind)
}

// Replay determinism: for a fixed causal delivery order, any batching of
// the envelopes, including a full rebuild from scratch, produces identical
// materialized state.
func TestDeterminism_BatchingAndRebuild(t *testing.T) {
	ops := []*op.Envelope{
		env(writerA, 0, 1, op.NewAddWriterOp(writerB)),
		env(writerA, 1, 2, addOp("bread", false)),
		env(writerA, 2, 4, addOp("milk", false)),
		env(writerB, 0, 3, addOp("eggs", false), op.Dep{Writer: writerA, Len: 1}),
		env(writerB, 1, 5, op.NewItemOp(op.KindUpdate, op.Item{ID: "m2", Text: "milk", IsDone: true}),
			op.Dep{Writer: writerA, Len: 3}),
		env(writerA, 3, 6, op.NewItemOp(op.KindDelete, op.Item{Text: "bread"})),
	}

	// Several fixed delivery orders, including ones where dependencies force
	// parking (B's envelopes up front).
	orders := [][]int{
		{0, 1, 2, 3, 4, 5},
		{3, 4, 0, 1, 2, 5},
		{0, 3, 1, 4, 2, 5},
		{5, 0, 1, 2, 3, 4},
	}

	rng := rand.New(rand.NewSource(7))
	for oi, order := range orders {
		delivery := make([]*op.Envelope, len(order))
		for i, j := range order {
			delivery[i] = ops[j]
		}

		// Reference: one envelope at a time.
		ref := newEngine(writerA)
		for _, e := range delivery {
			ref.ApplyBatch([]*op.Envelope{e})
		}
		want := ref.Snapshot()

		for trial := 0; trial < 10; trial++ {
			e := newEngine(writerA)
			rest := delivery
			for len(rest) > 0 {
				n := 1 + rng.Intn(len(rest))
				e.ApplyBatch(rest[:n])
				rest = rest[n:]
			}
			assert.Equal(t, want, e.Snapshot(), "order %d trial %d diverged", oi, trial)

			// Rebuilding from the same delivery order matches too.
			rebuilt := e.Rebuild(delivery)
			assert.Equal(t, len(ops), rebuilt)
			assert.Equal(t, want, e.Snapshot())
		}
	}
}
