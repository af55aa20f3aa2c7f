package oplog

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lista-sync/lista/internal/op"
)

// WriterLog is the one log this device may append to. Seq assignment and
// signing happen under its lock so concurrent mutators cannot interleave.
type WriterLog struct {
	mu     sync.Mutex
	store  *Store
	priv   ed25519.PrivateKey
	writer string
	logger zerolog.Logger
}

// NewWriterLog binds the local writer identity to the session's log store.
func NewWriterLog(store *Store, priv ed25519.PrivateKey, logger zerolog.Logger) *WriterLog {
	pub := priv.Public().(ed25519.PublicKey)
	return &WriterLog{
		store:  store,
		priv:   priv,
		writer: hex.EncodeToString(pub),
		logger: logger.With().Str("component", "writerlog").Logger(),
	}
}

// Writer returns the hex public key identifying this log.
func (w *WriterLog) Writer() string { return w.writer }

// Append assigns the next sequence number, signs the envelope and persists
// it. Returns the position the envelope was written at.
func (w *WriterLog) Append(env *op.Envelope) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur, err := w.store.Length(w.writer)
	if err != nil {
		return 0, err
	}
	env.Seq = cur
	if err := env.Sign(w.priv); err != nil {
		return 0, err
	}
	if err := w.store.append(env); err != nil {
		return 0, err
	}
	return cur, nil
}

// Length returns the local log's length.
func (w *WriterLog) Length() (uint64, error) {
	return w.store.Length(w.writer)
}

// Read returns the envelope at the given position of the local log.
func (w *WriterLog) Read(seq uint64) (*op.Envelope, error) {
	return w.store.Read(w.writer, seq)
}

// FlushAndVerify forces durable persistence and re-reads the log length.
// Returns false when the post-flush length is still short of expectedMin.
// That is a warning for the caller, not an error: the operation is already
// causally committed.
func (w *WriterLog) FlushAndVerify(expectedMin uint64) bool {
	if err := w.store.Sync(); err != nil {
		w.logger.Error().Err(err).Msg("flush failed")
		return false
	}
	n, err := w.store.Length(w.writer)
	if err != nil {
		w.logger.Error().Err(err).Msg("post-flush length read failed")
		return false
	}
	if n < expectedMin {
		w.logger.Error().Uint64("length", n).Uint64("expected_min", expectedMin).
			Msg("post-flush length mismatch")
		return false
	}
	return true
}
