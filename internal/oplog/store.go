// Package oplog stores the append-only per-writer operation logs on disk.
//
// One badger DB holds every writer log of the current group: the local
// writer's own log plus replicated copies of remote ones. Records are
// immutable once appended and each writer's sequence is gap-free, so a
// length counter per writer fully describes what a replica holds.
package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/op"
)

// formatVersion guards against opening a store written by an incompatible
// build. A mismatch is treated as corruption.
const formatVersion byte = 1

var (
	keyFormat    = []byte("fmt")
	prefixLog    = []byte("log/")
	prefixLen    = []byte("len/")
	prefixSide   = []byte("side/")
	keySideCount = []byte("side-len")
)

// Store owns the badger DB for one replication session.
type Store struct {
	db     *badger.DB
	dir    string
	logger zerolog.Logger
}

// Open opens (or creates) the log store at dir. A database that cannot be
// opened or that carries an unknown format marker fails with ErrCorruption
// so the session can run its wipe-and-recreate recovery.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open log store %s: %w: %v", dir, lerrors.ErrCorruption, err)
	}

	s := &Store{db: db, dir: dir, logger: logger.With().Str("component", "oplog").Logger()}
	if err := s.checkFormat(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkFormat() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFormat)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(keyFormat, []byte{formatVersion})
		}
		if err != nil {
			return fmt.Errorf("read format marker: %w: %v", lerrors.ErrCorruption, err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil || len(val) != 1 || val[0] != formatVersion {
			return fmt.Errorf("log store format mismatch: %w", lerrors.ErrCorruption)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// Wipe deletes a log store directory. Only ever pointed at this device's own
// replica storage.
func Wipe(dir string) error {
	return os.RemoveAll(dir)
}

func logKey(writer string, seq uint64) []byte {
	key := make([]byte, 0, len(prefixLog)+len(writer)+1+8)
	key = append(key, prefixLog...)
	key = append(key, writer...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func lenKey(writer string) []byte {
	return append(append([]byte{}, prefixLen...), writer...)
}

// Length returns how many envelopes we hold for the given writer.
func (s *Store) Length(writer string) (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lenKey(writer))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil || len(val) != 8 {
			return fmt.Errorf("length record for %s: %w", writer, lerrors.ErrCorruption)
		}
		n = binary.BigEndian.Uint64(val)
		return nil
	})
	return n, err
}

// Read returns the envelope at the given position of a writer's log.
func (s *Store) Read(writer string, seq uint64) (*op.Envelope, error) {
	var env *op.Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(logKey(writer, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("position %d of %s: %w", seq, writer, lerrors.ErrOutOfRange)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		env, err = op.Decode(val)
		return err
	})
	return env, err
}

// ReadRange returns envelopes [from, to) of a writer's log.
func (s *Store) ReadRange(writer string, from, to uint64) ([]*op.Envelope, error) {
	envs := make([]*op.Envelope, 0, to-from)
	for seq := from; seq < to; seq++ {
		env, err := s.Read(writer, seq)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// append writes one envelope at the tail of its writer's log. The caller is
// responsible for seq being the current length.
func (s *Store) append(env *op.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		cur, err := lengthTxn(txn, env.Writer)
		if err != nil {
			return err
		}
		if env.Seq != cur {
			return fmt.Errorf("append at %d, log length %d: %w", env.Seq, cur, lerrors.ErrOutOfRange)
		}
		if err := txn.Set(logKey(env.Writer, env.Seq), data); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], cur+1)
		return txn.Set(lenKey(env.Writer), buf[:])
	})
}

func lengthTxn(txn *badger.Txn, writer string) (uint64, error) {
	item, err := txn.Get(lenKey(writer))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil || len(val) != 8 {
		return 0, fmt.Errorf("length record for %s: %w", writer, lerrors.ErrCorruption)
	}
	return binary.BigEndian.Uint64(val), nil
}

// AppendRemote stores a replicated envelope from another writer. Envelopes we
// already hold are ignored; a gap means the peer skipped data and the
// envelope is rejected.
func (s *Store) AppendRemote(env *op.Envelope) (bool, error) {
	cur, err := s.Length(env.Writer)
	if err != nil {
		return false, err
	}
	if env.Seq < cur {
		return false, nil // already replicated
	}
	if env.Seq > cur {
		return false, fmt.Errorf("replication gap for %s (have %d, got %d): %w",
			env.Writer, cur, env.Seq, lerrors.ErrOutOfRange)
	}
	if err := s.append(env); err != nil {
		return false, err
	}
	return true, nil
}

// Lengths returns the per-writer log lengths, the replica's delivered vector
// as persisted.
func (s *Store) Lengths() (map[string]uint64, error) {
	lens := make(map[string]uint64)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixLen, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			writer := string(item.Key()[len(prefixLen):])
			val, err := item.ValueCopy(nil)
			if err != nil || len(val) != 8 {
				return fmt.Errorf("length record for %s: %w", writer, lerrors.ErrCorruption)
			}
			lens[writer] = binary.BigEndian.Uint64(val)
		}
		return nil
	})
	return lens, err
}

// All streams every stored envelope, writers in key order and each writer's
// log in sequence order, so a rebuild sees the same stream every time.
func (s *Store) All() ([]*op.Envelope, error) {
	lens, err := s.Lengths()
	if err != nil {
		return nil, err
	}
	writers := make([]string, 0, len(lens))
	for writer := range lens {
		writers = append(writers, writer)
	}
	sort.Strings(writers)
	var envs []*op.Envelope
	for _, writer := range writers {
		batch, err := s.ReadRange(writer, 0, lens[writer])
		if err != nil {
			return nil, err
		}
		envs = append(envs, batch...)
	}
	return envs, nil
}

// AppendSide stores an envelope with an unrecognized operation kind in the
// unindexed side log. Forward compatibility only; never read back into the
// materialized list.
func (s *Store) AppendSide(env *op.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var n uint64
		item, err := txn.Get(keySideCount)
		if err == nil {
			val, verr := item.ValueCopy(nil)
			if verr == nil && len(val) == 8 {
				n = binary.BigEndian.Uint64(val)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], n)
		key := append(append([]byte{}, prefixSide...), seqBuf[:]...)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], n+1)
		return txn.Set(keySideCount, lenBuf[:])
	})
}

// Sync forces all pending writes to durable storage.
func (s *Store) Sync() error {
	return s.db.Sync()
}
