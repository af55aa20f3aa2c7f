package op

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	lerrors "github.com/lista-sync/lista/internal/errors"
)

// Dep records how much of another writer's log the author had seen when it
// appended an envelope. Deps are kept sorted by writer key so envelope bytes
// are canonical.
type Dep struct {
	Writer string `json:"writer"`
	Len    uint64 `json:"len"`
}

// Envelope is one record of a writer's append-only log. Causal delivery is
// driven by Deps; within those constraints envelopes fold in delivery order,
// and the last delivered mutation of an item wins.
type Envelope struct {
	Writer string    `json:"writer"` // hex ed25519 public key
	Seq    uint64    `json:"seq"`    // position in the writer's own log
	Deps   []Dep     `json:"deps,omitempty"`
	HLC    int64     `json:"hlc"` // ms, monotonic per writer
	Op     Operation `json:"op"`
	Sig    []byte    `json:"sig,omitempty"`
}

// SortDeps normalizes dep order in place.
func SortDeps(deps []Dep) {
	sort.Slice(deps, func(i, j int) bool { return deps[i].Writer < deps[j].Writer })
}

// DepsFromVector converts a delivered-vector into a sorted dep list,
// excluding the author's own log (Seq orders that already).
func DepsFromVector(vector map[string]uint64, self string) []Dep {
	deps := make([]Dep, 0, len(vector))
	for w, n := range vector {
		if w == self || n == 0 {
			continue
		}
		deps = append(deps, Dep{Writer: w, Len: n})
	}
	SortDeps(deps)
	return deps
}

// signingBytes returns the canonical bytes covered by the signature:
// the envelope JSON with Sig omitted and Deps sorted.
func (e *Envelope) signingBytes() ([]byte, error) {
	SortDeps(e.Deps)
	shadow := Envelope{
		Writer: e.Writer,
		Seq:    e.Seq,
		Deps:   e.Deps,
		HLC:    e.HLC,
		Op:     e.Op,
	}
	return json.Marshal(&shadow)
}

// Sign fills in Writer and Sig from the given private key.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("signing envelope: unexpected key type")
	}
	e.Writer = hex.EncodeToString(pub)
	msg, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("signing envelope: %w", err)
	}
	e.Sig = ed25519.Sign(priv, msg)
	return nil
}

// Verify checks the signature against the envelope's writer key.
// Any decoding failure counts as a schema error, not a crash.
func (e *Envelope) Verify() error {
	pub, err := hex.DecodeString(e.Writer)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return lerrors.NewSchemaError("writer", "must be a hex ed25519 key")
	}
	msg, err := e.signingBytes()
	if err != nil {
		return lerrors.NewSchemaError("envelope", "not canonicalizable")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, e.Sig) {
		return lerrors.NewSchemaError("sig", "does not verify")
	}
	return nil
}

// Encode serializes the envelope for storage or the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a stored or received envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, lerrors.NewSchemaError("envelope", "does not decode")
	}
	return &e, nil
}
