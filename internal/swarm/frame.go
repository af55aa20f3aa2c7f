// Package swarm connects replicas of one list group: LAN discovery over UDP
// multicast, websocket replication links sealed with the group's encryption
// key, and the pairing endpoint candidates knock on. Session ties the pieces
// to the log store and merge engine and owns their lifecycle.
package swarm

import (
	"encoding/json"
	"fmt"

	"github.com/lista-sync/lista/internal/admission"
	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/op"
)

// Replication message types.
const (
	msgHello     = "hello"
	msgEnvelopes = "envelopes"
)

// message is one replication frame's plaintext. Hello opens a link and
// repairs gaps: it carries the sender's per-writer log lengths, and the
// receiver streams back everything the sender is missing.
type message struct {
	Type      string            `json:"type"`
	Topic     string            `json:"topic,omitempty"`  // hex, hello only
	Writer    string            `json:"writer,omitempty"` // sender's writer key, hello only
	Lens      map[string]uint64 `json:"lens,omitempty"`   // hello only
	Envelopes []*op.Envelope    `json:"envelopes,omitempty"`
}

// sealFrame encrypts a replication message for the wire. Frames are opaque
// to anyone without the group's encryption key.
func sealFrame(key *[32]byte, msg *message) ([]byte, error) {
	plain, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return admission.SealBox(key, plain), nil
}

// openFrame decrypts and decodes a replication frame.
func openFrame(key *[32]byte, frame []byte) (*message, error) {
	plain, ok := admission.OpenBox(key, frame)
	if !ok {
		return nil, fmt.Errorf("%w: frame failed to authenticate", lerrors.ErrSchemaInvalid)
	}
	var msg message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return nil, fmt.Errorf("%w: frame payload is not valid JSON", lerrors.ErrSchemaInvalid)
	}
	return &msg, nil
}
