// Package op defines the operations appended to writer logs and the signed
// envelope that carries them between replicas.
package op

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	lerrors "github.com/lista-sync/lista/internal/errors"
)

// Kind discriminates operation payloads.
type Kind string

const (
	KindAdd       Kind = "add"
	KindUpdate    Kind = "update"
	KindDelete    Kind = "delete"
	KindAddWriter Kind = "add-writer"
	// KindBatchList replaces the whole list wholesale. Compatibility path,
	// not the primary mutation path.
	KindBatchList Kind = "list"
)

// Key sizes, all raw bytes before hex encoding.
const (
	WriterKeySize     = 32 // ed25519 public key
	GroupKeySize      = 32
	EncryptionKeySize = 32
)

// Item is one list entry. Field names match the original mobile wire format;
// CreatedAt travels as "timestamp".
type Item struct {
	ID               string  `json:"id"`
	Text             string  `json:"text"`
	IsDone           bool    `json:"isDone"`
	ListID           *string `json:"listId"`
	TimeOfCompletion int64   `json:"timeOfCompletion"` // ms epoch, 0 = not completed
	UpdatedAt        int64   `json:"updatedAt"`
	CreatedAt        int64   `json:"timestamp"`
}

// Operation is the atomic unit appended to a writer's log.
// The Value payload is kind-dependent: a single item for add/update/delete,
// an item slice for list, nothing for add-writer.
type Operation struct {
	Kind         Kind            `json:"type"`
	Value        json.RawMessage `json:"value,omitempty"`
	WriterKeyHex string          `json:"key,omitempty"`
}

// NewItemOp builds an add/update/delete operation carrying one item.
func NewItemOp(kind Kind, item Item) Operation {
	raw, _ := json.Marshal(item)
	return Operation{Kind: kind, Value: raw}
}

// NewBatchListOp builds a wholesale list replacement operation.
func NewBatchListOp(items []Item) Operation {
	raw, _ := json.Marshal(items)
	return Operation{Kind: KindBatchList, Value: raw}
}

// NewAddWriterOp builds a writer-admission operation.
func NewAddWriterOp(writerKeyHex string) Operation {
	return Operation{Kind: KindAddWriter, WriterKeyHex: writerKeyHex}
}

// DecodeItem validates the operation payload against the item schema and
// decodes it. Validation matches the original backend: value must be an
// object with text string, isDone bool, timeOfCompletion number.
func (o Operation) DecodeItem() (Item, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(o.Value, &probe); err != nil {
		return Item{}, lerrors.NewSchemaError("value", "must be an object")
	}
	if !rawIsString(probe["text"]) {
		return Item{}, lerrors.NewSchemaError("text", "must be a string")
	}
	if !rawIsBool(probe["isDone"]) {
		return Item{}, lerrors.NewSchemaError("isDone", "must be a bool")
	}
	if !rawIsNumber(probe["timeOfCompletion"]) {
		return Item{}, lerrors.NewSchemaError("timeOfCompletion", "must be a number")
	}
	var item Item
	if err := json.Unmarshal(o.Value, &item); err != nil {
		return Item{}, lerrors.NewSchemaError("value", "does not decode as an item")
	}
	return item, nil
}

// DecodeItems validates and decodes a batch-list payload.
func (o Operation) DecodeItems() ([]Item, error) {
	var items []Item
	if err := json.Unmarshal(o.Value, &items); err != nil {
		return nil, lerrors.NewSchemaError("value", "must be an item array")
	}
	return items, nil
}

// DecodeWriterKey validates an add-writer payload and returns the raw key.
func (o Operation) DecodeWriterKey() ([]byte, error) {
	key, err := hex.DecodeString(o.WriterKeyHex)
	if err != nil {
		return nil, lerrors.NewSchemaError("key", "must be hex")
	}
	if len(key) != WriterKeySize {
		return nil, lerrors.NewSchemaError("key", "must decode to 32 bytes")
	}
	return key, nil
}

func rawIsString(raw json.RawMessage) bool {
	var s string
	return raw != nil && json.Unmarshal(raw, &s) == nil
}

func rawIsBool(raw json.RawMessage) bool {
	var b bool
	return raw != nil && json.Unmarshal(raw, &b) == nil
}

func rawIsNumber(raw json.RawMessage) bool {
	var f float64
	return raw != nil && json.Unmarshal(raw, &f) == nil
}

// Clock issues millisecond timestamps that are strictly monotonic on this
// device even when the wall clock stalls or steps backwards. Stamps
// envelopes and item update times.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// Now returns the next timestamp.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
