// Package admission implements writer admission: invite tokens minted by a
// member, and the pairing exchange that turns a candidate device into an
// admitted writer holding the group's keys.
package admission

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"

	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/op"
)

const (
	InviteIDSize     = 16
	InviteSecretSize = 32
	TopicSize        = sha256.Size

	tokenRawSize = InviteIDSize + InviteSecretSize + TopicSize
)

// Invite tokens travel out of band (QR code, chat message), so they use the
// z-base-32 alphabet: no padding, no easily confused characters.
var tokenEncoding = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

const topicContext = "lista/discovery/v1"

// DiscoveryTopic derives the swarm rendezvous topic from the group key. The
// derivation is one way, so announcing the topic leaks neither the group key
// nor the encryption key.
func DiscoveryTopic(groupKey []byte) []byte {
	h := sha256.New()
	h.Write([]byte(topicContext))
	h.Write(groupKey)
	return h.Sum(nil)
}

// Invite is the decoded form of an invite token. The secret never goes on
// the wire; both sides derive the pairing key from it.
type Invite struct {
	ID     []byte
	Secret []byte
	Topic  []byte
}

// Token encodes the invite for out-of-band transfer.
func (i Invite) Token() string {
	raw := make([]byte, 0, tokenRawSize)
	raw = append(raw, i.ID...)
	raw = append(raw, i.Secret...)
	raw = append(raw, i.Topic...)
	return tokenEncoding.EncodeToString(raw)
}

// ParseToken decodes and size-checks an invite token.
func ParseToken(token string) (Invite, error) {
	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return Invite{}, fmt.Errorf("%w: malformed invite token", lerrors.ErrPairingFailed)
	}
	if len(raw) != tokenRawSize {
		return Invite{}, fmt.Errorf("%w: invite token has wrong length", lerrors.ErrPairingFailed)
	}
	return Invite{
		ID:     raw[:InviteIDSize],
		Secret: raw[InviteIDSize : InviteIDSize+InviteSecretSize],
		Topic:  raw[InviteIDSize+InviteSecretSize:],
	}, nil
}

// Grant is the payload an inviter hands an admitted candidate.
type Grant struct {
	GroupKey      []byte `json:"groupKey"`
	EncryptionKey []byte `json:"encryptionKey"`
}

func (g Grant) validate() error {
	if len(g.GroupKey) != op.GroupKeySize {
		return fmt.Errorf("%w: grant group key has wrong length", lerrors.ErrPairingFailed)
	}
	if len(g.EncryptionKey) != op.EncryptionKeySize {
		return fmt.Errorf("%w: grant encryption key has wrong length", lerrors.ErrPairingFailed)
	}
	return nil
}
