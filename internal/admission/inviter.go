package admission

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/keystore"
	"github.com/lista-sync/lista/internal/liststore"
)

// DefaultInviteTTL bounds how long a minted invite stays redeemable.
const DefaultInviteTTL = 24 * time.Hour

// PairRequest is a candidate's sealed knock. Only a holder of the invite
// secret can produce a box the inviter opens.
type PairRequest struct {
	InviteID string `json:"inviteId"` // hex
	Box      []byte `json:"box"`      // SealBox(pairing key, pairPayload)
}

// PairResponse carries the sealed grant back to the candidate.
type PairResponse struct {
	Box []byte `json:"box"` // SealBox(pairing key, Grant)
}

type pairPayload struct {
	WriterKey string `json:"writerKey"` // hex ed25519 public key
}

// Inviter mints invites for a writable member and answers pairing knocks.
// One invite is pending at a time; redeeming it admits the candidate and
// rolls a fresh invite so the share surface never goes stale.
type Inviter struct {
	mu       sync.Mutex
	keys     *keystore.Store
	list     *liststore.Store
	groupKey []byte
	encKey   []byte
	ttl      time.Duration
	onInvite func(token string)
	logger   zerolog.Logger
}

// NewInviter binds invite handling to the group's key material and the local
// mutation surface.
func NewInviter(keys *keystore.Store, list *liststore.Store, groupKey, encryptionKey []byte, logger zerolog.Logger) *Inviter {
	return &Inviter{
		keys:     keys,
		list:     list,
		groupKey: groupKey,
		encKey:   encryptionKey,
		ttl:      DefaultInviteTTL,
		logger:   logger.With().Str("component", "inviter").Logger(),
	}
}

// OnInvite registers the callback that pushes freshly minted tokens to the
// frontend. Called once during wiring.
func (i *Inviter) OnInvite(fn func(token string)) {
	i.onInvite = fn
}

// CreateInvite returns the pending invite's token, minting one if none is
// pending. Calling it repeatedly without a redemption in between returns the
// same token.
func (i *Inviter) CreateInvite() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pendingOrMintLocked()
}

func (i *Inviter) pendingOrMintLocked() (string, error) {
	if inv, ok := i.keys.LoadInvite(); ok && !expired(inv) {
		id, err1 := hex.DecodeString(inv.ID)
		secret, err2 := hex.DecodeString(inv.Secret)
		if err1 == nil && err2 == nil && len(id) == InviteIDSize && len(secret) == InviteSecretSize {
			return Invite{ID: id, Secret: secret, Topic: DiscoveryTopic(i.groupKey)}.Token(), nil
		}
		i.logger.Warn().Msg("pending invite is malformed, minting a fresh one")
	}
	return i.mintLocked()
}

func (i *Inviter) mintLocked() (string, error) {
	id := make([]byte, InviteIDSize)
	secret := make([]byte, InviteSecretSize)
	if _, err := rand.Read(id); err != nil {
		return "", err
	}
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	i.keys.SaveInvite(keystore.PendingInvite{
		ID:        hex.EncodeToString(id),
		Secret:    hex.EncodeToString(secret),
		ExpiresAt: time.Now().Add(i.ttl).UnixMilli(),
	})
	i.logger.Info().Str("invite", hex.EncodeToString(id)).Msg("minted invite")
	return Invite{ID: id, Secret: secret, Topic: DiscoveryTopic(i.groupKey)}.Token(), nil
}

// HandlePairRequest answers a candidate's knock. Any mismatch with the
// pending invite is silently ignored so probing reveals nothing about what
// is pending; only a cryptographically valid redemption gets a response.
// On success the candidate's writer key is appended to the log, the invite
// is consumed, and a fresh invite token is pushed to the frontend.
func (i *Inviter) HandlePairRequest(ctx context.Context, req PairRequest) (PairResponse, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	inv, ok := i.keys.LoadInvite()
	if !ok || expired(inv) {
		return PairResponse{}, false
	}
	idBytes, err := hex.DecodeString(inv.ID)
	if err != nil {
		return PairResponse{}, false
	}
	reqID, err := hex.DecodeString(req.InviteID)
	if err != nil || subtle.ConstantTimeCompare(idBytes, reqID) != 1 {
		return PairResponse{}, false
	}

	secret, err := hex.DecodeString(inv.Secret)
	if err != nil {
		return PairResponse{}, false
	}
	key := PairingKey(secret)
	plain, ok := OpenBox(key, req.Box)
	if !ok {
		i.logger.Debug().Msg("pair request failed to authenticate, ignoring")
		return PairResponse{}, false
	}
	var payload pairPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return PairResponse{}, false
	}
	writerKey, err := hex.DecodeString(payload.WriterKey)
	if err != nil || len(writerKey) != ed25519.PublicKeySize {
		i.logger.Warn().Msg("pair request carried an invalid writer key")
		return PairResponse{}, false
	}

	if _, err := i.list.AppendAddWriter(ctx, payload.WriterKey); err != nil {
		i.logger.Error().Err(err).Msg("failed to append writer admission")
		return PairResponse{}, false
	}

	grantJSON, err := json.Marshal(Grant{GroupKey: i.groupKey, EncryptionKey: i.encKey})
	if err != nil {
		return PairResponse{}, false
	}
	resp := PairResponse{Box: SealBox(key, grantJSON)}

	// Invite consumed. Roll a fresh one so the share screen always shows a
	// live token.
	i.keys.DeleteInvite()
	token, err := i.mintLocked()
	if err != nil {
		i.logger.Error().Err(err).Msg("failed to mint replacement invite")
	} else if i.onInvite != nil {
		i.onInvite(token)
	}

	i.logger.Info().Str("writer", payload.WriterKey).Msg("admitted writer via invite")
	return resp, true
}

func expired(inv keystore.PendingInvite) bool {
	return inv.ExpiresAt != 0 && time.Now().UnixMilli() > inv.ExpiresAt
}

// NewPairRequest builds the candidate side's knock for the given invite.
func NewPairRequest(inv Invite, writerPub ed25519.PublicKey) (PairRequest, error) {
	payload, err := json.Marshal(pairPayload{WriterKey: hex.EncodeToString(writerPub)})
	if err != nil {
		return PairRequest{}, err
	}
	return PairRequest{
		InviteID: hex.EncodeToString(inv.ID),
		Box:      SealBox(PairingKey(inv.Secret), payload),
	}, nil
}

// OpenGrant unseals and validates the inviter's response on the candidate
// side.
func OpenGrant(inv Invite, resp PairResponse) (Grant, error) {
	plain, ok := OpenBox(PairingKey(inv.Secret), resp.Box)
	if !ok {
		return Grant{}, lerrors.ErrInviteMismatch
	}
	var g Grant
	if err := json.Unmarshal(plain, &g); err != nil {
		return Grant{}, lerrors.ErrPairingFailed
	}
	if err := g.validate(); err != nil {
		return Grant{}, err
	}
	return g, nil
}
