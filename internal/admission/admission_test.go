package admission

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/keystore"
	"github.com/lista-sync/lista/internal/liststore"
	"github.com/lista-sync/lista/internal/merge"
	"github.com/lista-sync/lista/internal/oplog"
)

type fixture struct {
	inviter *Inviter
	list    *liststore.Store
	engine  *merge.Engine
	keys    *keystore.Store
	group   []byte
	encKey  []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	st, err := oplog.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	wl := oplog.NewWriterLog(st, priv, logger)
	eng := merge.New(wl.Writer(), nil, nil, logger)
	list := liststore.New(wl, eng, nil, logger)
	list.SetWritable(true)

	keys, err := keystore.New(t.TempDir(), logger)
	require.NoError(t, err)

	group := []byte(pub)
	encKey := make([]byte, 32)
	_, err = rand.Read(encKey)
	require.NoError(t, err)

	return &fixture{
		inviter: NewInviter(keys, list, group, encKey, logger),
		list:    list,
		engine:  eng,
		keys:    keys,
		group:   group,
		encKey:  encKey,
	}
}

func TestToken_RoundTrip(t *testing.T) {
	inv := Invite{
		ID:     make([]byte, InviteIDSize),
		Secret: make([]byte, InviteSecretSize),
		Topic:  DiscoveryTopic([]byte("group")),
	}
	_, err := rand.Read(inv.ID)
	require.NoError(t, err)
	_, err = rand.Read(inv.Secret)
	require.NoError(t, err)

	parsed, err := ParseToken(inv.Token())
	require.NoError(t, err)
	assert.Equal(t, inv.ID, parsed.ID)
	assert.Equal(t, inv.Secret, parsed.Secret)
	assert.Equal(t, inv.Topic, parsed.Topic)
}

func TestToken_RejectsGarbage(t *testing.T) {
	_, err := ParseToken("not a token!")
	assert.ErrorIs(t, err, lerrors.ErrPairingFailed)

	short := Invite{ID: []byte{1}, Secret: []byte{2}, Topic: []byte{3}}
	_, err = ParseToken(short.Token())
	assert.ErrorIs(t, err, lerrors.ErrPairingFailed)
}

func TestDiscoveryTopic_HidesGroupKey(t *testing.T) {
	group := []byte("0123456789abcdef0123456789abcdef")
	topic := DiscoveryTopic(group)
	assert.Len(t, topic, TopicSize)
	assert.NotContains(t, hex.EncodeToString(topic), hex.EncodeToString(group))
	assert.Equal(t, topic, DiscoveryTopic(group))
}

func TestCreateInvite_IdempotentWhilePending(t *testing.T) {
	f := newFixture(t)

	first, err := f.inviter.CreateInvite()
	require.NoError(t, err)
	second, err := f.inviter.CreateInvite()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The pending invite survives in the keystore.
	_, ok := f.keys.LoadInvite()
	assert.True(t, ok)
}

func TestPairExchange_AdmitsWriterAndRollsInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var pushed []string
	f.inviter.OnInvite(func(token string) { pushed = append(pushed, token) })

	token, err := f.inviter.CreateInvite()
	require.NoError(t, err)
	inv, err := ParseToken(token)
	require.NoError(t, err)

	candidatePub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	req, err := NewPairRequest(inv, candidatePub)
	require.NoError(t, err)
	resp, ok := f.inviter.HandlePairRequest(ctx, req)
	require.True(t, ok)

	grant, err := OpenGrant(inv, resp)
	require.NoError(t, err)
	assert.Equal(t, f.group, grant.GroupKey)
	assert.Equal(t, f.encKey, grant.EncryptionKey)

	// The candidate is now an admitted writer.
	assert.True(t, f.engine.IsAdmitted(hex.EncodeToString(candidatePub)))

	// The old invite is gone and a fresh one was pushed.
	require.Len(t, pushed, 1)
	assert.NotEqual(t, token, pushed[0])
	replay, ok := f.inviter.HandlePairRequest(ctx, req)
	assert.False(t, ok, "consumed invite must not redeem twice")
	assert.Empty(t, replay.Box)
}

func TestHandlePairRequest_SilentIgnores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.inviter.CreateInvite()
	require.NoError(t, err)
	inv, err := ParseToken(token)
	require.NoError(t, err)

	candidatePub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	req, err := NewPairRequest(inv, candidatePub)
	require.NoError(t, err)

	// Wrong invite ID.
	bad := req
	bad.InviteID = hex.EncodeToString(make([]byte, InviteIDSize))
	_, ok := f.inviter.HandlePairRequest(ctx, bad)
	assert.False(t, ok)

	// Right ID, wrong secret: box fails to authenticate.
	wrongSecret := inv
	wrongSecret.Secret = make([]byte, InviteSecretSize)
	forged, err := NewPairRequest(wrongSecret, candidatePub)
	require.NoError(t, err)
	_, ok = f.inviter.HandlePairRequest(ctx, forged)
	assert.False(t, ok)

	// The pending invite is untouched by failed knocks.
	again, err := f.inviter.CreateInvite()
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestHandlePairRequest_ExpiredInvite(t *testing.T) {
	f := newFixture(t)
	f.inviter.ttl = -time.Minute

	token, err := f.inviter.CreateInvite()
	require.NoError(t, err)
	inv, err := ParseToken(token)
	require.NoError(t, err)

	candidatePub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	req, err := NewPairRequest(inv, candidatePub)
	require.NoError(t, err)

	_, ok := f.inviter.HandlePairRequest(context.Background(), req)
	assert.False(t, ok)
}

// pairFunc adapts a function to the PairTransport interface.
type pairFunc func(ctx context.Context, addr string, req PairRequest) (PairResponse, error)

func (f pairFunc) Pair(ctx context.Context, addr string, req PairRequest) (PairResponse, error) {
	return f(ctx, addr, req)
}

func TestCandidateJoin_FirstGrantWins(t *testing.T) {
	f := newFixture(t)

	token, err := f.inviter.CreateInvite()
	require.NoError(t, err)

	candidatePub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	transport := pairFunc(func(ctx context.Context, addr string, req PairRequest) (PairResponse, error) {
		if addr == "dead:1" {
			<-ctx.Done()
			return PairResponse{}, ctx.Err()
		}
		resp, ok := f.inviter.HandlePairRequest(ctx, req)
		if !ok {
			return PairResponse{}, lerrors.ErrInviteMismatch
		}
		return resp, nil
	})

	addrs := make(chan string, 2)
	addrs <- "dead:1"
	addrs <- "live:1"

	c := NewCandidate(transport, 5*time.Second, zerolog.Nop())
	grant, topic, err := c.Join(context.Background(), token, candidatePub, addrs)
	require.NoError(t, err)
	assert.Equal(t, f.group, grant.GroupKey)
	assert.Equal(t, DiscoveryTopic(f.group), topic)
}

func TestCandidateJoin_Timeout(t *testing.T) {
	transport := pairFunc(func(ctx context.Context, addr string, req PairRequest) (PairResponse, error) {
		<-ctx.Done()
		return PairResponse{}, ctx.Err()
	})

	inv := Invite{
		ID:     make([]byte, InviteIDSize),
		Secret: make([]byte, InviteSecretSize),
		Topic:  make([]byte, TopicSize),
	}
	candidatePub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	addrs := make(chan string, 1)
	addrs <- "dead:1"

	c := NewCandidate(transport, 50*time.Millisecond, zerolog.Nop())
	_, _, err = c.Join(context.Background(), inv.Token(), candidatePub, addrs)
	assert.ErrorIs(t, err, lerrors.ErrPairingTimeout)
}
