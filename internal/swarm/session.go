package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lista-sync/lista/internal/admission"
	"github.com/lista-sync/lista/internal/config"
	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/keystore"
	"github.com/lista-sync/lista/internal/liststore"
	"github.com/lista-sync/lista/internal/merge"
	"github.com/lista-sync/lista/internal/metrics"
	"github.com/lista-sync/lista/internal/op"
	"github.com/lista-sync/lista/internal/oplog"
)

// Session owns one replication lifecycle: key material, log store, merge
// engine, peer listener, discovery and the pairing surface. It can be torn
// down and rebuilt (reset-and-rejoin) without restarting the process.
type Session struct {
	cfg     *config.Config
	keys    *keystore.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	sf singleflight.Group

	mu          sync.Mutex
	initialized bool
	st          *oplog.Store
	wl          *oplog.WriterLog
	engine      *merge.Engine
	list        *liststore.Store
	inviter     *admission.Inviter
	disc        *discovery
	listener    net.Listener
	httpSrv     *http.Server
	conns       map[*peerConn]struct{}
	dialCancel  context.CancelFunc
	groupKey    []byte
	encKey      [32]byte
	topic       []byte

	onPeerCount func(int)
	onChange    func(merge.Change)
	onInvite    func(token string)
	onWritable  func(bool)
	onReset     func()
}

// NewSession builds an idle session. Initialize brings it up.
func NewSession(cfg *config.Config, keys *keystore.Store, m *metrics.Metrics, logger zerolog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		keys:    keys,
		metrics: m,
		logger:  logger.With().Str("component", "session").Logger(),
		conns:   make(map[*peerConn]struct{}),
	}
}

// Callback registration. Wire these before Initialize.

func (s *Session) OnPeerCount(fn func(int))       { s.onPeerCount = fn }
func (s *Session) OnChange(fn func(merge.Change)) { s.onChange = fn }
func (s *Session) OnInvite(fn func(string))       { s.onInvite = fn }
func (s *Session) OnWritable(fn func(bool))       { s.onWritable = fn }
func (s *Session) OnReset(fn func())              { s.onReset = fn }

// Initialize brings the session up: loads or mints key material, opens the
// log store, rebuilds the materialized list and joins the swarm. Concurrent
// calls collapse into one; repeat calls on a live session are no-ops.
func (s *Session) Initialize(ctx context.Context) error {
	_, err, _ := s.sf.Do("init", func() (any, error) {
		s.mu.Lock()
		already := s.initialized
		s.mu.Unlock()
		if already {
			return nil, nil
		}
		return nil, s.initialize(ctx)
	})
	return err
}

func (s *Session) initialize(ctx context.Context) error {
	priv, err := s.keys.LoadOrCreateWriterKey()
	if err != nil {
		return err
	}

	groupKey, created, err := s.loadOrCreateGroup(priv)
	if err != nil {
		return err
	}

	st, err := s.openStoreRecovering(&priv, &groupKey, &created)
	if err != nil {
		return err
	}

	encKey, ok := s.keys.LoadEncryptionKey()
	if !ok {
		encKey, err = s.mintEncryptionKey()
		if err != nil {
			st.Close()
			return err
		}
		s.keys.SaveEncryptionKey(encKey)
	}

	wl := oplog.NewWriterLog(st, priv, s.logger)
	genesis := hex.EncodeToString(groupKey)
	engine := merge.New(genesis, s.metrics, func(env *op.Envelope) {
		if err := st.AppendSide(env); err != nil {
			s.logger.Warn().Err(err).Msg("failed to side-log envelope")
		}
	}, s.logger)
	list := liststore.New(wl, engine, s.metrics, s.logger)

	engine.OnChange(func(ch merge.Change) { s.dispatchChange(ch) })
	list.OnAppend(func(env *op.Envelope) { s.broadcast([]*op.Envelope{env}, nil) })

	// Replay the whole log so the materialized list matches disk exactly.
	envs, err := st.All()
	if err != nil {
		st.Close()
		return err
	}
	engine.Rebuild(envs)

	writable := engine.IsAdmitted(wl.Writer())
	list.SetWritable(writable)

	inviter := admission.NewInviter(s.keys, list, groupKey, encKey, s.logger)
	inviter.OnInvite(func(token string) {
		if s.onInvite != nil {
			s.onInvite(token)
		}
	})

	topic := admission.DiscoveryTopic(groupKey)
	disc, err := newDiscovery(topic, s.cfg.PeerListenAddr, s.cfg.MulticastGroup,
		s.cfg.StaticPeerList(), s.cfg.AnnounceInterval, s.logger)
	if err != nil {
		st.Close()
		return err
	}

	dialCtx, dialCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.st = st
	s.wl = wl
	s.engine = engine
	s.list = list
	s.inviter = inviter
	s.disc = disc
	s.dialCancel = dialCancel
	s.groupKey = groupKey
	copy(s.encKey[:], encKey)
	s.topic = topic
	s.initialized = true
	s.mu.Unlock()

	if created && writable {
		if err := list.Seed(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to seed onboarding items")
		}
	}

	if err := s.startListener(s.cfg.PeerListenAddr); err != nil {
		s.teardown()
		return err
	}
	if err := disc.Start(); err != nil {
		s.teardown()
		return err
	}
	go s.dialLoop(dialCtx, disc)

	if s.metrics != nil {
		s.metrics.ItemsCurrent.Set(float64(engine.Len()))
	}
	if s.onWritable != nil {
		s.onWritable(writable)
	}
	s.logger.Info().
		Str("writer", wl.Writer()).
		Str("topic", hex.EncodeToString(topic)).
		Bool("writable", writable).
		Msg("session initialized")
	return nil
}

// loadOrCreateGroup resolves the group key: stored key, the configured join
// key, or a fresh group where this device's writer key is genesis.
func (s *Session) loadOrCreateGroup(priv ed25519.PrivateKey) ([]byte, bool, error) {
	if key, ok := s.keys.LoadGroupKey(); ok {
		return key, false, nil
	}
	if s.cfg.JoinGroupKey != "" {
		key, err := hex.DecodeString(s.cfg.JoinGroupKey)
		if err != nil || len(key) != op.GroupKeySize {
			return nil, false, lerrors.NewSchemaError("join_group_key", "must be 64 hex chars")
		}
		s.keys.SaveGroupKey(key)
		return key, false, nil
	}
	key := []byte(priv.Public().(ed25519.PublicKey))
	s.keys.SaveGroupKey(key)
	s.logger.Info().Str("group", hex.EncodeToString(key)).Msg("created new group")
	return key, true, nil
}

// openStoreRecovering opens the log store, recovering from corruption by
// wiping storage and starting over as a fresh group. The retry happens
// exactly once; a second failure propagates.
func (s *Session) openStoreRecovering(priv *ed25519.PrivateKey, groupKey *[]byte, created *bool) (*oplog.Store, error) {
	st, err := oplog.Open(s.cfg.StoragePath(), s.logger)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, lerrors.ErrCorruption) {
		return nil, err
	}

	s.logger.Error().Err(err).Msg("log storage is corrupt, wiping and starting a fresh group")
	if err := oplog.Wipe(s.cfg.StoragePath()); err != nil {
		return nil, err
	}
	// The old group is unrecoverable without its log; mint a fresh identity
	// so the device comes back as a new group of one.
	s.keys.DeleteGroupKey()
	_, fresh, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	s.keys.SaveWriterKey(fresh)
	*priv = fresh
	*groupKey = []byte(fresh.Public().(ed25519.PublicKey))
	s.keys.SaveGroupKey(*groupKey)
	*created = true
	if s.metrics != nil {
		s.metrics.SessionRebuilds.Inc()
	}
	return oplog.Open(s.cfg.StoragePath(), s.logger)
}

// dialLoop turns discovered addresses into outbound replication links.
func (s *Session) dialLoop(ctx context.Context, disc *discovery) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-disc.Found():
			if !ok {
				return
			}
			go s.dialPeer(ctx, addr)
		}
	}
}

// dispatchChange fans a fold event out to metrics, the writable gate and
// the frontend listener.
func (s *Session) dispatchChange(ch merge.Change) {
	s.mu.Lock()
	engine, list, wl := s.engine, s.list, s.wl
	s.mu.Unlock()
	if engine == nil {
		return
	}

	if s.metrics != nil {
		s.metrics.ItemsCurrent.Set(float64(engine.Len()))
	}
	if ch.Kind == op.KindAddWriter && list != nil && !list.Writable() && engine.IsAdmitted(wl.Writer()) {
		list.SetWritable(true)
		s.logger.Info().Msg("local writer admitted, mutations enabled")
		if s.onWritable != nil {
			s.onWritable(true)
		}
	}
	if s.onChange != nil {
		s.onChange(ch)
	}
}

// CreateInvite returns the pending invite token, minting one if needed.
func (s *Session) CreateInvite() (string, error) {
	s.mu.Lock()
	inviter := s.inviter
	writable := s.list != nil && s.list.Writable()
	s.mu.Unlock()
	if inviter == nil {
		return "", lerrors.ErrNotInitialized
	}
	if !writable {
		return "", lerrors.ErrNotWritable
	}
	return inviter.CreateInvite()
}

// JoinViaInvite redeems an invite token against the swarm. On success the
// session tears down, adopts the granted group and comes back as a member.
// On failure the current group stays untouched. Concurrent join attempts
// collapse into one.
func (s *Session) JoinViaInvite(ctx context.Context, token string) error {
	_, err, _ := s.sf.Do("join", func() (any, error) {
		return nil, s.joinViaInvite(ctx, token)
	})
	return err
}

func (s *Session) joinViaInvite(ctx context.Context, token string) error {
	inv, err := admission.ParseToken(token)
	if err != nil {
		return err
	}
	priv, err := s.keys.LoadOrCreateWriterKey()
	if err != nil {
		return err
	}

	// Rendezvous on the invite's topic, not the current group's.
	disc, err := newDiscovery(inv.Topic, s.cfg.PeerListenAddr, s.cfg.MulticastGroup,
		s.cfg.StaticPeerList(), s.cfg.AnnounceInterval, s.logger)
	if err != nil {
		return err
	}
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()

	candidate := admission.NewCandidate(pairDialer{logger: s.logger}, s.cfg.PairingTimeout, s.logger)
	grant, _, err := candidate.Join(ctx, token, priv.Public().(ed25519.PublicKey), disc.Found())
	if err != nil {
		s.logger.Warn().Err(err).Msg("join via invite failed, keeping current group")
		return err
	}
	return s.ResetAndRejoin(ctx, grant.GroupKey, grant.EncryptionKey)
}

// ResetAndRejoin tears the session down, wipes local log storage, adopts
// the given group keys and initializes again as a member of that group.
func (s *Session) ResetAndRejoin(ctx context.Context, groupKey, encryptionKey []byte) error {
	s.teardown()
	if err := oplog.Wipe(s.cfg.StoragePath()); err != nil {
		return err
	}
	s.keys.SaveGroupKey(groupKey)
	s.keys.SaveEncryptionKey(encryptionKey)
	s.keys.DeleteInvite()
	if s.metrics != nil {
		s.metrics.SessionRebuilds.Inc()
	}
	if s.onReset != nil {
		s.onReset()
	}
	if err := s.initialize(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("rejoined as group member")
	return nil
}

// Close tears the session down for good.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

// teardown unwinds the session in dependency order: pairing surface first,
// then discovery, the peer links and listener, and the store last.
func (s *Session) teardown() {
	s.mu.Lock()
	disc := s.disc
	dialCancel := s.dialCancel
	httpSrv := s.httpSrv
	conns := make([]*peerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	st := s.st
	s.inviter = nil
	s.disc = nil
	s.dialCancel = nil
	s.httpSrv = nil
	s.listener = nil
	s.conns = make(map[*peerConn]struct{})
	s.st = nil
	s.wl = nil
	s.engine = nil
	s.list = nil
	s.initialized = false
	s.mu.Unlock()

	if dialCancel != nil {
		dialCancel()
	}
	if disc != nil {
		disc.Stop()
	}
	for _, c := range conns {
		c.close()
	}
	if httpSrv != nil {
		httpSrv.Close()
	}
	if st != nil {
		if err := st.Close(); err != nil {
			s.logger.Error().Err(err).Msg("failed to close log store")
		}
	}
	if s.metrics != nil {
		s.metrics.PeersConnected.Set(0)
	}
	if s.onPeerCount != nil {
		s.onPeerCount(0)
	}
}

// Accessors used by the peer links and the frontend bridge.

// List exposes the mutation surface, or nil before initialization.
func (s *Session) List() *liststore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

// GroupKeyHex returns the current group key for display and manual joins.
func (s *Session) GroupKeyHex() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hex.EncodeToString(s.groupKey)
}

// PeerCount reports the number of live replication links.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Session) encKeyBox() *[32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.encKey
	return &key
}

func (s *Session) currentInviter() *admission.Inviter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inviter
}

func (s *Session) discoveryForget(addr string) {
	s.mu.Lock()
	disc := s.disc
	s.mu.Unlock()
	if disc != nil {
		disc.Forget(addr)
	}
}

// addConn registers a live link and publishes the new peer count.
func (s *Session) addConn(p *peerConn) {
	s.mu.Lock()
	s.conns[p] = struct{}{}
	count := len(s.conns)
	s.mu.Unlock()
	s.publishPeerCount(count)
}

// removeConn deregisters a link exactly once, so the count never dips below
// zero no matter how a link dies.
func (s *Session) removeConn(p *peerConn) {
	s.mu.Lock()
	if _, ok := s.conns[p]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, p)
	count := len(s.conns)
	addr := p.addr
	s.mu.Unlock()
	s.publishPeerCount(count)
	s.discoveryForget(addr)
}

func (s *Session) publishPeerCount(count int) {
	if s.metrics != nil {
		s.metrics.PeersConnected.Set(float64(count))
	}
	if s.onPeerCount != nil {
		s.onPeerCount(count)
	}
}

// mintEncryptionKey produces the group's symmetric key for a first start:
// the configured out-of-band key when one is provided, fresh randomness
// otherwise.
func (s *Session) mintEncryptionKey() ([]byte, error) {
	if s.cfg.JoinEncryptionKey != "" {
		key, err := hex.DecodeString(s.cfg.JoinEncryptionKey)
		if err != nil || len(key) != op.EncryptionKeySize {
			return nil, lerrors.NewSchemaError("join_enc_key", "must be 64 hex chars")
		}
		return key, nil
	}
	key := make([]byte, op.EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
