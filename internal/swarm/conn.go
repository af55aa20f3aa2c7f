package swarm

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/liststore"
	"github.com/lista-sync/lista/internal/merge"
	"github.com/lista-sync/lista/internal/op"
	"github.com/lista-sync/lista/internal/oplog"
)

const helloInterval = 15 * time.Second

// peerConn is one live replication link. All frames after the upgrade are
// sealed; a peer that cannot produce an authenticating hello on the right
// topic is disconnected.
type peerConn struct {
	ws     *websocket.Conn
	key    *[32]byte
	addr   string
	logger zerolog.Logger

	writeMu sync.Mutex
	helloed bool // remote hello seen

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeerConn(ws *websocket.Conn, key *[32]byte, addr string, logger zerolog.Logger) *peerConn {
	return &peerConn{
		ws:     ws,
		key:    key,
		addr:   addr,
		logger: logger.With().Str("component", "peer").Str("addr", addr).Logger(),
		closed: make(chan struct{}),
	}
}

// send seals and writes one message. Safe for concurrent use.
func (p *peerConn) send(msg *message) error {
	frame, err := sealFrame(p.key, msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.ws.Close()
	})
}

// replState is the storage and fold surface a link replicates against,
// snapshotted once so a concurrent teardown cannot pull it out from under
// the link's goroutines.
type replState struct {
	st     *oplog.Store
	list   *liststore.Store
	engine *merge.Engine
	topic  string
}

func (s *Session) replSnapshot() (replState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil || s.list == nil || s.engine == nil {
		return replState{}, false
	}
	return replState{
		st:     s.st,
		list:   s.list,
		engine: s.engine,
		topic:  hex.EncodeToString(s.topic),
	}, true
}

// runPeer drives one replication link until it drops: hello handshake, gap
// repair, live envelope exchange. Blocks, so the session runs it on its own
// goroutine.
func (s *Session) runPeer(p *peerConn) {
	rs, ok := s.replSnapshot()
	if !ok {
		p.close()
		return
	}

	s.addConn(p)
	defer func() {
		p.close()
		s.removeConn(p)
	}()

	if err := p.send(helloMessage(rs)); err != nil {
		p.logger.Debug().Err(err).Msg("hello send failed")
		return
	}

	// Periodic hello repairs any gap the live stream missed.
	go func() {
		ticker := time.NewTicker(helloInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.closed:
				return
			case <-ticker.C:
				if err := p.send(helloMessage(rs)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, frame, err := p.ws.ReadMessage()
		if err != nil {
			p.logger.Debug().Err(err).Msg("replication link closed")
			return
		}
		msg, err := openFrame(p.key, frame)
		if err != nil {
			p.logger.Warn().Msg("unreadable frame, dropping link")
			return
		}
		switch msg.Type {
		case msgHello:
			if !s.handleHello(p, rs, msg) {
				return
			}
		case msgEnvelopes:
			if !p.helloed {
				p.logger.Debug().Msg("envelopes before hello ignored")
				continue
			}
			s.handleEnvelopes(p, rs, msg.Envelopes)
		default:
			p.logger.Debug().Str("type", msg.Type).Msg("unknown message type ignored")
		}
	}
}

// helloMessage snapshots local per-writer log lengths.
func helloMessage(rs replState) *message {
	lens, err := rs.st.Lengths()
	if err != nil {
		lens = map[string]uint64{}
	}
	return &message{
		Type:   msgHello,
		Topic:  rs.topic,
		Writer: rs.list.Writer(),
		Lens:   lens,
	}
}

// handleHello verifies topic agreement and streams every record the peer is
// missing. Returns false when the link must drop.
func (s *Session) handleHello(p *peerConn, rs replState, msg *message) bool {
	if msg.Topic != rs.topic {
		p.logger.Warn().Msg("peer is on a different topic, dropping link")
		return false
	}
	p.helloed = true

	lens, err := rs.st.Lengths()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read log lengths")
		return true
	}
	var missing []*op.Envelope
	for writer, have := range lens {
		theirs := msg.Lens[writer]
		if theirs >= have {
			continue
		}
		envs, err := rs.st.ReadRange(writer, theirs, have)
		if err != nil {
			s.logger.Error().Err(err).Str("writer", writer).Msg("failed to read range for peer")
			continue
		}
		missing = append(missing, envs...)
	}
	if len(missing) == 0 {
		return true
	}
	if err := p.send(&message{Type: msgEnvelopes, Envelopes: missing}); err != nil {
		return false
	}
	p.logger.Debug().Int("count", len(missing)).Msg("streamed missing records to peer")
	return true
}

// handleEnvelopes verifies, persists and folds records from a peer, then
// gossips the fresh ones to every other link.
func (s *Session) handleEnvelopes(p *peerConn, rs replState, envs []*op.Envelope) {
	fresh := make([]*op.Envelope, 0, len(envs))
	for _, env := range envs {
		if err := env.Verify(); err != nil {
			p.logger.Warn().Err(err).Msg("rejected envelope with bad signature")
			continue
		}
		appended, err := rs.st.AppendRemote(env)
		if err != nil {
			if errors.Is(err, lerrors.ErrOutOfRange) {
				// Gap in this writer's log; the next hello round repairs it.
				continue
			}
			s.logger.Error().Err(err).Msg("failed to persist remote envelope")
			continue
		}
		if appended {
			fresh = append(fresh, env)
		}
	}
	if len(fresh) == 0 {
		return
	}
	rs.engine.ApplyBatch(fresh)
	s.broadcast(fresh, p)
}

// broadcast sends envelopes to every live link except the source.
func (s *Session) broadcast(envs []*op.Envelope, except *peerConn) {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for c := range s.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	msg := &message{Type: msgEnvelopes, Envelopes: envs}
	for _, c := range conns {
		if err := c.send(msg); err != nil {
			c.logger.Debug().Err(err).Msg("broadcast failed, closing link")
			c.close()
		}
	}
}
