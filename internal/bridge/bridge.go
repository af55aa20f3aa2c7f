// Package bridge is the frontend channel: a localhost websocket the UI
// process connects to. The UI sends named commands (add, update, delete,
// get-key, join-key, request-sync) and receives list state, change events
// and notices pushed by the core.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lista-sync/lista/internal/config"
	lerrors "github.com/lista-sync/lista/internal/errors"
	"github.com/lista-sync/lista/internal/merge"
	"github.com/lista-sync/lista/internal/op"
	"github.com/lista-sync/lista/internal/swarm"
)

// Command and event names on the UI channel. The names match the original
// mobile frontend protocol.
const (
	cmdAdd         = "add"
	cmdUpdate      = "update"
	cmdDelete      = "delete"
	cmdGetKey      = "get-key"
	cmdJoinKey     = "join-key"
	cmdRequestSync = "request-sync"

	evtSyncList       = "sync-list"
	evtAddedBackend   = "added-from-backend"
	evtUpdatedBackend = "updated-from-backend"
	evtDeletedBackend = "deleted-from-backend"
	evtMessage        = "message"
	evtPeers          = "peers"
	evtKey            = "key"
	evtInvite         = "invite"
	evtReset          = "reset"
)

// frame is every message on the UI channel, both directions.
type frame struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

var uiUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bridge binds to loopback; the UI is a local process, not a page
	// served from some origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// uiConn is one connected frontend.
type uiConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *uiConn) send(typ string, value any) error {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		raw = data
	}
	data, err := json.Marshal(frame{Type: typ, Value: raw})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Bridge serves the UI channel and fans session events out to every
// connected frontend.
type Bridge struct {
	cfg     *config.Config
	session *swarm.Session
	logger  zerolog.Logger

	mu      sync.Mutex
	conns   map[*uiConn]struct{}
	httpSrv *http.Server
}

// New builds the bridge and wires it into the session's event callbacks.
// Call before session.Initialize so no event is missed.
func New(cfg *config.Config, session *swarm.Session, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		session: session,
		logger:  logger.With().Str("component", "bridge").Logger(),
		conns:   make(map[*uiConn]struct{}),
	}
	session.OnChange(b.handleChange)
	session.OnPeerCount(func(n int) { b.broadcast(evtPeers, n) })
	session.OnInvite(func(token string) { b.broadcast(evtInvite, token) })
	session.OnReset(func() { b.broadcast(evtReset, nil) })
	session.OnWritable(func(w bool) {
		if !w {
			b.broadcast(evtMessage, "not-writable")
		}
	})
	return b
}

// Start binds the UI endpoint.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", b.cfg.BridgeListenAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ui", b.handleUI)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	b.mu.Lock()
	b.httpSrv = srv
	b.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error().Err(err).Msg("ui listener stopped")
		}
	}()
	b.logger.Info().Str("addr", ln.Addr().String()).Msg("ui bridge started")
	return nil
}

// Close drops every frontend connection and stops the listener.
func (b *Bridge) Close() error {
	b.mu.Lock()
	srv := b.httpSrv
	conns := make([]*uiConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.httpSrv = nil
	b.conns = make(map[*uiConn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (b *Bridge) handleUI(w http.ResponseWriter, r *http.Request) {
	ws, err := uiUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &uiConn{ws: ws}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	// A frontend always starts from the full list.
	b.sendSnapshot(conn)
	conn.send(evtPeers, b.session.PeerCount())

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			conn.send(evtMessage, "malformed command")
			continue
		}
		b.dispatch(r.Context(), conn, f)
	}
}

func (b *Bridge) dispatch(ctx context.Context, conn *uiConn, f frame) {
	list := b.session.List()
	if list == nil {
		conn.send(evtMessage, "not ready")
		return
	}

	switch f.Type {
	case cmdAdd:
		var item op.Item
		if err := json.Unmarshal(f.Value, &item); err != nil {
			conn.send(evtMessage, "malformed item")
			return
		}
		_, _, err := list.AddItem(ctx, item.Text)
		b.reportMutation(conn, err)

	case cmdUpdate:
		var item op.Item
		if err := json.Unmarshal(f.Value, &item); err != nil {
			conn.send(evtMessage, "malformed item")
			return
		}
		_, err := list.UpdateItem(ctx, item)
		b.reportMutation(conn, err)

	case cmdDelete:
		var item op.Item
		if err := json.Unmarshal(f.Value, &item); err != nil {
			conn.send(evtMessage, "malformed item")
			return
		}
		_, err := list.DeleteItem(ctx, item)
		b.reportMutation(conn, err)

	case cmdGetKey:
		// The share screen shows the group key and a live invite token.
		conn.send(evtKey, b.session.GroupKeyHex())
		if token, err := b.session.CreateInvite(); err == nil {
			conn.send(evtInvite, token)
		}

	case cmdJoinKey:
		var token string
		if err := json.Unmarshal(f.Value, &token); err != nil {
			conn.send(evtMessage, "malformed invite token")
			return
		}
		go b.join(token)

	case cmdRequestSync:
		b.sendSnapshot(conn)

	default:
		b.logger.Debug().Str("type", f.Type).Msg("unknown ui command ignored")
	}
}

// join runs an invite redemption off the read loop; joins can take up to
// the pairing timeout.
func (b *Bridge) join(token string) {
	err := b.session.JoinViaInvite(context.Background(), token)
	if err != nil {
		b.logger.Warn().Err(err).Msg("join via invite failed")
		if errors.Is(err, lerrors.ErrPairingTimeout) {
			b.broadcast(evtMessage, "pairing timed out")
		} else {
			b.broadcast(evtMessage, "pairing failed")
		}
		// The previous list is still intact; re-sync so the UI shows it.
		b.broadcastSnapshot()
		return
	}
	b.broadcastSnapshot()
}

func (b *Bridge) reportMutation(conn *uiConn, err error) {
	switch {
	case err == nil:
	case errors.Is(err, lerrors.ErrNotWritable):
		conn.send(evtMessage, "not-writable")
	case errors.Is(err, lerrors.ErrSchemaInvalid):
		conn.send(evtMessage, "invalid item")
	default:
		conn.send(evtMessage, "mutation failed")
	}
}

// handleChange forwards fold events to every frontend. Wholesale list
// replacements arrive as a full re-sync.
func (b *Bridge) handleChange(ch merge.Change) {
	switch ch.Kind {
	case op.KindAdd:
		b.broadcast(evtAddedBackend, ch.Item)
	case op.KindUpdate:
		b.broadcast(evtUpdatedBackend, ch.Item)
	case op.KindDelete:
		b.broadcast(evtDeletedBackend, ch.Item)
	case op.KindBatchList:
		b.broadcastSnapshot()
	}
}

func (b *Bridge) sendSnapshot(conn *uiConn) {
	items := []op.Item{}
	if list := b.session.List(); list != nil {
		items = list.Snapshot()
	}
	conn.send(evtSyncList, items)
}

func (b *Bridge) broadcastSnapshot() {
	items := []op.Item{}
	if list := b.session.List(); list != nil {
		items = list.Snapshot()
	}
	b.broadcast(evtSyncList, items)
}

func (b *Bridge) broadcast(typ string, value any) {
	b.mu.Lock()
	conns := make([]*uiConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.send(typ, value); err != nil {
			b.logger.Debug().Err(err).Msg("ui push failed")
		}
	}
}
