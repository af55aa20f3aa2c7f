package swarm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lista-sync/lista/internal/admission"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Replication peers are not browsers; frames authenticate themselves.
	CheckOrigin: func(*http.Request) bool { return true },
}

// startListener binds the peer endpoints: /replicate for sealed replication
// links, /pair for candidates knocking with an invite.
func (s *Session) startListener(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/replicate", s.handleReplicate)
	mux.HandleFunc("/pair", s.handlePair)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("peer listener stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("peer listener started")
	return nil
}

func (s *Session) handleReplicate(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go s.runPeer(newPeerConn(ws, s.encKeyBox(), r.RemoteAddr, s.logger))
}

// handlePair answers a single pairing knock per connection. A knock that
// does not redeem the pending invite gets no reply at all; the connection
// just closes.
func (s *Session) handlePair(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var req admission.PairRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	inviter := s.currentInviter()
	if inviter == nil {
		return
	}
	resp, ok := inviter.HandlePairRequest(r.Context(), req)
	if !ok {
		return
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ws.WriteMessage(websocket.TextMessage, out)
}

// dialPeer opens an outbound replication link.
func (s *Session) dialPeer(ctx context.Context, addr string) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/replicate"}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("addr", addr).Msg("peer dial failed")
		s.discoveryForget(addr)
		return
	}
	go s.runPeer(newPeerConn(ws, s.encKeyBox(), addr, s.logger))
}

// pairDialer implements the candidate's pairing transport over /pair.
type pairDialer struct {
	logger zerolog.Logger
}

func (d pairDialer) Pair(ctx context.Context, addr string, req admission.PairRequest) (admission.PairResponse, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/pair"}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return admission.PairResponse{}, err
	}
	defer ws.Close()

	out, err := json.Marshal(req)
	if err != nil {
		return admission.PairResponse{}, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
		return admission.PairResponse{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return admission.PairResponse{}, err
	}
	var resp admission.PairResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return admission.PairResponse{}, err
	}
	return resp, nil
}
