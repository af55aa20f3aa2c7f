package swarm

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lista-sync/lista/lru"
)

// announcement is the clear-text beacon sent to the LAN multicast group.
// It names the rendezvous topic, never the group key, so bystanders learn
// nothing beyond "some group with this topic exists here".
type announcement struct {
	Topic    string `json:"topic"` // hex
	Addr     string `json:"addr"`  // host:port of the /replicate listener
	Instance string `json:"instance"`
}

// discovery finds replication peers two ways: UDP multicast beacons on the
// local network, and the static peer list from configuration. Found
// addresses are deduplicated through an LRU so a steady beacon stream does
// not re-dial a live peer; Forget reopens an address after its link drops.
type discovery struct {
	topic    []byte
	selfAddr string
	instance string
	group    *net.UDPAddr
	static   []string
	interval time.Duration
	seen     *lru.Cache[string, struct{}]
	found    chan string
	logger   zerolog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	sender *net.UDPConn
	done   chan struct{}
}

func newDiscovery(topic []byte, selfAddr, multicastGroup string, static []string, interval time.Duration, logger zerolog.Logger) (*discovery, error) {
	group, err := net.ResolveUDPAddr("udp4", multicastGroup)
	if err != nil {
		return nil, err
	}
	return &discovery{
		topic:    topic,
		selfAddr: selfAddr,
		instance: uuid.NewString(),
		group:    group,
		static:   static,
		interval: interval,
		seen:     lru.New[string, struct{}](256),
		found:    make(chan string, 16),
		logger:   logger.With().Str("component", "discovery").Logger(),
	}, nil
}

// Found delivers peer addresses worth dialing.
func (d *discovery) Found() <-chan string { return d.found }

// Forget reopens an address for discovery after its connection dropped.
func (d *discovery) Forget(addr string) {
	d.seen.Delete(addr)
}

// Start emits the static peers and joins the multicast group. Environments
// without multicast (containers, some CI runners) degrade to static peers
// only instead of failing.
func (d *discovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return nil
	}
	d.done = make(chan struct{})

	for _, addr := range d.static {
		d.emit(addr)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, d.group)
	if err != nil {
		d.logger.Warn().Err(err).Msg("multicast unavailable, static peers only")
		return nil
	}
	sender, err := net.DialUDP("udp4", nil, d.group)
	if err != nil {
		conn.Close()
		d.logger.Warn().Err(err).Msg("multicast unavailable, static peers only")
		return nil
	}
	d.conn = conn
	d.sender = sender

	go d.announceLoop(d.done, sender)
	go d.listenLoop(conn)
	d.logger.Info().Str("group", d.group.String()).Msg("discovery started")
	return nil
}

// Stop leaves the multicast group and stops both loops.
func (d *discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		return
	}
	close(d.done)
	if d.conn != nil {
		d.conn.Close()
	}
	if d.sender != nil {
		d.sender.Close()
	}
	d.conn = nil
	d.sender = nil
	d.done = nil
}

func (d *discovery) announceLoop(done chan struct{}, sender *net.UDPConn) {
	beacon, err := json.Marshal(announcement{
		Topic:    hex.EncodeToString(d.topic),
		Addr:     d.selfAddr,
		Instance: d.instance,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to encode beacon")
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := sender.Write(beacon); err != nil {
			d.logger.Debug().Err(err).Msg("beacon send failed")
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (d *discovery) listenLoop(conn *net.UDPConn) {
	want := hex.EncodeToString(d.topic)
	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // closed by Stop
		}
		var a announcement
		if err := json.Unmarshal(buf[:n], &a); err != nil {
			continue
		}
		if a.Topic != want || a.Instance == d.instance {
			continue
		}
		addr := a.Addr
		if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
			// The peer listens on all interfaces; reach it via the
			// beacon's source address.
			addr = net.JoinHostPort(src.IP.String(), port)
		}
		d.emit(addr)
	}
}

func (d *discovery) emit(addr string) {
	if addr == "" || addr == d.selfAddr {
		return
	}
	if _, dup := d.seen.Get(addr); dup {
		return
	}
	d.seen.Put(addr, struct{}{})
	select {
	case d.found <- addr:
		d.logger.Debug().Str("addr", addr).Msg("peer discovered")
	default:
		// Dial queue full; the next beacon will retry.
		d.seen.Delete(addr)
	}
}
