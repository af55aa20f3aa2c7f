// Package config loads listad configuration from environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DataDir     string `envconfig:"LISTA_DATA_DIR" default:"./data"`

	// Peer networking
	PeerListenAddr string `envconfig:"LISTA_PEER_ADDR" default:":7420"`
	// Comma-separated static peer addresses (host:port), dialed in addition
	// to multicast discovery. For networks where multicast is filtered.
	StaticPeers      string        `envconfig:"LISTA_STATIC_PEERS"`
	MulticastGroup   string        `envconfig:"LISTA_MCAST_GROUP" default:"239.77.42.1:7421"`
	AnnounceInterval time.Duration `envconfig:"LISTA_ANNOUNCE_INTERVAL" default:"3s"`

	// Pairing
	PairingTimeout time.Duration `envconfig:"LISTA_PAIRING_TIMEOUT" default:"120s"`

	// Frontend bridge (local UI process connects here)
	BridgeListenAddr string `envconfig:"LISTA_BRIDGE_ADDR" default:"127.0.0.1:7422"`

	// Observability
	HTTPPort       int    `envconfig:"HTTP_PORT" default:"8080"`
	MgmtListenAddr string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`

	// Optional out-of-band group join at first start: the group key and its
	// encryption key, both hex. Normally the group comes from the key files
	// or an invite; this path is for provisioning read replicas whose keys
	// are distributed some other way.
	JoinGroupKey      string `envconfig:"LISTA_JOIN_GROUP_KEY"`
	JoinEncryptionKey string `envconfig:"LISTA_JOIN_ENC_KEY"`
}

// StaticPeerList returns the parsed list of static peer addresses.
// Returns nil if not configured.
func (c *Config) StaticPeerList() []string {
	if c.StaticPeers == "" {
		return nil
	}
	parts := strings.Split(c.StaticPeers, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// StoragePath returns the replica storage directory under the data dir.
func (c *Config) StoragePath() string {
	return filepath.Join(c.DataDir, "lista-local")
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
