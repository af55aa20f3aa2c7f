package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lista-sync/lista/internal/config"
	"github.com/lista-sync/lista/internal/health"
	"github.com/lista-sync/lista/internal/keystore"
	"github.com/lista-sync/lista/internal/metrics"
	"github.com/lista-sync/lista/internal/swarm"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:          dir,
		PeerListenAddr:   "127.0.0.1:17481",
		MulticastGroup:   "239.77.42.1:0",
		AnnounceInterval: time.Second,
		PairingTimeout:   time.Second,
	}
	keys, err := keystore.New(filepath.Join(dir, "keys"), zerolog.Nop())
	require.NoError(t, err)

	session := swarm.NewSession(cfg, keys, nil, zerolog.Nop())
	require.NoError(t, session.Initialize(context.Background()))
	t.Cleanup(func() { session.Close() })

	checker := health.NewChecker(zerolog.Nop())
	checker.Register("storage", func(context.Context) health.Status { return health.StatusOK })

	return NewServer(":0", session, checker, metrics.New(), zerolog.Nop())
}

func TestProbes(t *testing.T) {
	s := newServer(t)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	s := newServer(t)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/status", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Len(t, status.GroupKey, 64)
	assert.Len(t, status.Writer, 64)
	assert.True(t, status.Writable)
	assert.Equal(t, 3, status.Items, "fresh group carries the onboarding items")
	assert.Zero(t, status.Peers)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
