package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeID(t *testing.T) {
	id := NewNodeID()
	assert.Len(t, id, 8)
	assert.NotEqual(t, id, NewNodeID())
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFile)
	want := &State{
		MyID:          "aaaa1111",
		KnownPeers:    []string{"10.0.0.3", "10.0.0.4"},
		IsHotspotHost: true,
	}
	require.NoError(t, SaveState(path, want))

	got, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadStateMissingFile(t *testing.T) {
	got, err := LoadState(filepath.Join(t.TempDir(), "nope", StateFile))
	require.NoError(t, err)
	assert.Empty(t, got.MyID)
}

func TestStateFileKeys(t *testing.T) {
	// The key names are shared with every deployed node; they are part of
	// the wire-adjacent surface and must stay stable.
	path := filepath.Join(t.TempDir(), StateFile)
	require.NoError(t, SaveState(path, &State{MyID: "aaaa1111"}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"MY_ID"`)
	assert.Contains(t, string(b), `"KNOWN_PEERS"`)
	assert.Contains(t, string(b), `"IS_HOTSPOT_HOST"`)
}

func TestResolveIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg := &Node{DataDir: dir, KnownPeers: []string{"10.0.0.9"}}
	require.NoError(t, cfg.ResolveIdentity())
	require.Len(t, cfg.NodeID, 8)

	// A second node over the same data dir keeps the identity and merges
	// peers.
	cfg2 := &Node{DataDir: dir, KnownPeers: []string{"10.0.0.10", "bogus"}}
	require.NoError(t, cfg2.ResolveIdentity())
	assert.Equal(t, cfg.NodeID, cfg2.NodeID)
	assert.ElementsMatch(t, []string{"10.0.0.9", "10.0.0.10"}, cfg2.KnownPeers)
}

func TestResolveIdentityKeepsGatewayFlag(t *testing.T) {
	dir := t.TempDir()
	cfg := &Node{DataDir: dir, GatewayMode: true}
	require.NoError(t, cfg.ResolveIdentity())

	cfg2 := &Node{DataDir: dir}
	require.NoError(t, cfg2.ResolveIdentity())
	assert.True(t, cfg2.GatewayMode)
}
