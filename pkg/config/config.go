// Package config holds the node runtime configuration and the persisted
// state in mesh_config.json.
package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Protocol constants. These are shared by every node on the mesh; changing
// them changes the wire behavior.
const (
	DefaultPort = 5000
	BufferSize  = 4096
	ChunkSize   = 8192
	MaxTTL      = 3

	RoutingTimeout           = 60 * time.Second
	BroadcastInterval        = 10 * time.Second
	DiscoveryInterval        = 30 * time.Second
	GatewayBroadcastInterval = 20 * time.Second

	MessageCacheSize = 100
	FileCacheSize    = 5

	// StateFile is the persisted node state, kept in the data dir.
	StateFile = "mesh_config.json"
)

// Node is the resolved runtime configuration handed to every component.
type Node struct {
	NodeID      string
	NodeIP      string
	Port        int
	APIListen   string
	DataDir     string
	DownloadDir string
	Passphrase  string
	GatewayMode bool
	KnownPeers  []string
	Debug       bool
}

// State is the on-disk shape of mesh_config.json. Key names are part of the
// mesh deployment surface and must not change.
type State struct {
	MyID          string   `json:"MY_ID"`
	KnownPeers    []string `json:"KNOWN_PEERS"`
	IsHotspotHost bool     `json:"IS_HOTSPOT_HOST"`
}

// DefaultDownloadDir returns $HOME/MeshDownloads.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "MeshDownloads")
}

// TempDir returns the temp artifact directory under the download dir.
func (c *Node) TempDir() string {
	return filepath.Join(c.DownloadDir, "temp")
}

// StatePath returns the location of mesh_config.json for this node.
func (c *Node) StatePath() string {
	return filepath.Join(c.DataDir, StateFile)
}

// NewNodeID generates a fresh 8-hex-character node identity.
func NewNodeID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// LoadState reads mesh_config.json from the given path. A missing file is
// not an error; the zero State is returned.
func LoadState(path string) (*State, error) {
	state := &State{}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return state, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if err := json.Unmarshal(b, state); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return state, nil
}

// SaveState writes mesh_config.json atomically: temp file in the same
// directory, then rename.
func SaveState(path string, state *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), StateFile+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ResolveIdentity fills NodeID and KnownPeers from the persisted state,
// generating and saving a new identity on first boot.
func (c *Node) ResolveIdentity() error {
	state, err := LoadState(c.StatePath())
	if err != nil {
		return err
	}
	if c.NodeID == "" {
		c.NodeID = state.MyID
	}
	if c.NodeID == "" {
		c.NodeID = NewNodeID()
		logrus.Infof("Generated new node id %s", c.NodeID)
	}
	var merged []string
	seen := map[string]bool{}
	for _, ip := range append(state.KnownPeers, c.KnownPeers...) {
		if net.ParseIP(ip) == nil || seen[ip] {
			continue
		}
		seen[ip] = true
		merged = append(merged, ip)
	}
	c.KnownPeers = merged
	if !c.GatewayMode {
		c.GatewayMode = state.IsHotspotHost
	}
	return c.SyncState()
}

// SyncState persists the current identity, peer list and gateway flag.
func (c *Node) SyncState() error {
	return SaveState(c.StatePath(), &State{
		MyID:          c.NodeID,
		KnownPeers:    c.KnownPeers,
		IsHotspotHost: c.GatewayMode,
	})
}

// DetectNodeIP finds the node's primary IPv4 address. The UDP dial never
// sends a packet; it only forces the kernel to pick a source address.
func DetectNodeIP() string {
	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err == nil {
		addr := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		if !addr.IP.IsLoopback() {
			return addr.IP.String()
		}
	}
	ip, err := firstGlobalUnicast()
	if err != nil {
		logrus.Warn(errors.Wrap(err, "unable to detect node IP, falling back to loopback"))
		return "127.0.0.1"
	}
	return ip
}

func firstGlobalUnicast() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		if ipnet.IP.IsGlobalUnicast() {
			return ipnet.IP.String(), nil
		}
	}
	return "", errors.New("no IPv4 global unicast address found")
}
