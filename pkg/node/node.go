// Package node assembles the mesh node: it owns every component, wires
// them through explicit collaborators, and implements both the Dispatcher
// seam the packet handler uses and the NodeAPI the panel consumes.
package node

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/meshd-io/meshd/pkg/api"
	"github.com/meshd-io/meshd/pkg/cache"
	"github.com/meshd-io/meshd/pkg/codec"
	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/discovery"
	"github.com/meshd-io/meshd/pkg/metrics"
	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/meshd-io/meshd/pkg/routing"
	"github.com/meshd-io/meshd/pkg/sender"
	"github.com/meshd-io/meshd/pkg/server"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	gcSchedule     = "@every 15m"
	messageMaxAge  = time.Hour
	fileMaxAge     = 3 * time.Hour
	historyEntries = 500
)

// Node is the running mesh node.
type Node struct {
	cfg *config.Node

	router     *routing.Router
	messages   *cache.MessageCache
	files      *cache.FileCache
	codec      *codec.Codec
	sender     *sender.Sender
	handler    *server.Handler
	listener   *server.Listener
	scanner    *discovery.Scanner
	advertiser *discovery.Advertiser
	apiServer  *api.Server
	history    *History
	events     *api.Hub
	gc         *cron.Cron
}

// New assembles a Node from resolved configuration.
func New(cfg *config.Node) *Node {
	nodeIP := func() string { return cfg.NodeIP }

	n := &Node{
		cfg:      cfg,
		codec:    codec.New(cfg.Passphrase),
		router:   routing.New(cfg.NodeID, nodeIP, cfg.GatewayMode),
		messages: cache.NewMessageCache(config.MessageCacheSize),
		files:    cache.NewFileCache(config.FileCacheSize, cfg.DownloadDir),
		history:  NewHistory(historyEntries),
		events:   api.NewHub(),
		gc:       cron.New(),
	}
	n.sender = sender.New(cfg.NodeID, nodeIP, cfg.Port, n.router, n.codec, n)
	n.handler = server.NewHandler(cfg.NodeID, nodeIP, cfg.Port, n.router, n.messages, n.files, n.codec, n)
	n.listener = server.NewListener(n.handler)
	n.advertiser = discovery.NewAdvertiser(cfg.NodeID, nodeIP, n.router, n.sender)
	n.scanner = discovery.NewScanner(n.router, nodeIP, cfg.Port, n.advertiser.Broadcast)
	n.apiServer = api.NewServer(cfg.APIListen, n, n.events)

	for _, ip := range cfg.KnownPeers {
		n.router.AddNeighbor(ip)
	}
	return n
}

// Run starts every long-lived task and blocks until the context is done.
func (n *Node) Run(ctx context.Context) error {
	logrus.Infof("Starting mesh node %s at %s, port %d, gateway=%v",
		n.cfg.NodeID, n.cfg.NodeIP, n.cfg.Port, n.cfg.GatewayMode)

	if err := os.MkdirAll(n.cfg.TempDir(), 0755); err != nil {
		return errors.Wrap(err, "failed to create download directories")
	}
	if err := n.listener.Listen(ctx, n.cfg.Port); err != nil {
		return err
	}
	metrics.MustRegister(prometheus.DefaultRegisterer)

	go n.listener.Serve(ctx)
	go n.advertiser.Run(ctx)
	go n.advertiser.RunGateway(ctx)
	go n.scanner.Run(ctx)
	go func() {
		if err := n.apiServer.Run(ctx); err != nil {
			logrus.Errorf("Panel API server failed: %v", err)
		}
	}()

	n.gc.AddFunc(gcSchedule, n.collectGarbage)
	n.gc.Start()
	defer n.gc.Stop()

	<-ctx.Done()
	logrus.Info("Mesh node shutting down")
	return nil
}

func (n *Node) collectGarbage() {
	if removed := n.messages.EvictOlderThan(messageMaxAge); removed > 0 {
		logrus.Infof("Evicted %d old cached messages", removed)
	}
	if removed := n.files.EvictOlderThan(fileMaxAge); removed > 0 {
		logrus.Infof("Evicted %d stalled file transfers", removed)
	}
}

// --- server.Dispatcher ---

// Forward relays a packet through the sender.
func (n *Node) Forward(p *packet.Packet, receivedFrom string) bool {
	return n.sender.Forward(p, receivedFrom)
}

// Deliver records an inbound message for this node and pushes it to the
// panel event stream.
func (n *Node) Deliver(p *packet.Packet) {
	dst := p.Dst
	if p.Type == packet.TypeBroadcast {
		dst = "ALL"
	}
	n.history.Add(api.HistoryEntry{
		Time:      time.Now(),
		Direction: "received",
		Src:       p.Src,
		Dst:       dst,
		Content:   p.Content,
		Kind:      p.MessageType,
	})
	n.events.Broadcast(api.Event{
		Type:    "message",
		Time:    time.Now(),
		Src:     p.Src,
		Dst:     dst,
		Content: p.Content,
		Kind:    p.MessageType,
	})
}

// FileCompleted announces a finished inbound transfer to the panel.
func (n *Node) FileCompleted(fileID, path string) {
	n.events.Broadcast(api.Event{
		Type:     "file",
		Time:     time.Now(),
		FileID:   fileID,
		FilePath: path,
	})
}

// --- sender.Recorder ---

// LogOutbound records originated traffic in the message history.
func (n *Node) LogOutbound(p *packet.Packet) {
	dst := p.Dst
	if p.Type == packet.TypeBroadcast {
		dst = "ALL"
	}
	n.history.Add(api.HistoryEntry{
		Time:      time.Now(),
		Direction: "sent",
		Src:       p.Src,
		Dst:       dst,
		Content:   p.Content,
		Kind:      p.MessageType,
	})
}

// --- api.NodeAPI ---

// SendUnicast sends a text message to dstID.
func (n *Node) SendUnicast(dstID, content string) error {
	return n.sender.SendUnicast(dstID, content, "text")
}

// SendBroadcast sends a text message to every reachable node.
func (n *Node) SendBroadcast(content string) error {
	return n.sender.SendBroadcast(content, "text")
}

// SendFile transfers a local file to dstID.
func (n *Node) SendFile(ctx context.Context, dstID, path string) error {
	return n.sender.SendFile(ctx, dstID, path)
}

// ActiveRoutes lists the fresh routes.
func (n *Node) ActiveRoutes() []routing.RouteView {
	return n.router.ActiveRoutes()
}

// PendingFiles lists the in-flight inbound transfers.
func (n *Node) PendingFiles() map[string]cache.Progress {
	return n.files.Pending()
}

// Neighbors lists the direct neighbor IPs.
func (n *Node) Neighbors() []string {
	return n.router.Neighbors()
}

// MessageHistory returns the conversation log.
func (n *Node) MessageHistory() []api.HistoryEntry {
	return n.history.List()
}

// RequestDiscovery triggers an immediate subnet sweep.
func (n *Node) RequestDiscovery() {
	go n.scanner.Sweep(context.Background())
}

// RequestRoutingBroadcast triggers an immediate advertisement.
func (n *Node) RequestRoutingBroadcast() {
	go n.advertiser.Broadcast()
}

// AddPeerManual adds a peer IP supplied by the operator, persists it, and
// announces ourselves to it.
func (n *Node) AddPeerManual(ip string) error {
	if net.ParseIP(ip) == nil {
		return errors.Errorf("invalid peer address %q", ip)
	}
	n.router.AddNeighbor(ip)
	if !containsString(n.cfg.KnownPeers, ip) {
		n.cfg.KnownPeers = append(n.cfg.KnownPeers, ip)
	}
	if err := n.cfg.SyncState(); err != nil {
		return err
	}
	go n.advertiser.Broadcast()
	return nil
}

// SetGatewayMode flips hotspot-host behavior at runtime and persists it.
func (n *Node) SetGatewayMode(on bool) error {
	n.router.SetGatewayMode(on)
	n.cfg.GatewayMode = on
	logrus.Infof("Gateway mode set to %v", on)
	return n.cfg.SyncState()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
