package discovery

import (
	"context"
	"time"

	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/meshd-io/meshd/pkg/routing"
	"github.com/meshd-io/meshd/pkg/sender"
	"github.com/sirupsen/logrus"
)

// Advertiser periodically pushes this node's link-state view to every
// neighbor, and runs the gateway peer-exchange loop when the node is a
// gateway.
type Advertiser struct {
	nodeID   string
	nodeIP   func() string
	router   *routing.Router
	sender   *sender.Sender
	interval time.Duration
	gwEvery  time.Duration
}

// NewAdvertiser builds an Advertiser.
func NewAdvertiser(nodeID string, nodeIP func() string, router *routing.Router, snd *sender.Sender) *Advertiser {
	return &Advertiser{
		nodeID:   nodeID,
		nodeIP:   nodeIP,
		router:   router,
		sender:   snd,
		interval: config.BroadcastInterval,
		gwEvery:  config.GatewayBroadcastInterval,
	}
}

// Run advertises on every broadcast interval and cleans stale routes after
// each cycle, until the context is done.
func (a *Advertiser) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Broadcast()
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Stopped routing advertiser")
			return
		case <-ticker.C:
			a.Broadcast()
			if retired := a.router.CleanupStaleRoutes(); retired > 0 {
				logrus.Infof("Retired %d stale routes", retired)
			}
		}
	}
}

// Broadcast sends one routing advertisement to every neighbor.
func (a *Advertiser) Broadcast() {
	linkState, seq := a.router.LinkState()
	p := packet.NewRouting(a.nodeID, a.nodeIP(), linkState, seq, config.MaxTTL)
	a.sender.SendRouting(p)
}

// RunGateway shares the neighbor list with every other known gateway on
// the gateway interval. The loop idles while gateway mode is off, so the
// panel can toggle it at runtime.
func (a *Advertiser) RunGateway(ctx context.Context) {
	ticker := time.NewTicker(a.gwEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Stopped gateway advertiser")
			return
		case <-ticker.C:
			if !a.router.GatewayMode() {
				continue
			}
			a.ShareGatewayPeers()
		}
	}
}

// ShareGatewayPeers sends one gateway_update carrying the current neighbor
// list to every fresh gateway route.
func (a *Advertiser) ShareGatewayPeers() {
	gateways := a.router.GatewayPeerIPs()
	if len(gateways) == 0 {
		return
	}
	logrus.Infof("Sharing peer list with %d other gateways", len(gateways))
	p := packet.NewGatewayUpdate(a.nodeID, a.nodeIP(), a.router.Neighbors(), config.MaxTTL)
	for _, ip := range gateways {
		a.sender.SendGatewayUpdate(ip, p)
	}
}
