// Package server owns the inbound half of the node: the TCP listener, the
// frame/stream demultiplexer, and the per-type packet handlers.
package server

import (
	"encoding/base64"
	"net"
	"strconv"
	"time"

	"github.com/meshd-io/meshd/pkg/cache"
	"github.com/meshd-io/meshd/pkg/codec"
	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/meshd-io/meshd/pkg/routing"
	"github.com/sirupsen/logrus"
)

const gatewayProbeTimeout = 2 * time.Second

// Dispatcher is the outbound seam handed to the handler by the node. It
// keeps the handler from depending on the sender package directly.
type Dispatcher interface {
	// Forward relays a packet that is not (only) for this node.
	Forward(p *packet.Packet, receivedFrom string) bool
	// Deliver hands an inbound message or broadcast addressed to this
	// node to the history log and the panel event stream.
	Deliver(p *packet.Packet)
	// FileCompleted announces a finished inbound file transfer.
	FileCompleted(fileID, path string)
}

// Handler dispatches decoded packets by type.
type Handler struct {
	nodeID     string
	nodeIP     func() string
	port       int
	router     *routing.Router
	messages   *cache.MessageCache
	files      *cache.FileCache
	codec      *codec.Codec
	dispatcher Dispatcher

	// probe is swapped out by tests.
	probe func(addr string, timeout time.Duration) error
}

// NewHandler builds a Handler.
func NewHandler(nodeID string, nodeIP func() string, port int, router *routing.Router,
	messages *cache.MessageCache, files *cache.FileCache, frameCodec *codec.Codec, dispatcher Dispatcher) *Handler {
	return &Handler{
		nodeID:     nodeID,
		nodeIP:     nodeIP,
		port:       port,
		router:     router,
		messages:   messages,
		files:      files,
		codec:      frameCodec,
		dispatcher: dispatcher,
		probe: func(addr string, timeout time.Duration) error {
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// HandlePacket processes one decoded inbound packet from srcIP. Any frame
// from an IP marks it as a neighbor until it is explicitly evicted.
func (h *Handler) HandlePacket(p *packet.Packet, srcIP string) {
	if p.Src == h.nodeID {
		return
	}
	h.router.AddNeighbor(srcIP)

	switch p.Type {
	case packet.TypeRouting:
		h.handleRouting(p, srcIP)
	case packet.TypeMessage:
		h.handleMessage(p, srcIP)
	case packet.TypeBroadcast:
		h.handleBroadcast(p, srcIP)
	case packet.TypeFileInfo:
		h.handleFileInfo(p, srcIP)
	case packet.TypeFileChunk:
		h.handleFileChunk(p, srcIP)
	case packet.TypeGatewayUpdate:
		h.handleGatewayUpdate(p, srcIP)
	default:
		logrus.Warnf("Unknown packet type %q from %s", p.Type, srcIP)
	}
}

func (h *Handler) handleRouting(p *packet.Packet, srcIP string) {
	h.router.UpdateLinkState(p.Src, srcIP, p.LinkState, p.Seq, p.TTL)
}

func (h *Handler) handleMessage(p *packet.Packet, srcIP string) {
	if !h.messages.Add(p.ID, p) {
		logrus.Debugf("Ignoring duplicate message %s", p.ID)
		return
	}
	if p.Dst == h.nodeID || p.Dst == "ALL" {
		logrus.Infof("Received message from %s: %s", p.Src, p.Content)
		h.dispatcher.Deliver(p)
		return
	}
	h.dispatcher.Forward(p, srcIP)
}

func (h *Handler) handleBroadcast(p *packet.Packet, srcIP string) {
	if !h.messages.Add(p.ID, p) {
		logrus.Debugf("Ignoring duplicate broadcast %s", p.ID)
		return
	}
	logrus.Infof("Received broadcast from %s: %s", p.Src, p.Content)
	h.dispatcher.Deliver(p)
	h.dispatcher.Forward(p, srcIP)
}

func (h *Handler) handleFileInfo(p *packet.Packet, srcIP string) {
	if p.Dst != h.nodeID {
		h.dispatcher.Forward(p, srcIP)
		return
	}
	h.files.Init(p.ID, p.Filename, p.Filesize, p.TotalChunks, p.Src, srcIP)
	logrus.Infof("Receiving file %s from %s (%d bytes, %d chunks)", p.Filename, p.Src, p.Filesize, p.TotalChunks)
}

func (h *Handler) handleFileChunk(p *packet.Packet, srcIP string) {
	if p.Dst != h.nodeID {
		h.dispatcher.Forward(p, srcIP)
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		logrus.Errorf("Undecodable chunk %d for file %s: %v", p.ChunkIndex, p.FileID, err)
		return
	}
	complete, err := h.files.AddChunk(p.FileID, p.ChunkIndex, data, p.TotalChunks, p.Filename)
	if err != nil {
		// Invalid indices are dropped; the transfer may still complete.
		return
	}
	if !complete {
		return
	}
	path, err := h.files.Save(p.FileID)
	if err != nil {
		logrus.Errorf("Failed to save file %s: %v", p.FileID, err)
		return
	}
	h.dispatcher.FileCompleted(p.FileID, path)
}

// handleGatewayUpdate merges a peer gateway's neighbor list. Each unknown
// peer is probed before joining the neighbor set.
func (h *Handler) handleGatewayUpdate(p *packet.Packet, srcIP string) {
	state := map[string]packet.LinkStateEntry{
		p.Src: {IsGateway: p.IsGateway},
	}
	h.router.UpdateLinkState(p.Src, srcIP, state, 0, 2)
	logrus.Infof("Received gateway update from %s with %d peers", p.Src, len(p.Peers))

	for _, peer := range p.Peers {
		if peer == h.nodeIP() || h.router.IsNeighbor(peer) {
			continue
		}
		addr := net.JoinHostPort(peer, strconv.Itoa(h.port))
		if err := h.probe(addr, gatewayProbeTimeout); err != nil {
			logrus.Warnf("Could not reach peer %s from gateway update: %v", peer, err)
			continue
		}
		h.router.AddNeighbor(peer)
	}
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
