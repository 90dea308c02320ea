// Package sender originates and relays mesh traffic: unicast and broadcast
// messages, routing advertisements, and chunked or streamed file transfers.
package sender

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/meshd-io/meshd/pkg/codec"
	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/metrics"
	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/meshd-io/meshd/pkg/routing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoRoute reports that route resolution produced nothing and there are
// no neighbors to flood. It is surfaced to the caller without retries.
var ErrNoRoute = errors.New("no route to destination")

// ErrSendFailed reports that every delivery attempt, including retries,
// failed.
var ErrSendFailed = errors.New("all send attempts failed")

const (
	dialTimeout = 5 * time.Second

	// streamPieceSize is how much of a raw file stream is written per
	// syscall on the direct path.
	streamPieceSize = 8192

	// streamSettle is the pause between announcing a direct transfer and
	// opening the stream connection, giving the receiver time to register
	// the announcement.
	streamSettle = 500 * time.Millisecond
)

// Recorder receives copies of originated traffic for the message history.
type Recorder interface {
	LogOutbound(p *packet.Packet)
}

// Sender owns the outbound half of the node.
type Sender struct {
	nodeID  string
	nodeIP  func() string
	port    int
	router  *routing.Router
	codec   *codec.Codec
	history Recorder

	// dial and sleep are swapped out by tests.
	dial  func(addr string, timeout time.Duration) (net.Conn, error)
	sleep func(d time.Duration)
}

// New builds a Sender.
func New(nodeID string, nodeIP func() string, port int, router *routing.Router, frameCodec *codec.Codec, history Recorder) *Sender {
	return &Sender{
		nodeID:  nodeID,
		nodeIP:  nodeIP,
		port:    port,
		router:  router,
		codec:   frameCodec,
		history: history,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		sleep:   time.Sleep,
	}
}

// SendUnicast originates a message to dstID. With a resolved single hop it
// is sent with two retries; with a flood list bridge-routed IPs are tried
// first, stopping at the first success, then the remaining IPs.
func (s *Sender) SendUnicast(dstID, content, messageType string) error {
	p := packet.NewMessage(s.nodeID, s.nodeIP(), dstID, content, messageType, config.MaxTTL)
	if s.history != nil {
		s.history.LogOutbound(p)
	}
	hop := s.router.NextHop(dstID)
	switch {
	case hop.IsNone():
		return errors.Wrap(ErrNoRoute, dstID)
	case hop.IsDirect():
		logrus.Infof("Sending message to %s via %s", dstID, hop.IP())
		if !s.SendPacket(hop.IP(), p, 2) {
			return errors.Wrapf(ErrSendFailed, "message to %s via %s", dstID, hop.IP())
		}
		return nil
	}

	bridged, rest := s.router.PartitionBridgeIPs(hop.IPs())
	logrus.Infof("No direct route to %s, flooding to %d neighbors", dstID, len(hop.IPs()))
	for _, ip := range bridged {
		if s.SendPacket(ip, p, 2) {
			logrus.Infof("Delivered to %s via bridge neighbor %s", dstID, ip)
			return nil
		}
	}
	delivered := false
	for _, ip := range rest {
		if s.SendPacket(ip, p, 0) {
			delivered = true
		}
	}
	if !delivered {
		return errors.Wrapf(ErrSendFailed, "message to %s", dstID)
	}
	return nil
}

// SendBroadcast originates a broadcast to every neighbor with one retry
// each. It succeeds when at least one delivery lands.
func (s *Sender) SendBroadcast(content, messageType string) error {
	p := packet.NewBroadcast(s.nodeID, s.nodeIP(), content, messageType, config.MaxTTL)
	if s.history != nil {
		s.history.LogOutbound(p)
	}
	neighbors := s.router.Neighbors()
	if len(neighbors) == 0 {
		return errors.Wrap(ErrNoRoute, "no neighbors for broadcast")
	}
	logrus.Infof("Broadcasting message to %d neighbors", len(neighbors))
	delivered := 0
	for _, ip := range neighbors {
		if s.SendPacket(ip, p, 1) {
			delivered++
		}
	}
	if delivered == 0 {
		return errors.Wrap(ErrSendFailed, "broadcast")
	}
	return nil
}

// SendRouting delivers a routing advertisement to every neighbor.
func (s *Sender) SendRouting(p *packet.Packet) {
	for _, ip := range s.router.Neighbors() {
		if !s.SendPacket(ip, p, 0) {
			logrus.Debugf("Routing advertisement to %s failed", ip)
		}
	}
}

// SendGatewayUpdate delivers a gateway_update packet to one gateway peer.
func (s *Sender) SendGatewayUpdate(ip string, p *packet.Packet) bool {
	return s.SendPacket(ip, p, 2)
}

// SendFile transfers the file at path to dstID. Direct neighbors get a raw
// stream attempt first; everything else, and stream failures, use chunked
// frames with per-chunk retries and pacing.
func (s *Sender) SendFile(ctx context.Context, dstID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", path)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	filename := filepath.Base(path)
	filesize := stat.Size()
	totalChunks := int((filesize + config.ChunkSize - 1) / config.ChunkSize)

	info := packet.NewFileInfo(s.nodeID, s.nodeIP(), dstID, filename, filesize, totalChunks, config.MaxTTL)
	fileID := info.ID

	hopIP, err := s.resolveFileHop(dstID)
	if err != nil {
		return err
	}
	logrus.Infof("Sending file %s (%d bytes, %d chunks) to %s via %s", filename, filesize, totalChunks, dstID, hopIP)

	if s.router.IsDirectNeighbor(dstID) {
		if err := s.streamFile(hopIP, info, f); err == nil {
			logrus.Infof("File %s streamed directly to %s", filename, dstID)
			return nil
		} else {
			logrus.Warnf("Direct stream of %s to %s failed, falling back to chunked: %v", filename, dstID, err)
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
	}
	return s.sendChunked(ctx, hopIP, dstID, fileID, info, f, totalChunks)
}

// resolveFileHop picks the single hop used for a whole file transfer,
// preferring bridge-tagged IPs out of a flood result.
func (s *Sender) resolveFileHop(dstID string) (string, error) {
	hop := s.router.NextHop(dstID)
	switch {
	case hop.IsNone():
		return "", errors.Wrap(ErrNoRoute, dstID)
	case hop.IsDirect():
		return hop.IP(), nil
	}
	return s.router.PreferBridgeIP(hop.IPs()), nil
}

// streamFile announces the transfer, then pushes the raw bytes over a
// fresh connection in fixed-size pieces.
func (s *Sender) streamFile(ip string, info *packet.Packet, f *os.File) error {
	if !s.SendPacket(ip, info, 3) {
		return errors.Wrap(ErrSendFailed, "file announcement")
	}
	s.sleep(streamSettle)

	conn, err := s.dial(s.addr(ip), dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(codec.Frame(codec.KindStream, nil)); err != nil {
		return err
	}
	buf := make([]byte, streamPieceSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(dialTimeout))
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// sendChunked pushes the file as base64 chunk frames: the announcement up
// to three times on a three-retry send, then each chunk with up to five
// envelope attempts and linear backoff, paced between chunks.
func (s *Sender) sendChunked(ctx context.Context, ip, dstID, fileID string, info *packet.Packet, f *os.File, totalChunks int) error {
	announced := false
	for attempt := 0; attempt < 3 && !announced; attempt++ {
		announced = s.SendPacket(ip, info, 3)
	}
	if !announced {
		return errors.Wrapf(ErrSendFailed, "file_info for %s", fileID)
	}

	pacing := 50 * time.Millisecond
	if totalChunks > 50 {
		pacing = 100 * time.Millisecond
	}

	buf := make([]byte, config.ChunkSize)
	for index := 0; index < totalChunks; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		chunk := packet.NewFileChunk(s.nodeID, s.nodeIP(), dstID, fileID,
			index, totalChunks, base64.StdEncoding.EncodeToString(buf[:n]), config.MaxTTL)

		delivered := false
		for attempt := 0; attempt < 5 && !delivered; attempt++ {
			if attempt > 0 {
				s.sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
			}
			delivered = s.SendPacket(ip, chunk, 0)
		}
		if !delivered {
			return errors.Wrapf(ErrSendFailed, "chunk %d/%d of %s", index, totalChunks, fileID)
		}
		s.sleep(pacing)
	}
	logrus.Infof("File %s fully sent to %s (%d chunks)", fileID, dstID, totalChunks)
	return nil
}

// Forward relays a packet received from receivedFrom. It returns whether
// the packet went back out.
func (s *Sender) Forward(p *packet.Packet, receivedFrom string) bool {
	if p.Src == s.nodeID {
		metrics.PacketsDropped.WithLabelValues("self_origin").Inc()
		return false
	}
	p.TTL--
	if p.TTL <= 0 {
		metrics.PacketsDropped.WithLabelValues("ttl_expired").Inc()
		logrus.Debugf("Dropping %s packet %s: TTL expired", p.Type, p.ID)
		return false
	}
	p.AppendHop(s.nodeID)

	switch p.Type {
	case packet.TypeMessage:
		return s.forwardUnicast(p, receivedFrom, 2)
	case packet.TypeBroadcast:
		return s.forwardBroadcast(p, receivedFrom)
	case packet.TypeFileInfo, packet.TypeFileChunk:
		return s.forwardFile(p, receivedFrom)
	}
	return false
}

func (s *Sender) forwardUnicast(p *packet.Packet, receivedFrom string, retry int) bool {
	if p.Dst == s.nodeID {
		return false
	}
	if !s.router.ShouldForward(p.ID, p.TTL) {
		metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	hop := s.avoidBackflow(s.router.NextHop(p.Dst), receivedFrom)
	switch {
	case hop.IsNone():
		metrics.PacketsDropped.WithLabelValues("no_route").Inc()
		return false
	case hop.IsDirect():
		if s.SendPacket(hop.IP(), p, retry) {
			metrics.PacketsForwarded.WithLabelValues(string(p.Type)).Inc()
			return true
		}
		return false
	}
	delivered := false
	for _, ip := range hop.IPs() {
		if s.SendPacket(ip, p, retry) {
			delivered = true
		}
	}
	if delivered {
		metrics.PacketsForwarded.WithLabelValues(string(p.Type)).Inc()
	}
	return delivered
}

func (s *Sender) forwardBroadcast(p *packet.Packet, receivedFrom string) bool {
	if !s.router.ShouldForward(p.ID, p.TTL) {
		metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	delivered := false
	for _, ip := range s.router.Neighbors() {
		if ip == receivedFrom {
			continue
		}
		if s.SendPacket(ip, p, 1) {
			delivered = true
		}
	}
	if delivered {
		metrics.PacketsForwarded.WithLabelValues(string(p.Type)).Inc()
	}
	return delivered
}

func (s *Sender) forwardFile(p *packet.Packet, receivedFrom string) bool {
	if p.Dst == s.nodeID {
		return false
	}
	hop := s.avoidBackflow(s.router.NextHop(p.Dst), receivedFrom)
	var ip string
	switch {
	case hop.IsNone():
		metrics.PacketsDropped.WithLabelValues("no_route").Inc()
		return false
	case hop.IsDirect():
		ip = hop.IP()
	default:
		ip = s.router.PreferBridgeIP(hop.IPs())
	}
	if ip == "" {
		metrics.PacketsDropped.WithLabelValues("no_route").Inc()
		return false
	}
	if s.SendPacket(ip, p, 3) {
		metrics.PacketsForwarded.WithLabelValues(string(p.Type)).Inc()
		return true
	}
	return false
}

// avoidBackflow keeps a relay from sending a packet back where it came
// from. A direct hop equal to the origin is replaced by an alternative
// bridge route when one exists.
func (s *Sender) avoidBackflow(hop routing.NextHop, receivedFrom string) routing.NextHop {
	if hop.IsFlood() {
		return hop.Without(receivedFrom)
	}
	if hop.IsDirect() && hop.IP() == receivedFrom {
		alts := s.router.BridgeAltHops(receivedFrom)
		if len(alts) == 0 {
			return routing.NoHop()
		}
		logrus.Infof("Avoiding backflow to %s, using bridge routes %v", receivedFrom, alts)
		return routing.FloodHop(alts)
	}
	return hop
}

// SendPacket encodes p as a frame and delivers it to ip with the given
// retry budget.
func (s *Sender) SendPacket(ip string, p *packet.Packet, retry int) bool {
	framed, err := s.codec.EncodeFramed(p)
	if err != nil {
		logrus.Errorf("Failed to encode %s packet: %v", p.Type, err)
		return false
	}
	return s.sendToPeer(ip, framed, retry)
}

// sendToPeer writes data to a peer, retrying with linear backoff: 1.5 s
// per attempt ordinal, 2 s when the failure was a timeout.
func (s *Sender) sendToPeer(ip string, data []byte, retry int) bool {
	addr := s.addr(ip)
	for attempt := 0; attempt <= retry; attempt++ {
		err := s.writeOnce(addr, data)
		if err == nil {
			return true
		}
		if attempt < retry {
			metrics.SendRetries.Inc()
			backoff := time.Duration(attempt+1) * 1500 * time.Millisecond
			if isTimeout(err) {
				backoff = time.Duration(attempt+1) * 2 * time.Second
			}
			logrus.Warnf("Failed to send to %s, retrying in %s (attempt %d/%d): %v", ip, backoff, attempt+1, retry, err)
			s.sleep(backoff)
		} else {
			logrus.Errorf("Failed to send to %s after %d retries: %v", ip, retry, err)
		}
	}
	return false
}

func (s *Sender) writeOnce(addr string, data []byte) error {
	conn, err := s.dial(addr, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	_, err = conn.Write(data)
	return err
}

func (s *Sender) addr(ip string) string {
	return net.JoinHostPort(ip, strconv.Itoa(s.port))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
