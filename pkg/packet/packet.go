// Package packet defines the on-wire packet variants exchanged between
// mesh nodes. Every packet is one JSON object tagged by its "type" key.
package packet

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type tags a packet variant. The set is closed; decoders reject anything
// outside it.
type Type string

const (
	TypeMessage       Type = "message"
	TypeBroadcast     Type = "broadcast"
	TypeRouting       Type = "routing"
	TypeFileInfo      Type = "file_info"
	TypeFileChunk     Type = "file_chunk"
	TypeGatewayUpdate Type = "gateway_update"
)

// Known reports whether t is a member of the closed variant set.
func (t Type) Known() bool {
	switch t {
	case TypeMessage, TypeBroadcast, TypeRouting, TypeFileInfo, TypeFileChunk, TypeGatewayUpdate:
		return true
	}
	return false
}

// LinkStateEntry is one node's row inside a routing advertisement.
type LinkStateEntry struct {
	IP        string   `json:"ip,omitempty"`
	Seq       uint64   `json:"seq"`
	Neighbors []string `json:"neighbors,omitempty"`
	Bridges   bool     `json:"bridges,omitempty"`
	IsGateway bool     `json:"is_gateway,omitempty"`
	NextHop   string   `json:"next_hop,omitempty"`
}

// Packet is the union of all variants. Fields not used by a variant stay
// zero and are omitted from the wire encoding. Unknown keys on inbound
// packets are ignored.
type Packet struct {
	Type      Type     `json:"type"`
	ID        string   `json:"id,omitempty"`
	Src       string   `json:"src"`
	SrcIP     string   `json:"src_ip,omitempty"`
	Dst       string   `json:"dst,omitempty"`
	TTL       int      `json:"ttl"`
	Timestamp float64  `json:"timestamp"`
	Hops      []string `json:"hops,omitempty"`
	MultiHop  bool     `json:"multi_hop,omitempty"`

	// message / broadcast
	Content     string `json:"content,omitempty"`
	MessageType string `json:"message_type,omitempty"`

	// routing
	LinkState map[string]LinkStateEntry `json:"link_state,omitempty"`
	Seq       uint64                    `json:"seq,omitempty"`

	// file_info / file_chunk
	Filename    string `json:"filename,omitempty"`
	Filesize    int64  `json:"filesize,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	Data        string `json:"data,omitempty"`

	// gateway_update
	IsGateway bool     `json:"is_gateway,omitempty"`
	Peers     []string `json:"peers,omitempty"`
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func base(t Type, src, srcIP string, maxTTL int) Packet {
	return Packet{
		Type:      t,
		ID:        uuid.New().String(),
		Src:       src,
		SrcIP:     srcIP,
		TTL:       maxTTL,
		Timestamp: now(),
	}
}

// NewMessage builds a unicast message packet.
func NewMessage(src, srcIP, dst, content, messageType string, maxTTL int) *Packet {
	p := base(TypeMessage, src, srcIP, maxTTL)
	p.Dst = dst
	p.Content = content
	p.MessageType = messageType
	p.Hops = []string{}
	p.MultiHop = true
	return &p
}

// NewBroadcast builds a broadcast message packet.
func NewBroadcast(src, srcIP, content, messageType string, maxTTL int) *Packet {
	p := base(TypeBroadcast, src, srcIP, maxTTL)
	p.Content = content
	p.MessageType = messageType
	p.Hops = []string{}
	p.MultiHop = true
	return &p
}

// NewRouting builds a routing advertisement carrying the local link-state
// view and the originator's latest sequence number.
func NewRouting(src, srcIP string, linkState map[string]LinkStateEntry, seq uint64, maxTTL int) *Packet {
	p := base(TypeRouting, src, srcIP, maxTTL)
	p.LinkState = linkState
	p.Seq = seq
	return &p
}

// NewFileInfo announces an upcoming file transfer. The packet ID doubles as
// the file id that subsequent chunks reference.
func NewFileInfo(src, srcIP, dst, filename string, filesize int64, totalChunks, maxTTL int) *Packet {
	p := base(TypeFileInfo, src, srcIP, maxTTL)
	p.Dst = dst
	p.Filename = filename
	p.Filesize = filesize
	p.TotalChunks = totalChunks
	p.MultiHop = true
	return &p
}

// NewFileChunk wraps one base64-encoded file chunk.
func NewFileChunk(src, srcIP, dst, fileID string, index, totalChunks int, data string, maxTTL int) *Packet {
	p := base(TypeFileChunk, src, srcIP, maxTTL)
	p.Dst = dst
	p.FileID = fileID
	p.ChunkIndex = index
	p.TotalChunks = totalChunks
	p.Data = data
	p.MultiHop = true
	return &p
}

// NewGatewayUpdate advertises this gateway's neighbor list to a peer
// gateway.
func NewGatewayUpdate(src, srcIP string, peers []string, maxTTL int) *Packet {
	p := base(TypeGatewayUpdate, src, srcIP, maxTTL)
	p.IsGateway = true
	p.Peers = peers
	return &p
}

// Marshal renders the packet as canonical JSON.
func (p *Packet) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal parses a packet and validates its variant.
func Unmarshal(b []byte) (*Packet, error) {
	p := &Packet{}
	if err := json.Unmarshal(b, p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the per-variant required fields.
func (p *Packet) Validate() error {
	if !p.Type.Known() {
		return errors.Errorf("unknown packet type %q", p.Type)
	}
	if p.Src == "" {
		return errors.Errorf("%s packet without src", p.Type)
	}
	switch p.Type {
	case TypeMessage:
		if p.Dst == "" {
			return errors.New("message packet without dst")
		}
	case TypeRouting:
		if p.LinkState == nil {
			return errors.New("routing packet without link_state")
		}
	case TypeFileInfo:
		if p.Dst == "" || p.Filename == "" {
			return errors.New("file_info packet missing dst or filename")
		}
	case TypeFileChunk:
		if p.FileID == "" {
			return errors.New("file_chunk packet without file_id")
		}
		if p.ChunkIndex < 0 || p.TotalChunks <= 0 {
			return errors.Errorf("file_chunk packet with bad chunk bounds %d/%d", p.ChunkIndex, p.TotalChunks)
		}
	}
	return nil
}

// AppendHop records a relay in the packet's hop trace. Duplicate entries
// are dropped to keep the trace loop-free.
func (p *Packet) AppendHop(nodeID string) {
	if !p.MultiHop {
		return
	}
	for _, h := range p.Hops {
		if h == nodeID {
			return
		}
	}
	p.Hops = append(p.Hops, nodeID)
}
