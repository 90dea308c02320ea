// Package routing implements the link-state routing engine: the primary
// and shadow route tables, per-originator sequence tracking, neighbor and
// bridge/gateway classification, and next-hop resolution with fallback.
package routing

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/metrics"
	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/sirupsen/logrus"
)

const (
	// seenLimit bounds the loop-suppression set; past it the oldest 20%
	// are evicted in bulk.
	seenLimit = 1000

	// secondaryGrace extends shadow route validity relative to the
	// primary timeout.
	secondaryGrace = 1.5

	// secondaryRetention is how long shadow routes are kept at all,
	// as a multiple of the routing timeout.
	secondaryRetention = 3
)

// Entry is one row of the routing table. Direct marks entries installed
// from the destination's own advertisement, i.e. one-hop neighbors.
type Entry struct {
	NextHop   string
	TTL       int
	Seq       uint64
	Time      time.Time
	ViaBridge bool
	IsGateway bool
	Direct    bool
}

// RouteView is the panel-facing projection of a fresh route.
type RouteView struct {
	NodeID    string `json:"node_id"`
	NextHop   string `json:"next_hop"`
	TTL       int    `json:"ttl"`
	AgeSec    int    `json:"age"`
	ViaBridge bool   `json:"via_bridge"`
	IsGateway bool   `json:"is_gateway"`
}

// Router owns all routing state behind one lock. External components never
// touch the tables directly.
type Router struct {
	mu sync.Mutex

	nodeID      string
	nodeIP      func() string
	gatewayMode bool

	table     map[string]*Entry
	secondary map[string]*Entry
	seqNums   map[string]uint64
	neighbors map[string]struct{}
	bridges   map[string]struct{}
	gateways  map[string]struct{}

	seenIDs   []string
	seenIndex map[string]struct{}

	timeout time.Duration
	now     func() time.Time
}

// New builds a Router for the given identity. nodeIP is called lazily so
// address changes are picked up between advertisements.
func New(nodeID string, nodeIP func() string, gatewayMode bool) *Router {
	return &Router{
		nodeID:      nodeID,
		nodeIP:      nodeIP,
		gatewayMode: gatewayMode,
		table:       map[string]*Entry{},
		secondary:   map[string]*Entry{},
		seqNums:     map[string]uint64{},
		neighbors:   map[string]struct{}{},
		bridges:     map[string]struct{}{},
		gateways:    map[string]struct{}{},
		seenIndex:   map[string]struct{}{},
		timeout:     config.RoutingTimeout,
		now:         time.Now,
	}
}

// NodeID returns this node's identity.
func (r *Router) NodeID() string {
	return r.nodeID
}

// SetGatewayMode flips whether this node advertises itself as a gateway.
func (r *Router) SetGatewayMode(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gatewayMode = on
}

// GatewayMode reports whether this node advertises itself as a gateway.
func (r *Router) GatewayMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gatewayMode
}

// AddNeighbor records an IP as a direct neighbor. It returns true when the
// neighbor is new.
func (r *Router) AddNeighbor(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addNeighborLocked(ip)
}

func (r *Router) addNeighborLocked(ip string) bool {
	if ip == "" || ip == r.nodeIP() {
		return false
	}
	if _, ok := r.neighbors[ip]; ok {
		return false
	}
	r.neighbors[ip] = struct{}{}
	metrics.NeighborCount.Set(float64(len(r.neighbors)))
	logrus.Infof("New neighbor %s (%d total)", ip, len(r.neighbors))
	return true
}

// RemoveNeighbor explicitly evicts an IP from the neighbor set.
func (r *Router) RemoveNeighbor(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.neighbors[ip]; ok {
		delete(r.neighbors, ip)
		metrics.NeighborCount.Set(float64(len(r.neighbors)))
		logrus.Infof("Evicted neighbor %s", ip)
	}
}

// Neighbors returns the neighbor IPs in stable order.
func (r *Router) Neighbors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.neighborsLocked()
}

func (r *Router) neighborsLocked() []string {
	ips := make([]string, 0, len(r.neighbors))
	for ip := range r.neighbors {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// IsNeighbor reports whether ip is in the neighbor set.
func (r *Router) IsNeighbor(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.neighbors[ip]
	return ok
}

// IsBridge reports whether this node's neighbors span more than one /16
// prefix, making it a bridge between LAN segments.
func (r *Router) IsBridge() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isBridgeLocked()
}

func (r *Router) isBridgeLocked() bool {
	prefixes := map[string]struct{}{}
	for ip := range r.neighbors {
		parts := strings.SplitN(ip, ".", 3)
		if len(parts) < 3 {
			continue
		}
		prefixes[parts[0]+"."+parts[1]] = struct{}{}
	}
	return len(prefixes) > 1
}

// UpdateLinkState applies a routing advertisement from senderID at
// senderIP. It returns true when the advertisement was fresh and the
// tables changed.
func (r *Router) UpdateLinkState(senderID, senderIP string, linkState map[string]packet.LinkStateEntry, seq uint64, ttl int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addNeighborLocked(senderIP)

	senderState, hasSelf := linkState[senderID]
	if (hasSelf && senderState.IsGateway) || r.has(r.gateways, senderID) {
		if !r.has(r.gateways, senderID) {
			logrus.Infof("Node %s identified as a gateway", senderID)
		}
		r.gateways[senderID] = struct{}{}
		if entry, ok := r.table[senderID]; ok {
			entry.IsGateway = true
		}
	}

	// Discard unless strictly newer than the last advertisement applied
	// for this originator.
	if last, ok := r.seqNums[senderID]; ok && seq <= last {
		return false
	}
	r.seqNums[senderID] = seq

	if hasSelf && senderState.Bridges {
		if !r.has(r.bridges, senderID) {
			logrus.Infof("Node %s identified as a bridge between segments", senderID)
		}
		r.bridges[senderID] = struct{}{}
	}

	updated := false
	for node, info := range linkState {
		if node == r.nodeID {
			continue
		}
		newTTL := ttl - 1
		if newTTL <= 0 && node != senderID {
			continue
		}
		current, exists := r.table[node]
		if exists && current.Seq >= info.Seq {
			continue
		}
		if exists {
			r.secondary[node] = current
		}
		r.table[node] = &Entry{
			NextHop:   senderIP,
			TTL:       newTTL,
			Seq:       info.Seq,
			Time:      r.now(),
			ViaBridge: r.has(r.bridges, senderID),
			IsGateway: r.has(r.gateways, senderID),
			Direct:    node == senderID,
		}
		updated = true
		logrus.Debugf("Route to %s via %s (ttl %d, seq %d)", node, senderIP, newTTL, info.Seq)
	}
	r.publishTableSize()
	return updated
}

// LinkState builds this node's advertised view and returns it along with
// the freshly incremented own sequence number.
func (r *Router) LinkState() (map[string]packet.LinkStateEntry, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seqNums[r.nodeID] + 1
	r.seqNums[r.nodeID] = seq

	state := map[string]packet.LinkStateEntry{
		r.nodeID: {
			IP:        r.nodeIP(),
			Seq:       seq,
			Neighbors: r.neighborsLocked(),
			Bridges:   r.isBridgeLocked(),
			IsGateway: r.gatewayMode,
		},
	}
	for node, entry := range r.table {
		if r.fresh(entry, 1) {
			state[node] = packet.LinkStateEntry{
				Seq:       entry.Seq,
				NextHop:   entry.NextHop,
				IsGateway: entry.IsGateway,
			}
		}
	}
	return state, seq
}

// NextHop resolves where to send traffic for dst: the fresh primary route,
// a shadow route inside its grace window, a fresh gateway or bridge route,
// or a preference-ordered flood over all neighbors.
func (r *Router) NextHop(dst string) NextHop {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dst == r.nodeID {
		return NoHop()
	}
	if entry, ok := r.table[dst]; ok && r.fresh(entry, 1) {
		return DirectHop(entry.NextHop)
	}
	if entry, ok := r.secondary[dst]; ok && r.fresh(entry, secondaryGrace) {
		logrus.Infof("Using secondary route to %s via %s", dst, entry.NextHop)
		return DirectHop(entry.NextHop)
	}
	for _, id := range r.sorted(r.gateways) {
		if entry, ok := r.table[id]; ok && r.fresh(entry, 1) {
			logrus.Infof("Routing to %s via gateway %s at %s", dst, id, entry.NextHop)
			return DirectHop(entry.NextHop)
		}
	}
	for _, id := range r.sorted(r.bridges) {
		if entry, ok := r.table[id]; ok && r.fresh(entry, 1) {
			logrus.Infof("Routing to %s via bridge %s at %s", dst, id, entry.NextHop)
			return DirectHop(entry.NextHop)
		}
	}
	flood := r.orderedNeighborsLocked()
	if len(flood) == 0 {
		return NoHop()
	}
	return FloodHop(flood)
}

// orderedNeighborsLocked lists all neighbors for flooding: gateway-routed
// first, then bridge-tagged, then the rest.
func (r *Router) orderedNeighborsLocked() []string {
	var gateways, bridged, rest []string
	for _, ip := range r.neighborsLocked() {
		switch {
		case r.hopTagged(ip, func(e *Entry) bool { return e.IsGateway }):
			gateways = append(gateways, ip)
		case r.hopTagged(ip, func(e *Entry) bool { return e.ViaBridge }):
			bridged = append(bridged, ip)
		default:
			rest = append(rest, ip)
		}
	}
	return append(append(gateways, bridged...), rest...)
}

func (r *Router) hopTagged(ip string, tagged func(*Entry) bool) bool {
	for _, entry := range r.table {
		if entry.NextHop == ip && tagged(entry) {
			return true
		}
	}
	return false
}

// PreferBridgeIP picks the first bridge-tagged IP from a flood candidate
// list, falling back to the first entry. File transfers use it to choose a
// single hop.
func (r *Router) PreferBridgeIP(ips []string) string {
	if len(ips) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ip := range ips {
		if r.hopTagged(ip, func(e *Entry) bool { return e.ViaBridge }) {
			return ip
		}
	}
	return ips[0]
}

// PartitionBridgeIPs splits a flood candidate list into bridge-tagged IPs
// and the rest, preserving order.
func (r *Router) PartitionBridgeIPs(ips []string) (bridged, rest []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ip := range ips {
		if r.hopTagged(ip, func(e *Entry) bool { return e.ViaBridge }) {
			bridged = append(bridged, ip)
		} else {
			rest = append(rest, ip)
		}
	}
	return bridged, rest
}

// IsDirectNeighbor reports whether dst has a fresh route learned from its
// own advertisement, meaning the next hop is dst itself.
func (r *Router) IsDirectNeighbor(dst string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.table[dst]
	return ok && entry.Direct && r.fresh(entry, 1)
}

// BridgeAltHops lists next-hop IPs of fresh bridge routes, excluding one
// IP. The forwarding engine uses it to avoid sending a packet back where
// it came from.
func (r *Router) BridgeAltHops(exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hops []string
	for _, id := range r.sorted(r.bridges) {
		if entry, ok := r.table[id]; ok && entry.NextHop != exclude && r.fresh(entry, 1) {
			hops = append(hops, entry.NextHop)
		}
	}
	return hops
}

// GatewayPeerIPs lists next-hop IPs of fresh gateway routes. The gateway
// advertiser sends peer-list updates to them.
func (r *Router) GatewayPeerIPs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ips []string
	for _, id := range r.sorted(r.gateways) {
		if entry, ok := r.table[id]; ok && r.fresh(entry, 1) {
			ips = append(ips, entry.NextHop)
		}
	}
	return ips
}

// Lookup returns a copy of the primary entry for id.
func (r *Router) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.table[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// ShouldForward gates relaying: false when TTL is spent or the id was
// already relayed. A fresh id is recorded; past seenLimit the oldest 20%
// of recorded ids are evicted in bulk.
func (r *Router) ShouldForward(id string, ttl int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ttl <= 0 {
		return false
	}
	if _, seen := r.seenIndex[id]; seen {
		return false
	}
	r.seenIDs = append(r.seenIDs, id)
	r.seenIndex[id] = struct{}{}
	if len(r.seenIDs) > seenLimit {
		drop := len(r.seenIDs) / 5
		for _, old := range r.seenIDs[:drop] {
			delete(r.seenIndex, old)
		}
		r.seenIDs = append([]string(nil), r.seenIDs[drop:]...)
	}
	return true
}

// CleanupStaleRoutes retires expired primary entries to the shadow table,
// drops shadow entries past their retention, and purges bridge or gateway
// ids that no longer appear in either table. It returns how many primary
// routes were retired.
func (r *Router) CleanupStaleRoutes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	retired := 0
	for id, entry := range r.table {
		if !r.fresh(entry, 1) {
			r.secondary[id] = entry
			delete(r.table, id)
			retired++
			logrus.Infof("Route to %s expired, kept as secondary", id)
		}
	}
	for id, entry := range r.secondary {
		if !r.fresh(entry, secondaryRetention) {
			delete(r.secondary, id)
		}
	}
	for id := range r.bridges {
		if !r.known(id) {
			delete(r.bridges, id)
		}
	}
	for id := range r.gateways {
		if !r.known(id) {
			delete(r.gateways, id)
		}
	}
	r.publishTableSize()
	return retired
}

// ActiveRoutes projects the fresh primary routes for the panel.
func (r *Router) ActiveRoutes() []RouteView {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]RouteView, 0, len(r.table))
	for id, entry := range r.table {
		if !r.fresh(entry, 1) {
			continue
		}
		views = append(views, RouteView{
			NodeID:    id,
			NextHop:   entry.NextHop,
			TTL:       entry.TTL,
			AgeSec:    int(r.now().Sub(entry.Time).Seconds()),
			ViaBridge: entry.ViaBridge,
			IsGateway: entry.IsGateway,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].NodeID < views[j].NodeID })
	return views
}

func (r *Router) fresh(entry *Entry, factor float64) bool {
	return r.now().Sub(entry.Time) <= time.Duration(factor*float64(r.timeout))
}

func (r *Router) known(id string) bool {
	if _, ok := r.table[id]; ok {
		return true
	}
	_, ok := r.secondary[id]
	return ok
}

func (r *Router) has(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

func (r *Router) sorted(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) publishTableSize() {
	fresh := 0
	for _, entry := range r.table {
		if r.fresh(entry, 1) {
			fresh++
		}
	}
	metrics.RoutingTableSize.Set(float64(fresh))
}
