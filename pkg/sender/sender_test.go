package sender

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/meshd-io/meshd/pkg/codec"
	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/meshd-io/meshd/pkg/routing"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	myID = "aaaa1111"
	myIP = "10.0.0.2"
)

// fakeNet records which peers were dialed and can refuse specific ones.
type fakeNet struct {
	mu     sync.Mutex
	dials  []string
	refuse map[string]bool
}

func (f *fakeNet) dial(addr string, timeout time.Duration) (net.Conn, error) {
	host, _, _ := net.SplitHostPort(addr)
	f.mu.Lock()
	f.dials = append(f.dials, host)
	refused := f.refuse[host]
	f.mu.Unlock()
	if refused {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				server.Close()
				return
			}
		}
	}()
	return client, nil
}

func (f *fakeNet) dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dials...)
}

func (f *fakeNet) count(ip string) int {
	n := 0
	for _, d := range f.dialed() {
		if d == ip {
			n++
		}
	}
	return n
}

func newTestSender(t *testing.T) (*Sender, *routing.Router, *fakeNet) {
	t.Helper()
	router := routing.New(myID, func() string { return myIP }, false)
	fn := &fakeNet{refuse: map[string]bool{}}
	s := New(myID, func() string { return myIP }, 5000, router, codec.New(""), nil)
	s.dial = fn.dial
	s.sleep = func(time.Duration) {}
	return s, router, fn
}

func seedRoute(router *routing.Router, dst, via string, seq uint64) {
	router.UpdateLinkState(dst, via, map[string]packet.LinkStateEntry{
		dst: {IP: via, Seq: seq},
	}, seq, 3)
}

func TestSendUnicastDirectRoute(t *testing.T) {
	s, router, fn := newTestSender(t)
	seedRoute(router, "bbbb2222", "10.0.0.3", 1)

	require.NoError(t, s.SendUnicast("bbbb2222", "hello", "text"))
	assert.Equal(t, []string{"10.0.0.3"}, fn.dialed())
}

func TestSendUnicastNoRoute(t *testing.T) {
	s, _, fn := newTestSender(t)

	err := s.SendUnicast("bbbb2222", "hello", "text")
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Empty(t, fn.dialed())
}

func TestSendUnicastRetriesThenFails(t *testing.T) {
	s, router, fn := newTestSender(t)
	seedRoute(router, "bbbb2222", "10.0.0.3", 1)
	fn.refuse["10.0.0.3"] = true

	err := s.SendUnicast("bbbb2222", "hello", "text")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, 3, fn.count("10.0.0.3"), "one attempt plus two retries")
}

func TestSendUnicastUnknownDestinationRidesBridge(t *testing.T) {
	s, router, fn := newTestSender(t)
	router.AddNeighbor("10.0.0.20")
	router.AddNeighbor("10.0.0.21")
	router.UpdateLinkState("brdg0001", "10.0.0.21", map[string]packet.LinkStateEntry{
		"brdg0001": {IP: "10.0.0.21", Seq: 1, Bridges: true},
	}, 1, 3)

	require.NoError(t, s.SendUnicast("unknown9", "hello", "text"))
	dials := fn.dialed()
	require.NotEmpty(t, dials)
	assert.Equal(t, "10.0.0.21", dials[0], "unresolved destinations ride the bridge route")
	assert.Len(t, dials, 1)
}

func TestSendUnicastFloodCountsAnySuccess(t *testing.T) {
	s, router, fn := newTestSender(t)
	router.AddNeighbor("10.0.0.20")
	router.AddNeighbor("10.0.0.21")
	fn.refuse["10.0.0.20"] = true

	require.NoError(t, s.SendUnicast("unknown9", "hello", "text"))
	assert.Equal(t, 1, fn.count("10.0.0.21"))
}

func TestSendBroadcast(t *testing.T) {
	s, router, fn := newTestSender(t)
	router.AddNeighbor("10.0.0.20")
	router.AddNeighbor("10.0.0.21")

	require.NoError(t, s.SendBroadcast("hi all", "text"))
	assert.ElementsMatch(t, []string{"10.0.0.20", "10.0.0.21"}, fn.dialed())
}

func TestSendBroadcastPartialFailureStillSucceeds(t *testing.T) {
	s, router, fn := newTestSender(t)
	router.AddNeighbor("10.0.0.20")
	router.AddNeighbor("10.0.0.21")
	fn.refuse["10.0.0.20"] = true

	require.NoError(t, s.SendBroadcast("hi all", "text"))
	assert.Equal(t, 2, fn.count("10.0.0.20"), "one attempt plus one retry")
	assert.Equal(t, 1, fn.count("10.0.0.21"))
}

func TestSendBroadcastNoNeighbors(t *testing.T) {
	s, _, _ := newTestSender(t)
	assert.ErrorIs(t, s.SendBroadcast("hi", "text"), ErrNoRoute)
}

func TestForwardDropsSelfOrigin(t *testing.T) {
	s, router, fn := newTestSender(t)
	router.AddNeighbor("10.0.0.20")

	p := packet.NewBroadcast(myID, myIP, "echo", "text", 3)
	assert.False(t, s.Forward(p, "10.0.0.20"))
	assert.Empty(t, fn.dialed())
}

func TestForwardTTLTermination(t *testing.T) {
	// S3: a packet entering a relay with TTL 1 dies there.
	s, router, fn := newTestSender(t)
	seedRoute(router, "bbbb2222", "10.0.0.3", 1)

	p := packet.NewMessage("cccc3333", "10.0.0.9", "bbbb2222", "x", "text", 1)
	assert.False(t, s.Forward(p, "10.0.0.9"))
	assert.Empty(t, fn.dialed())
	assert.Equal(t, 0, p.TTL, "TTL decrement is mandatory at every relay")
}

func TestForwardRelaysOnceAndRecordsHop(t *testing.T) {
	s, router, fn := newTestSender(t)
	seedRoute(router, "bbbb2222", "10.0.0.3", 1)

	p := packet.NewMessage("cccc3333", "10.0.0.9", "bbbb2222", "x", "text", 3)
	assert.True(t, s.Forward(p, "10.0.0.9"))
	assert.Equal(t, []string{"10.0.0.3"}, fn.dialed())
	assert.Equal(t, 2, p.TTL)
	assert.Equal(t, []string{myID}, p.Hops)

	// The same id never relays twice, however often it arrives.
	clone := *p
	clone.TTL = 3
	assert.False(t, s.Forward(&clone, "10.0.0.9"))
	assert.Len(t, fn.dialed(), 1)
}

func TestForwardDropsWhenWeAreDestination(t *testing.T) {
	s, _, fn := newTestSender(t)
	p := packet.NewMessage("cccc3333", "10.0.0.9", myID, "x", "text", 3)
	assert.False(t, s.Forward(p, "10.0.0.9"))
	assert.Empty(t, fn.dialed())
}

func TestForwardNeverSendsBack(t *testing.T) {
	s, router, fn := newTestSender(t)
	seedRoute(router, "bbbb2222", "10.0.0.3", 1)

	// The only route for the destination points straight back at the
	// sender, and no bridge can substitute: the packet dies here.
	p := packet.NewMessage("cccc3333", "10.0.0.3", "bbbb2222", "x", "text", 3)
	assert.False(t, s.Forward(p, "10.0.0.3"))
	assert.Empty(t, fn.dialed())
}

func TestForwardBackflowUsesBridgeAlternative(t *testing.T) {
	s, router, fn := newTestSender(t)
	seedRoute(router, "bbbb2222", "10.0.0.3", 1)
	router.UpdateLinkState("brdg0001", "10.0.0.21", map[string]packet.LinkStateEntry{
		"brdg0001": {IP: "10.0.0.21", Seq: 1, Bridges: true},
	}, 1, 3)

	p := packet.NewMessage("cccc3333", "10.0.0.3", "bbbb2222", "x", "text", 3)
	assert.True(t, s.Forward(p, "10.0.0.3"))
	assert.Equal(t, []string{"10.0.0.21"}, fn.dialed())
}

func TestForwardBroadcastSkipsOrigin(t *testing.T) {
	// S4 companion: the broadcast goes everywhere except where it came
	// from.
	s, router, fn := newTestSender(t)
	router.AddNeighbor("10.0.0.20")
	router.AddNeighbor("10.0.0.21")
	router.AddNeighbor("10.0.0.22")

	p := packet.NewBroadcast("cccc3333", "10.0.0.20", "flood", "text", 3)
	assert.True(t, s.Forward(p, "10.0.0.20"))
	assert.ElementsMatch(t, []string{"10.0.0.21", "10.0.0.22"}, fn.dialed())
}

func TestForwardFilePrefersBridge(t *testing.T) {
	s, router, fn := newTestSender(t)
	router.AddNeighbor("10.0.0.20")
	router.AddNeighbor("10.0.0.21")
	router.UpdateLinkState("brdg0001", "10.0.0.21", map[string]packet.LinkStateEntry{
		"brdg0001": {IP: "10.0.0.21", Seq: 1, Bridges: true},
	}, 1, 3)

	p := packet.NewFileInfo("cccc3333", "10.0.0.9", "unknown9", "f.bin", 100, 1, 3)
	assert.True(t, s.Forward(p, "10.0.0.9"))
	require.NotEmpty(t, fn.dialed())
	assert.Equal(t, "10.0.0.21", fn.dialed()[0])
}
