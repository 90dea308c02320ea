package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshd-io/meshd/pkg/cache"
	"github.com/meshd-io/meshd/pkg/codec"
	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T) (*Listener, *fakeDispatcher, *cache.FileCache, string) {
	t.Helper()
	h, d, _, files := newTestHandler(t)
	l := NewListener(h)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, l.Listen(ctx, 0))
	go l.Serve(ctx)

	return l, d, files, l.Addr().String()
}

func waitFor(t *testing.T, d *fakeDispatcher) {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the listener to process the connection")
	}
}

func TestListenerDeliversFramedMessage(t *testing.T) {
	_, d, _, addr := startListener(t)
	c := codec.New("")

	p := packet.NewMessage("bbbb2222", "10.0.0.3", myID, "hello over tcp", "text", 3)
	framed, err := c.EncodeFramed(p)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)
	conn.Close()

	waitFor(t, d)
	require.Equal(t, 1, d.deliveredCount())
	assert.Equal(t, "hello over tcp", d.delivered[0].Content)
}

func TestListenerDeliversLegacyUnframedMessage(t *testing.T) {
	_, d, _, addr := startListener(t)
	c := codec.New("")

	p := packet.NewMessage("bbbb2222", "10.0.0.3", myID, "legacy peer", "text", 3)
	body, err := c.Encode(p)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write(body) // no header, as pre-framing peers send
	require.NoError(t, err)
	conn.Close()

	waitFor(t, d)
	require.Equal(t, 1, d.deliveredCount())
	assert.Equal(t, "legacy peer", d.delivered[0].Content)
}

func TestListenerAttachesRawStreamToAnnouncement(t *testing.T) {
	_, d, files, addr := startListener(t)

	content := strings.Repeat("streamed-bytes.", 1000)
	files.Init("f1", "doc.txt", int64(len(content)), 1, "bbbb2222", "127.0.0.1")

	// Dial the IPv4 loopback explicitly so the listener sees the source IP
	// the announcement was registered under; a dial to the wildcard listen
	// address may arrive from ::1.
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	_, err = conn.Write(codec.Frame(codec.KindStream, nil))
	require.NoError(t, err)
	_, err = conn.Write([]byte(content))
	require.NoError(t, err)
	conn.Close()

	waitFor(t, d)
	require.Len(t, d.completed, 1)
	path := d.completed[0]
	assert.True(t, strings.HasPrefix(filepath.Base(path), "doc_"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
	assert.NotContains(t, files.Pending(), "f1")
}

func TestListenerSavesOrphanRawStream(t *testing.T) {
	_, _, files, addr := startListener(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write(codec.Frame(codec.KindStream, nil))
	require.NoError(t, err)
	_, err = conn.Write([]byte("no announcement for this"))
	require.NoError(t, err)
	conn.Close()

	// No dispatcher event fires for orphan streams; poll the download dir.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := os.ReadDir(files.DownloadDir())
		require.NoError(t, err)
		var found bool
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "received_binary_") {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("orphan stream never landed in the download dir")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestListenerIgnoresEmptyConnection(t *testing.T) {
	_, d, _, addr := startListener(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	// Give the listener a moment; nothing should be dispatched.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, d.deliveredCount())
	assert.Zero(t, d.forwardedCount())
}
