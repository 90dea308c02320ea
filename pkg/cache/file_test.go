package cache

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 8192

func chunkBytes(b []byte) [][]byte {
	var chunks [][]byte
	for len(b) > 0 {
		n := testChunkSize
		if n > len(b) {
			n = len(b)
		}
		chunks = append(chunks, b[:n])
		b = b[n:]
	}
	return chunks
}

func TestFileRoundTripPermuted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{1, testChunkSize - 1, testChunkSize, 3 * testChunkSize, 20 * 1024, 300*1024 + 17} {
		content := make([]byte, size)
		rng.Read(content)
		chunks := chunkBytes(content)

		c := NewFileCache(5, t.TempDir())
		c.Init("f1", "payload.bin", int64(size), len(chunks), "aaaa1111", "10.0.0.2")

		// Deliver the chunks in a random order; only the final one may
		// report completion.
		order := rng.Perm(len(chunks))
		var complete bool
		for n, i := range order {
			var err error
			complete, err = c.AddChunk("f1", i, chunks[i], len(chunks), "payload.bin")
			require.NoError(t, err)
			if n < len(order)-1 {
				require.False(t, complete, "size %d: complete before all chunks arrived", size)
			}
		}
		require.True(t, complete, "size %d", size)

		path, err := c.Save("f1")
		require.NoError(t, err)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		require.True(t, bytes.Equal(content, got), "size %d: reassembled bytes differ", size)
		assert.Equal(t, 0, c.Len(), "entry must be dropped after save")
	}
}

func TestAddChunkIdempotent(t *testing.T) {
	c := NewFileCache(5, t.TempDir())
	c.Init("f1", "a.bin", 3, 3, "src", "10.0.0.2")

	for i := 0; i < 4; i++ {
		complete, err := c.AddChunk("f1", 1, []byte{0xbb}, 3, "a.bin")
		require.NoError(t, err)
		assert.False(t, complete)
	}
	p := c.Pending()["f1"]
	assert.Equal(t, 1, p.Received)
	assert.Equal(t, []int{0, 2}, c.MissingChunks("f1"))
}

func TestAddChunkBeforeInfo(t *testing.T) {
	c := NewFileCache(5, t.TempDir())
	complete, err := c.AddChunk("f9", 0, []byte("only"), 1, "")
	require.NoError(t, err)
	assert.True(t, complete, "single-chunk file arriving before its announcement must complete")

	path, err := c.Save("f9")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "received_f9"))
}

func TestAddChunkInvalidIndex(t *testing.T) {
	c := NewFileCache(5, t.TempDir())
	c.Init("f1", "a.bin", 10, 2, "src", "10.0.0.2")

	for _, index := range []int{-1, 2, 100} {
		_, err := c.AddChunk("f1", index, []byte("x"), 2, "a.bin")
		assert.ErrorIs(t, err, ErrInvalidChunkIndex, "index %d", index)
	}
}

func TestSaveIncomplete(t *testing.T) {
	c := NewFileCache(5, t.TempDir())
	c.Init("f1", "a.bin", 10, 2, "src", "10.0.0.2")
	c.AddChunk("f1", 0, []byte("x"), 2, "a.bin")

	_, err := c.Save("f1")
	assert.ErrorIs(t, err, ErrIncompleteFile)
	_, err = c.Save("nope")
	assert.ErrorIs(t, err, ErrUnknownFile)
}

func TestFileCacheBound(t *testing.T) {
	c := NewFileCache(2, t.TempDir())
	c.Init("f1", "a", 1, 1, "s", "ip")
	c.Init("f2", "b", 1, 1, "s", "ip")
	c.Init("f3", "c", 1, 1, "s", "ip")

	pending := c.Pending()
	assert.Len(t, pending, 2)
	assert.NotContains(t, pending, "f1")
}

func TestEvictOlderThanFiles(t *testing.T) {
	c := NewFileCache(5, t.TempDir())
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Init("stale", "a", 1, 1, "s", "ip")
	clock = clock.Add(4 * time.Hour)
	c.Init("fresh", "b", 1, 1, "s", "ip")

	assert.Equal(t, 1, c.EvictOlderThan(3*time.Hour))
	assert.Contains(t, c.Pending(), "fresh")
	assert.NotContains(t, c.Pending(), "stale")
}

func TestStampedNameStripsTraversal(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		in   string
		want string
	}{
		{"f.bin", "f_1700000000.bin"},
		{"../../etc/passwd", "passwd_1700000000"},
		{"/abs/path/report.pdf", "report_1700000000.pdf"},
		{"", "received_1700000000.dat"},
		{"noext", "noext_1700000000"},
	}
	for _, tt := range tests {
		if got := StampedName(tt.in, now); got != tt.want {
			t.Errorf("StampedName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPendingFromIP(t *testing.T) {
	c := NewFileCache(5, t.TempDir())
	c.Init("f1", "a.bin", 10, 2, "src", "10.0.0.7")
	c.Init("f2", "b.bin", 10, 2, "src", "10.0.0.8")
	c.AddChunk("f2", 0, []byte("x"), 2, "b.bin")

	id, ok := c.PendingFromIP("10.0.0.7")
	require.True(t, ok)
	assert.Equal(t, "f1", id)

	// f2 already has chunk data flowing, so it is not a raw-stream target.
	_, ok = c.PendingFromIP("10.0.0.8")
	assert.False(t, ok)
}

func TestFinalizeStream(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCache(5, dir)
	c.Init("f1", "video.mp4", 4, 1, "src", "10.0.0.7")

	tmp := filepath.Join(dir, "tmpstream")
	require.NoError(t, os.WriteFile(tmp, []byte("data"), 0644))

	path, err := c.FinalizeStream("f1", tmp)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "video_"))
	assert.True(t, strings.HasSuffix(path, ".mp4"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
	assert.Equal(t, 0, c.Len())
}
