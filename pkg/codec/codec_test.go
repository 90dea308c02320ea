package codec

import (
	"testing"

	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c := New("")
	p := packet.NewMessage("aaaa1111", "10.0.0.2", "bbbb2222", "hello", "text", 3)

	body, err := c.Encode(p)
	require.NoError(t, err)

	got, err := c.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Src, got.Src)
	assert.Equal(t, p.Dst, got.Dst)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, packet.TypeMessage, got.Type)
}

func TestRoundTripWithPassphrase(t *testing.T) {
	c := New("mesh-passphrase")
	p := packet.NewBroadcast("aaaa1111", "10.0.0.2", "hi all", "text", 3)

	body, err := c.Encode(p)
	require.NoError(t, err)

	got, err := c.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "hi all", got.Content)
}

func TestDecodeRejectsForeignKey(t *testing.T) {
	p := packet.NewBroadcast("aaaa1111", "10.0.0.2", "hi", "text", 3)
	body, err := New("key-one").Encode(p)
	require.NoError(t, err)

	_, err = New("key-two").Decode(body)
	assert.True(t, errors.Is(err, ErrNotAFrame))
}

func TestDecodeNotAFrame(t *testing.T) {
	c := New("")
	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"not base64", []byte("\x00\x01\x02 binary junk \xff")},
		{"base64 but too short", []byte("aGVsbG8=")},
		{"base64 of garbage blocks", []byte("QUFBQUFBQUFBQUFBQUFBQUJCQkJCQkJCQkJCQkJCQkJDQ0NDQ0NDQ0NDQ0NDQ0ND")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.body)
			if !errors.Is(err, ErrNotAFrame) {
				t.Errorf("Decode(%q) error = %v, want ErrNotAFrame", tt.name, err)
			}
		})
	}
}

func TestFrameHeader(t *testing.T) {
	framed := Frame(KindFrame, []byte("payload"))
	kind, length, err := ParseHeader(framed)
	require.NoError(t, err)
	assert.Equal(t, KindFrame, kind)
	assert.Equal(t, 7, length)
	assert.Equal(t, []byte("payload"), framed[HeaderLen:])
}

func TestParseHeaderRejects(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
	}{
		{"short", []byte{KindFrame}},
		{"unknown kind", []byte{0x7f, 0, 0, 0, 1}},
		{"oversized", []byte{KindFrame, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseHeader(tt.header); err == nil {
				t.Errorf("ParseHeader(%s) accepted a bad header", tt.name)
			}
		})
	}
}

func TestEncodeFramedDecodes(t *testing.T) {
	c := New("")
	p := packet.NewMessage("aaaa1111", "10.0.0.2", "bbbb2222", "x", "text", 3)
	framed, err := c.EncodeFramed(p)
	require.NoError(t, err)

	kind, length, err := ParseHeader(framed)
	require.NoError(t, err)
	assert.Equal(t, KindFrame, kind)
	require.Equal(t, length, len(framed)-HeaderLen)

	got, err := c.Decode(framed[HeaderLen:])
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestPKCS7(t *testing.T) {
	for size := 0; size <= 48; size++ {
		in := make([]byte, size)
		for i := range in {
			in[i] = byte(i)
		}
		padded := pkcs7Pad(in, 16)
		require.Zero(t, len(padded)%16)
		out, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}
