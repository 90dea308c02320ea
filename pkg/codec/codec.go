// Package codec turns packets into encrypted on-wire frames and back.
//
// A frame body is base64( IV(16) || AES-128-CBC( PKCS7( JSON ) ) ). The key
// is shared by the whole mesh and derived from a passphrase; it obfuscates
// traffic on the wire but authenticates nothing. On the socket every frame
// is preceded by a five byte header: one kind byte and a big-endian uint32
// payload length. Raw file streams use KindStream and run until EOF.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"

	"github.com/meshd-io/meshd/pkg/packet"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KindFrame precedes one encrypted JSON frame.
	KindFrame byte = 0x01
	// KindStream precedes a raw binary file stream running until EOF.
	KindStream byte = 0x02

	// HeaderLen is the kind byte plus the uint32 payload length.
	HeaderLen = 5

	// MaxFrameLen bounds a single frame; anything larger is not a frame.
	MaxFrameLen = 1 << 20

	ivLen  = 16
	keyLen = 16

	// legacyKey is the fixed key of pre-passphrase deployments. An empty
	// passphrase keeps it so mixed meshes interoperate.
	legacyKey = "ThisIsA16ByteKey"

	kdfIterations = 4096
)

var kdfSalt = []byte("meshd-frame-key-v1")

// ErrNotAFrame reports that a payload is not a decodable frame. Callers
// treat the connection as a raw binary file stream.
var ErrNotAFrame = errors.New("payload is not a frame")

// Codec encodes and decodes frames with a fixed symmetric key.
type Codec struct {
	key []byte
}

// New derives the frame key from the mesh passphrase. The empty passphrase
// selects the legacy fixed key.
func New(passphrase string) *Codec {
	if passphrase == "" {
		return &Codec{key: []byte(legacyKey)}
	}
	return &Codec{key: pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, keyLen, sha256.New)}
}

// Encode serializes and seals a packet into a frame body (no header).
func (c *Codec) Encode(p *packet.Packet) ([]byte, error) {
	plain, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	return c.seal(plain)
}

// EncodeFramed is Encode with the KindFrame header prepended, ready to be
// written to a socket.
func (c *Codec) EncodeFramed(p *packet.Packet) ([]byte, error) {
	body, err := c.Encode(p)
	if err != nil {
		return nil, err
	}
	return Frame(KindFrame, body), nil
}

// Decode parses a frame body back into a packet. Any failure along the
// base64 / decrypt / unpad / JSON path yields ErrNotAFrame.
func (c *Codec) Decode(body []byte) (*packet.Packet, error) {
	plain, err := c.open(body)
	if err != nil {
		return nil, err
	}
	p, err := packet.Unmarshal(plain)
	if err != nil {
		return nil, errors.Wrap(ErrNotAFrame, err.Error())
	}
	return p, nil
}

func (c *Codec) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, ivLen+len(padded))
	iv := out[:ivLen]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivLen:], padded)

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
	base64.StdEncoding.Encode(encoded, out)
	return encoded, nil
}

func (c *Codec) open(body []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(raw, body)
	if err != nil {
		return nil, errors.Wrap(ErrNotAFrame, err.Error())
	}
	raw = raw[:n]
	if len(raw) < ivLen+aes.BlockSize || (len(raw)-ivLen)%aes.BlockSize != 0 {
		return nil, errors.Wrap(ErrNotAFrame, "bad frame length")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(raw)-ivLen)
	cipher.NewCBCDecrypter(block, raw[:ivLen]).CryptBlocks(padded, raw[ivLen:])
	plain, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, errors.Wrap(ErrNotAFrame, err.Error())
	}
	return plain, nil
}

// Frame prepends the wire header to a payload.
func Frame(kind byte, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:HeaderLen], uint32(len(payload)))
	copy(out[HeaderLen:], payload)
	return out
}

// ParseHeader splits a wire header into kind and payload length.
func ParseHeader(header []byte) (kind byte, length int, err error) {
	if len(header) < HeaderLen {
		return 0, 0, errors.New("short frame header")
	}
	kind = header[0]
	length = int(binary.BigEndian.Uint32(header[1:HeaderLen]))
	if kind != KindFrame && kind != KindStream {
		return kind, length, errors.Wrap(ErrNotAFrame, "unknown frame kind")
	}
	if length > MaxFrameLen {
		return kind, length, errors.Wrap(ErrNotAFrame, "frame too large")
	}
	return kind, length, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	pad := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > blockSize {
		return nil, errors.New("bad padding byte")
	}
	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return nil, errors.New("inconsistent padding")
		}
	}
	return b[:len(b)-pad], nil
}
