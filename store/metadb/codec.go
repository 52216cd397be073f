package metadb

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize caps both the encoded input and the decompressed output.
	// Release documents for large suites run to a few hundred KB.
	MaxPayloadSize = 32 * 1024 * 1024

	encodingIdentity byte = 0
	encodingZstd     byte = 1

	headerSize = 1 + sha256.Size
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// Codec frames stored documents as [encoding][sha256 of plain payload][payload],
// compressing with zstd when it pays off. Encoder and decoder are
// goroutine-safe and reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames data, compressing it if that makes it smaller.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	digest := sha256.Sum256(data)
	encoding := encodingIdentity
	payload := data

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc != nil && len(data) >= CompressionThreshold {
		if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
			encoding = encodingZstd
			payload = compressed
		}
	}

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, encoding)
	out = append(out, digest[:]...)
	return append(out, payload...), nil
}

// Decode reverses Encode and verifies the payload digest.
func (c *Codec) Decode(framed []byte) ([]byte, error) {
	if len(framed) < headerSize {
		return nil, fmt.Errorf("%w: short frame", ErrCorrupted)
	}
	encoding, digest, payload := framed[0], framed[1:headerSize], framed[headerSize:]

	var data []byte
	switch encoding {
	case encodingIdentity:
		data = payload
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(out) > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", encoding)
	}

	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], digest) {
		return nil, ErrCorrupted
	}
	return bytes.Clone(data), nil
}
