package content

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 32 * 1024 * 1024

	envelopeVersion = 1
)

// Envelope field numbers.
const (
	fieldVersion    protowire.Number = 1
	fieldStatus     protowire.Number = 2
	fieldHeader     protowire.Number = 3
	fieldBody       protowire.Number = 4
	fieldStoredAtMs protowire.Number = 5
	fieldTTLMs      protowire.Number = 6
	fieldEncoding   protowire.Number = 7

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

const (
	encodingIdentity uint64 = 0
	encodingZstd     uint64 = 1
)

var (
	// ErrCorrupted is returned when a stored envelope cannot be decoded.
	ErrCorrupted = errors.New("corrupted envelope")

	// ErrDecompressionBomb is returned when a body inflates past MaxDecompressedSize.
	ErrDecompressionBomb = errors.New("decompressed body exceeds maximum size")
)

// codec encodes responses into protobuf wire envelopes, compressing large
// bodies with zstd. Encoder and decoder are goroutine-safe and reused.
type codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
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

func (c *codec) encode(r *Response) []byte {
	body, encoding := r.Body, encodingIdentity
	if len(body) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(body, nil); len(compressed) < len(body) {
				body, encoding = compressed, encodingZstd
			}
		}
	}

	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, envelopeVersion)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status)) //nolint:gosec // status codes are small positive ints
	for name, values := range r.Header {
		for _, v := range values {
			var h []byte
			h = protowire.AppendTag(h, fieldHeaderName, protowire.BytesType)
			h = protowire.AppendString(h, name)
			h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
			h = protowire.AppendString(h, v)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, h)
		}
	}
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	b = protowire.AppendTag(b, fieldStoredAtMs, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.StoredAt.UnixMilli()))
	b = protowire.AppendTag(b, fieldTTLMs, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.TTL.Milliseconds()))
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, encoding)
	return b
}

func (c *codec) decode(data []byte) (*Response, error) {
	r := &Response{Header: make(http.Header)}
	var (
		body     []byte
		encoding uint64
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
			}
			name, value, err := decodeHeader(v)
			if err != nil {
				return nil, err
			}
			r.Header.Add(name, value)
			data = data[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
			}
			body = v
			data = data[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
			}
			switch num {
			case fieldVersion:
				if v != envelopeVersion {
					return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, v)
				}
			case fieldStatus:
				r.Status = int(v) //nolint:gosec // bounded by encode
			case fieldStoredAtMs:
				r.StoredAt = time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
			case fieldTTLMs:
				r.TTL = time.Duration(protowire.DecodeZigZag(v)) * time.Millisecond
			case fieldEncoding:
				encoding = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	switch encoding {
	case encodingIdentity:
		r.Body = append([]byte(nil), body...)
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("codec closed")
		}
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		r.Body = out
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, encoding)
	}
	return r, nil
}

func decodeHeader(data []byte) (name, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", "", fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
		}
		switch num {
		case fieldHeaderName:
			name = v
		case fieldHeaderValue:
			value = v
		}
		data = data[n:]
	}
	return name, value, nil
}
