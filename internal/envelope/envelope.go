// Package envelope serialises maps of named values for datagram
// payloads.
//
// Wire layout:
//
//	byte 0      tag: high nibble = format version, low nibble = compression
//	[uvarint]   uncompressed body length, only when compressed
//	body        CBOR map (RFC 8949 core deterministic encoding)
//
// Values may be integers, floats, strings, byte slices, booleans, nil,
// nested string-keyed maps, or sequences of these.  [Normalize] maps
// every accepted Go type onto the set the decoder produces (int64,
// float64, []any, map[string]any) so that a normalised map survives a
// round trip unchanged.
package envelope

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Version is the format version written in the tag byte.
const Version = 1

// MaxBodySize bounds the decoded body so a forged length cannot force
// a large allocation.
const MaxBodySize = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = opts.EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		IntDec:          cbor.IntDecConvertSigned,
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec encodes and decodes envelopes.  The zero value writes
// uncompressed envelopes; Decode accepts every compression regardless.
type Codec struct {
	Compression Compression
	// Threshold is the smallest body size worth compressing.
	Threshold int
}

// DefaultCodec writes uncompressed envelopes.
var DefaultCodec = Codec{}

// Encode is DefaultCodec.Encode.
func Encode(m map[string]any) ([]byte, error) { return DefaultCodec.Encode(m) }

// Decode is DefaultCodec.Decode.
func Decode(data []byte) (map[string]any, error) { return DefaultCodec.Decode(data) }

// Encode normalises m and serialises it.
func (c Codec) Encode(m map[string]any) ([]byte, error) {
	norm, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	body, err := encMode.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}

	comp := c.Compression
	if comp != None && len(body) >= c.Threshold {
		packed, err := compress(comp, body)
		if err == nil {
			out := make([]byte, 1, 1+binary.MaxVarintLen64+len(packed))
			out[0] = tag(comp)
			out = binary.AppendUvarint(out, uint64(len(body)))
			return append(out, packed...), nil
		}
		if err != errIncompressible {
			return nil, err
		}
	}

	out := make([]byte, 0, 1+len(body))
	out = append(out, tag(None))
	return append(out, body...), nil
}

// Decode parses an envelope produced by Encode.
func (c Codec) Decode(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("envelope: empty input")
	}
	version, comp := data[0]>>4, Compression(data[0]&0x0f)
	if version != Version {
		return nil, fmt.Errorf("envelope: unsupported version %d", version)
	}
	body := data[1:]

	if comp != None {
		size, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, fmt.Errorf("envelope: bad length prefix")
		}
		if size > MaxBodySize {
			return nil, fmt.Errorf("envelope: body of %d bytes exceeds limit", size)
		}
		var err error
		body, err = decompress(comp, body[n:], int(size))
		if err != nil {
			return nil, err
		}
	}

	m := map[string]any{}
	if err := decMode.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return m, nil
}

func tag(c Compression) byte { return Version<<4 | byte(c)&0x0f }
