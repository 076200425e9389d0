package packet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// FrameSize is the exact decoded length of every radio frame.
const FrameSize = 176

// ErrBadFrame reports input that does not decode to exactly 176 bytes.
var ErrBadFrame = errors.New("frame must decode to exactly 176 bytes")

// Type classifies a frame by its first post-transform byte.
type Type int

const (
	// TypeInvalid marks frames whose first byte is none of the known
	// markers. Callers should reject these without contacting an upstream.
	TypeInvalid Type = iota
	// TypeKey marks key packets (0xa3 / 0xaa): expensive, establish key
	// material on one upstream.
	TypeKey
	// TypeData marks data packets (0x80 / 0x87): cheap, must be routed to
	// the upstream already holding the drone's key.
	TypeData
)

func (t Type) String() string {
	switch t {
	case TypeKey:
		return "key_packet"
	case TypeData:
		return "data_packet"
	default:
		return "useless_packet"
	}
}

// Packet is the routing view of a frame. Raw holds the original (still
// masked) bytes, which is what gets forwarded to the upstream; the transform
// output is only used for classification and drone id extraction.
type Packet struct {
	Raw     []byte
	Type    Type
	DroneID string
}

// IsValid reports whether the frame carries a known packet type.
func (p *Packet) IsValid() bool { return p.Type != TypeInvalid }

// RawHex returns the original frame as a continuous lowercase hex string.
func (p *Packet) RawHex() string { return hex.EncodeToString(p.Raw) }

// Parse decodes a hex string (commas, whitespace and other separators are
// filtered out), applies the unmask+permutation transform, and classifies
// the frame. The only error condition is a decoded length other than 176
// bytes; unknown first bytes yield TypeInvalid, not an error.
func Parse(hexStr string) (*Packet, error) {
	raw, err := decodeHex(hexStr)
	if err != nil {
		return nil, err
	}
	out := demask(raw)

	p := &Packet{Raw: raw, Type: classify(out[0])}
	if p.Type != TypeInvalid {
		p.DroneID = hex.EncodeToString(out[6:10])
	}
	return p, nil
}

func decodeHex(s string) ([]byte, error) {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
			b.WriteRune(c)
		}
	}
	raw, err := hex.DecodeString(b.String())
	if err != nil {
		// Odd digit count after filtering.
		return nil, fmt.Errorf("packet: %w: %v", ErrBadFrame, err)
	}
	if len(raw) != FrameSize {
		return nil, fmt.Errorf("packet: %w: got %d bytes", ErrBadFrame, len(raw))
	}
	return raw, nil
}

// demask XORs the frame with the fixed mask and scatters the result through
// the fixed permutation: out[interleaveIdx[i]] = in[i] ^ frameMask[i].
// Both tables are the source of truth for wire compatibility.
func demask(in []byte) [FrameSize]byte {
	var out [FrameSize]byte
	for i := 0; i < FrameSize; i++ {
		out[interleaveIdx[i]] = in[i] ^ frameMask[i]
	}
	return out
}

func classify(first byte) Type {
	switch first {
	case 0xa3, 0xaa:
		return TypeKey
	case 0x80, 0x87:
		return TypeData
	default:
		return TypeInvalid
	}
}

var frameMask = [FrameSize]byte{
	0xf2, 0x3b, 0x9b, 0x7c, 0xe3, 0xc2, 0x74, 0x05, 0xd1, 0x71, 0x9d, 0xca,
	0xeb, 0xbc, 0x2d, 0x67, 0xef, 0xea, 0x69, 0xe4, 0x0f, 0x5a, 0xcf, 0x03,
	0x23, 0x34, 0x33, 0x9a, 0x45, 0x33, 0x04, 0xbe, 0x71, 0xee, 0x77, 0x6b,
	0xd8, 0x86, 0x34, 0xab, 0xd6, 0x05, 0xae, 0x61, 0xd4, 0x80, 0xb5, 0x6d,
	0x4e, 0x30, 0x31, 0xae, 0x4d, 0x8a, 0x26, 0xb2, 0x60, 0xdb, 0xda, 0x97,
	0x7f, 0xe5, 0xd2, 0xa4, 0xd1, 0xa8, 0x57, 0x4a, 0x57, 0x88, 0xb9, 0x4f,
	0xd6, 0x91, 0x5e, 0xb3, 0x8b, 0x71, 0xb1, 0x9e, 0xcb, 0xf4, 0x85, 0xe0,
	0x2c, 0xfa, 0x45, 0x40, 0xdf, 0xbc, 0x23, 0x03, 0xe4, 0x33, 0x4c, 0xa9,
	0x49, 0x78, 0x11, 0xfc, 0x95, 0x6c, 0x83, 0x55, 0x6e, 0x3a, 0x94, 0xc2,
	0x87, 0xa3, 0x35, 0x61, 0xc8, 0xae, 0x76, 0x91, 0xcb, 0x0f, 0x9a, 0x0d,
	0x6a, 0x4e, 0xdf, 0x04, 0xc4, 0xf8, 0xfc, 0xc9, 0x70, 0x7f, 0x37, 0xa4,
	0x52, 0xf5, 0xb9, 0x69, 0xbe, 0x44, 0x70, 0xee, 0xae, 0x36, 0xd6, 0xa0,
	0x22, 0x35, 0x9b, 0xa1, 0x5e, 0x93, 0x73, 0x0b, 0x07, 0x50, 0x03, 0x62,
	0xae, 0x18, 0x09, 0x9c, 0x9b, 0x04, 0x04, 0x30, 0x96, 0x0f, 0x5e, 0xa1,
	0xb7, 0xb1, 0x15, 0x74, 0x71, 0x5a, 0x27, 0xac,
}

var interleaveIdx = [FrameSize]int{
	101, 48, 167, 63, 1, 40, 27, 171, 74, 28, 117, 159, 21, 126, 138, 175,
	114, 125, 37, 149, 100, 110, 122, 4, 116, 42, 111, 174, 50, 57, 86, 107,
	83, 132, 95, 108, 47, 161, 148, 145, 141, 19, 98, 44, 87, 24, 137, 173,
	129, 55, 92, 163, 158, 153, 12, 93, 144, 103, 123, 155, 0, 30, 72, 109,
	79, 140, 61, 73, 99, 124, 118, 71, 146, 75, 166, 10, 39, 154, 14, 89,
	150, 18, 156, 172, 139, 151, 49, 59, 115, 7, 38, 58, 60, 128, 106, 162,
	68, 113, 17, 91, 15, 76, 2, 120, 168, 9, 84, 46, 131, 105, 85, 41,
	3, 134, 20, 77, 8, 104, 56, 90, 64, 94, 160, 152, 142, 52, 45, 164,
	165, 70, 97, 29, 67, 54, 51, 80, 121, 147, 35, 69, 31, 33, 22, 11,
	66, 96, 81, 130, 32, 25, 65, 127, 82, 119, 102, 170, 16, 88, 62, 136,
	6, 36, 5, 26, 34, 133, 43, 78, 112, 135, 143, 157, 169, 23, 53, 13,
}
