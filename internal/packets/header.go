package packets

import (
	"fmt"
	"io"
)

// FixedHeader is the fixed header present in every MQTT control packet:
// [PacketType + Flags (1 byte)][Remaining Length (1-4 bytes)].
type FixedHeader struct {
	PacketType      uint8
	Flags           uint8
	RemainingLength int
}

// appendBytes appends the fixed header's wire encoding to dst, for packet
// types that build their whole frame in a buffer before a single Write.
func (h *FixedHeader) appendBytes(dst []byte) []byte {
	dst = append(dst, (h.PacketType<<4)|(h.Flags&0x0F))
	return appendVarInt(dst, h.RemainingLength)
}

// WriteTo writes the fixed header to w.
func (h *FixedHeader) WriteTo(w io.Writer) (int64, error) {
	firstByte := (h.PacketType << 4) | (h.Flags & 0x0F)

	// Optimization: avoid a slice allocation when w supports WriteByte.
	if bw, ok := w.(io.ByteWriter); ok {
		var n int64

		if err := bw.WriteByte(firstByte); err != nil {
			return n, err
		}
		n++

		x := h.RemainingLength
		for {
			b := byte(x % 128)
			x /= 128
			if x > 0 {
				b |= 128
			}
			if err := bw.WriteByte(b); err != nil {
				return n, err
			}
			n++

			if x == 0 {
				break
			}
		}
		return n, nil
	}

	var buf [5]byte
	buf[0] = firstByte

	x := h.RemainingLength
	n := 1
	for {
		b := byte(x % 128)
		x /= 128
		if x > 0 {
			b |= 128
		}
		buf[n] = b
		n++

		if x == 0 {
			break
		}
	}

	nw, err := w.Write(buf[:n])
	return int64(nw), err
}

// DecodeFixedHeader reads and validates a fixed header from r. It rejects
// reserved packet types and flag nibbles that don't match the mandatory
// value for packet types whose flags aren't content-derived (section 2.2.2).
func DecodeFixedHeader(r io.Reader) (*FixedHeader, error) {
	var buf [1]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	firstByte := buf[0]
	packetType := firstByte >> 4
	flags := firstByte & 0x0F

	if packetType == RESERVED0 || packetType == RESERVED15 {
		return nil, fmt.Errorf("%w: reserved packet type %d", ErrMalformedPacket, packetType)
	}

	if want, checked := fixedHeaderFlags[packetType]; checked && flags != want {
		return nil, fmt.Errorf("%w: packet type %d has invalid flags 0x%x, want 0x%x",
			ErrMalformedPacket, packetType, flags, want)
	}

	remainingLength, err := decodeVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remaining length: %w", err)
	}

	return &FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: remainingLength,
	}, nil
}
