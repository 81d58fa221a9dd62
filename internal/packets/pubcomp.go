package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubcompPacket represents an MQTT PUBCOMP control packet (QoS 2, step 3).
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() uint8 {
	return PUBCOMP
}

// WriteTo writes the PUBCOMP packet to the writer.
func (p *PubcompPacket) WriteTo(w io.Writer) (int64, error) {
	var total int64

	header := &FixedHeader{
		PacketType:      PUBCOMP,
		RemainingLength: 2,
	}

	hN, err := header.WriteTo(w)
	total += hN
	if err != nil {
		return total, err
	}

	var packetIDBytes [2]byte
	binary.BigEndian.PutUint16(packetIDBytes[:], p.PacketID)
	n, err := w.Write(packetIDBytes[:])
	total += int64(n)
	return total, err
}

// DecodePubcomp decodes a PUBCOMP packet from the buffer.
func DecodePubcomp(buf []byte) (*PubcompPacket, error) {
	if len(buf) != 2 {
		return nil, fmt.Errorf("%w: PUBCOMP remaining length must be exactly 2, got %d", ErrMalformedPacket, len(buf))
	}

	return &PubcompPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
