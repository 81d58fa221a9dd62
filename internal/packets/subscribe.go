package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubscribePacket represents an MQTT SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID uint16
	Topics   []string
	QoS      []uint8 // requested QoS for each topic
}

// Type returns the packet type.
func (p *SubscribePacket) Type() uint8 {
	return SUBSCRIBE
}

// WriteTo writes the SUBSCRIBE packet to the writer.
func (p *SubscribePacket) WriteTo(w io.Writer) (int64, error) {
	var total int64

	variableHeaderLen := 2 // PacketID

	var payloadLen int
	var topicBytesList [][]byte
	for _, topic := range p.Topics {
		tb := encodeString(topic)
		topicBytesList = append(topicBytesList, tb)
		payloadLen += len(tb) + 1 // Topic + requested QoS byte
	}

	// SUBSCRIBE has fixed header flags = 0x02 (bit 1 set)
	header := &FixedHeader{
		PacketType:      SUBSCRIBE,
		Flags:           0x02,
		RemainingLength: variableHeaderLen + payloadLen,
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
	if err != nil {
		return total, err
	}

	for i, tb := range topicBytesList {
		n, err = w.Write(tb)
		total += int64(n)
		if err != nil {
			return total, err
		}

		qos := uint8(QoS0)
		if i < len(p.QoS) {
			qos = p.QoS[i]
		}
		if err := binary.Write(w, binary.BigEndian, qos&0x03); err != nil {
			return total, err
		}
		total++
	}

	return total, nil
}

// DecodeSubscribe decodes a SUBSCRIBE packet from the buffer.
func DecodeSubscribe(buf []byte) (*SubscribePacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: buffer too short for SUBSCRIBE packet", ErrMalformedPacket)
	}

	pkt := &SubscribePacket{}
	offset := 0

	pkt.PacketID = binary.BigEndian.Uint16(buf[offset : offset+2])
	offset += 2

	if offset >= len(buf) {
		return nil, fmt.Errorf("%w: SUBSCRIBE has no topic filters", ErrMalformedPacket)
	}

	for offset < len(buf) {
		topic, n, err := decodeString(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode topic filter: %w", err)
		}
		offset += n

		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: buffer too short for requested QoS", ErrMalformedPacket)
		}

		opts := buf[offset]
		offset++

		if opts&0xFC != 0 {
			return nil, fmt.Errorf("%w: SUBSCRIBE reserved option bits set", ErrMalformedPacket)
		}
		if opts&0x03 > QoS2 {
			return nil, fmt.Errorf("%w: invalid requested QoS %d", ErrMalformedPacket, opts&0x03)
		}

		pkt.Topics = append(pkt.Topics, topic)
		pkt.QoS = append(pkt.QoS, opts&0x03)
	}

	return pkt, nil
}
