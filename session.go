package vibemq

import (
	"time"

	"github.com/vibe-mqtt/vibemq/internal/packets"
)

// PacketState is where a MessageContext sits in the delivery lifecycle.
type PacketState int

const (
	// QueuedQoS0 sits on the send queue, not yet written to the wire.
	QueuedQoS0 PacketState = iota
	// QueuedQoS1 sits on the send queue, not yet written to the wire.
	QueuedQoS1
	// QueuedQoS2 sits on the send queue, not yet written to the wire.
	QueuedQoS2
	// WaitPubAck has been written and is waiting for PUBACK (QoS 1).
	WaitPubAck
	// WaitPubRec has been written and is waiting for PUBREC (QoS 2).
	WaitPubRec
	// WaitPubRel is an inbound QoS 2 publish waiting for PUBREL from the
	// broker before it can be delivered and acknowledged with PUBCOMP.
	WaitPubRel
	// WaitPubComp has sent PUBREL and is waiting for PUBCOMP (QoS 2).
	WaitPubComp
)

// origin identifies which side of the connection a MessageContext's publish
// originated from.
type origin int

const (
	originClient origin = iota
	originBroker
)

// MessageContext wraps one in-flight PUBLISH, client- or broker-originated,
// with its delivery state. A client-origin context owns the reservation on
// its packet's id for as long as it lives; release must be called exactly
// once, at the point the context is removed from whichever queue holds it.
type MessageContext struct {
	Packet       *packets.PublishPacket
	State        PacketState
	Attempts     int
	LastActivity time.Time
	Origin       origin

	tok      *token // non-nil only for client-origin, QoS>0 contexts
	released bool
}

func (m *MessageContext) id() uint16 {
	if m.Packet == nil {
		return 0
	}
	return m.Packet.PacketID
}

// release frees the context's packet-id reservation. Safe to call more than
// once; only the first call has effect.
func (m *MessageContext) release() {
	if m.released {
		return
	}
	m.released = true
	if m.Origin == originClient {
		globalPacketIDs.markFree(m.id())
	}
}

// Session holds the two bounded queues that drive a connection's delivery
// state machine: messages waiting to be sent, and messages sent but not yet
// fully acknowledged.
type Session struct {
	SendQueue     *queue
	InFlightQueue *queue
}

func newSession(sendCap, inFlightCap int) *Session {
	return &Session{
		SendQueue:     newQueue(sendCap, true),
		InFlightQueue: newQueue(inFlightCap, false),
	}
}
