package vibemq

import (
	"github.com/vibe-mqtt/vibemq/internal/packets"
)

// Publish queues payload for delivery to topic at the given QoS. The
// returned Token completes as soon as the bytes reach the transport for
// QoS 0, or once the full QoS 1/2 handshake finishes. Use the returned
// error, not the token, to detect validation failures that never reach the
// wire at all.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool) (Token, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if err := validatePublishTopic(topic, c.settings); err != nil {
		return nil, err
	}
	if err := validatePayload(payload, c.settings); err != nil {
		return nil, err
	}

	pkt := &packets.PublishPacket{
		QoS:     uint8(qos),
		Topic:   topic,
		Payload: payload,
		Retain:  retain,
	}

	state := QueuedQoS0
	if qos == AtLeastOnce {
		state = QueuedQoS1
	} else if qos == ExactlyOnce {
		state = QueuedQoS2
	}

	tok := newToken()
	ctx := &MessageContext{Packet: pkt, State: state, Origin: originClient, tok: tok}

	if qos != AtMostOnce {
		pkt.PacketID = globalPacketIDs.next()
	}

	if err := c.session.SendQueue.add(ctx, c.stop); err != nil {
		ctx.release()
		return nil, err
	}
	return tok, nil
}

// Subscribe sends SUBSCRIBE for the given topic filters, each requesting the
// matching entry in qos. Only one subscribe may be outstanding at a time;
// calling Subscribe again before the previous one's Token completes returns
// ErrSubscribeInFlight. Delivered messages surface through Settings.OnPublish
// regardless of which Subscribe call caused them.
func (c *Client) Subscribe(topics []string, qos []QoS) (Token, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if len(topics) == 0 || len(topics) != len(qos) {
		return nil, ErrMalformedRequest
	}
	for _, t := range topics {
		if err := validateSubscribeTopic(t, c.settings); err != nil {
			return nil, err
		}
	}

	c.subMu.Lock()
	if c.subTok != nil {
		c.subMu.Unlock()
		return nil, ErrSubscribeInFlight
	}
	id := globalPacketIDs.next()
	tok := newToken()
	c.subTok = tok
	c.subID = id
	c.subMu.Unlock()

	qosBytes := make([]uint8, len(qos))
	for i, q := range qos {
		qosBytes[i] = uint8(q)
	}
	pkt := &packets.SubscribePacket{PacketID: id, Topics: topics, QoS: qosBytes}

	if err := c.writeFrame(pkt); err != nil {
		c.subMu.Lock()
		c.subTok = nil
		c.subMu.Unlock()
		globalPacketIDs.markFree(id)
		return nil, err
	}
	c.subAckTimer.arm(SubAckTimeout, func() {
		c.subMu.Lock()
		t := c.subTok
		if t == tok {
			c.subTok = nil
		}
		c.subMu.Unlock()
		if t == tok {
			c.settings.Logger.Warn("suback timeout")
			globalPacketIDs.markFree(id)
			tok.complete(&ProtocolError{Kind: KindTimeout, What: "suback"})
			c.disconnectInternal(&ProtocolError{Kind: KindTimeout, What: "suback"})
		}
	})

	return tok, nil
}

// Unsubscribe sends UNSUBSCRIBE for the given topic filters. Only one
// unsubscribe may be outstanding at a time; calling Unsubscribe again before
// the previous one's Token completes returns ErrUnsubscribeInFlight.
func (c *Client) Unsubscribe(topics []string) (Token, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if len(topics) == 0 {
		return nil, ErrMalformedRequest
	}

	c.subMu.Lock()
	if c.unsubTok != nil {
		c.subMu.Unlock()
		return nil, ErrUnsubscribeInFlight
	}
	id := globalPacketIDs.next()
	tok := newToken()
	c.unsubTok = tok
	c.unsubID = id
	c.subMu.Unlock()

	pkt := &packets.UnsubscribePacket{PacketID: id, Topics: topics}

	if err := c.writeFrame(pkt); err != nil {
		c.subMu.Lock()
		c.unsubTok = nil
		c.subMu.Unlock()
		globalPacketIDs.markFree(id)
		return nil, err
	}
	c.unsubAckTimer.arm(UnsubAckTimeout, func() {
		c.subMu.Lock()
		t := c.unsubTok
		if t == tok {
			c.unsubTok = nil
		}
		c.subMu.Unlock()
		if t == tok {
			c.settings.Logger.Warn("unsuback timeout")
			globalPacketIDs.markFree(id)
			tok.complete(&ProtocolError{Kind: KindTimeout, What: "unsuback"})
			c.disconnectInternal(&ProtocolError{Kind: KindTimeout, What: "unsuback"})
		}
	})

	return tok, nil
}
