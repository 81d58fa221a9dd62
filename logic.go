package vibemq

import (
	"fmt"

	"github.com/vibe-mqtt/vibemq/internal/packets"
)

// logicLoop is the session's single consumer of inbound packets. Running
// every handler from one goroutine keeps packet-id bookkeeping and
// subscribe/unsubscribe completion free of additional locking.
func (c *Client) logicLoop() {
	defer c.wg.Done()
	for {
		select {
		case pkt, ok := <-c.incoming:
			if !ok {
				return
			}
			c.handleIncoming(pkt)
		case <-c.stop:
			return
		}
	}
}

func (c *Client) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.ConnackPacket:
		// A second CONNACK after the handshake completed is a protocol
		// violation; the first one is consumed synchronously by Connect.
		c.disconnectInternal(&ProtocolError{Kind: KindProtocolViolation,
			Parent: fmt.Errorf("unexpected CONNACK after handshake")})

	case *packets.PublishPacket:
		c.handlePublish(p)

	case *packets.PubackPacket:
		c.handlePubAck(p)

	case *packets.PubrecPacket:
		c.handlePubRec(p)

	case *packets.PubrelPacket:
		c.handlePubRel(p)

	case *packets.PubcompPacket:
		c.handlePubComp(p)

	case *packets.SubackPacket:
		c.handleSubAck(p)

	case *packets.UnsubackPacket:
		c.handleUnsubAck(p)

	case *packets.PingrespPacket:
		c.handlePingResp()

	default:
		c.disconnectInternal(&ProtocolError{Kind: KindProtocolViolation,
			Parent: fmt.Errorf("unexpected packet type %d from broker", pkt.Type())})
	}
}

// handlePublish delivers an inbound PUBLISH according to its QoS. QoS 0 is
// delivered immediately. QoS 1 is delivered then acknowledged with PUBACK.
// QoS 2 is deduplicated via the in-flight queue: a fresh arrival is parked
// as a broker-origin context awaiting PUBREL; a redelivery (Dup set, already
// tracked) is simply re-acknowledged with PUBREC without delivering twice.
func (c *Client) handlePublish(p *packets.PublishPacket) {
	switch p.QoS {
	case packets.QoS0:
		c.deliver(p)

	case packets.QoS1:
		c.deliver(p)
		_ = c.writeFrame(&packets.PubackPacket{PacketID: p.PacketID})

	case packets.QoS2:
		if idx := c.session.InFlightQueue.find(p.PacketID, WaitPubRel); idx >= 0 {
			_ = c.writeFrame(&packets.PubrecPacket{PacketID: p.PacketID})
			return
		}
		ctx := &MessageContext{Packet: p, State: WaitPubRel, Origin: originBroker}
		if err := c.session.InFlightQueue.add(ctx, c.stop); err != nil {
			return
		}
		_ = c.writeFrame(&packets.PubrecPacket{PacketID: p.PacketID})

	default:
		c.disconnectInternal(&ProtocolError{Kind: KindProtocolViolation,
			Parent: fmt.Errorf("publish with invalid qos %d", p.QoS)})
	}
}

func (c *Client) deliver(p *packets.PublishPacket) {
	if c.settings.OnPublish == nil {
		return
	}
	c.settings.OnPublish(c, Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       QoS(p.QoS),
		Retained:  p.Retain,
		Duplicate: p.Dup,
	})
}

func (c *Client) handlePubAck(p *packets.PubackPacket) {
	idx := c.session.InFlightQueue.find(p.PacketID, WaitPubAck)
	if idx < 0 {
		return
	}
	ctx, _ := c.session.InFlightQueue.removeAt(idx)
	if ctx != nil && ctx.tok != nil {
		ctx.tok.complete(nil)
	}
}

func (c *Client) handlePubRec(p *packets.PubrecPacket) {
	idx := c.session.InFlightQueue.find(p.PacketID, WaitPubRec)
	if idx < 0 {
		// Could be a retransmitted PUBREC for a publish already moved to
		// WaitPubComp; re-send PUBREL so the broker isn't left hanging.
		if c.session.InFlightQueue.find(p.PacketID, WaitPubComp) >= 0 {
			_ = c.writeFrame(&packets.PubrelPacket{PacketID: p.PacketID})
		}
		return
	}
	ctxs := c.session.InFlightQueue.snapshot()
	var ctx *MessageContext
	for _, m := range ctxs {
		if m.id() == p.PacketID {
			ctx = m
			break
		}
	}
	if ctx == nil {
		return
	}
	ctx.State = WaitPubComp
	_ = c.writeFrame(&packets.PubrelPacket{PacketID: p.PacketID})
}

func (c *Client) handlePubRel(p *packets.PubrelPacket) {
	idx := c.session.InFlightQueue.find(p.PacketID, WaitPubRel)
	if idx < 0 {
		// Already delivered and removed; the broker's PUBREL was a retry.
		_ = c.writeFrame(&packets.PubcompPacket{PacketID: p.PacketID})
		return
	}
	ctxs := c.session.InFlightQueue.snapshot()
	var publish *packets.PublishPacket
	for _, m := range ctxs {
		if m.id() == p.PacketID {
			publish = m.Packet
			break
		}
	}
	c.session.InFlightQueue.removeAt(idx)
	if publish != nil {
		c.deliver(publish)
	}
	_ = c.writeFrame(&packets.PubcompPacket{PacketID: p.PacketID})
}

func (c *Client) handlePubComp(p *packets.PubcompPacket) {
	idx := c.session.InFlightQueue.find(p.PacketID, WaitPubComp)
	if idx < 0 {
		return
	}
	ctx, _ := c.session.InFlightQueue.removeAt(idx)
	if ctx != nil && ctx.tok != nil {
		ctx.tok.complete(nil)
	}
}

func (c *Client) handleSubAck(p *packets.SubackPacket) {
	c.subMu.Lock()
	tok := c.subTok
	matches := tok != nil && c.subID == p.PacketID
	if matches {
		c.subTok = nil
		c.subAckTimer.cancel()
	}
	c.subMu.Unlock()

	if !matches {
		return
	}
	globalPacketIDs.markFree(p.PacketID)
	if c.settings.OnSubAck != nil {
		c.settings.OnSubAck(c, p.PacketID, p.ReturnCodes)
	}
	tok.complete(nil)
}

func (c *Client) handleUnsubAck(p *packets.UnsubackPacket) {
	c.subMu.Lock()
	tok := c.unsubTok
	matches := tok != nil && c.unsubID == p.PacketID
	if matches {
		c.unsubTok = nil
		c.unsubAckTimer.cancel()
	}
	c.subMu.Unlock()

	if !matches {
		return
	}
	globalPacketIDs.markFree(p.PacketID)
	if c.settings.OnUnsubAck != nil {
		c.settings.OnUnsubAck(c, p.PacketID)
	}
	tok.complete(nil)
}

func (c *Client) handlePingResp() {
	c.pingRespTimer.cancel()
	c.pingPending.Store(false)
	if c.settings.OnPingResp != nil {
		c.settings.OnPingResp(c)
	}
}
