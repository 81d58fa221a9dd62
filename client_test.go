package vibemq

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vibe-mqtt/vibemq/internal/packets"
)

// pipeDialer hands out one fixed net.Conn instead of actually dialing,
// letting tests drive a Client against an in-process mock broker built on
// net.Pipe.
type pipeDialer struct{ conn net.Conn }

func (d pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.conn, nil
}

// newPipeClient returns a Client wired to one end of a net.Pipe and the
// broker-side net.Conn for the test to drive directly; readPacket reads the
// next complete packet the client wrote.
func newPipeClient(t *testing.T, opts ...Option) (*Client, net.Conn) {
	t.Helper()
	clientConn, brokerConn := net.Pipe()
	t.Cleanup(func() { brokerConn.Close() })

	base := []Option{WithDialer(pipeDialer{conn: clientConn})}
	c := New(append(base, opts...)...)
	return c, brokerConn
}

func readPacket(t *testing.T, conn net.Conn) packets.Packet {
	t.Helper()
	pkt, err := packets.ReadPacket(conn, 0)
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	return pkt
}

func writePacket(t *testing.T, conn net.Conn, pkt packets.Packet) {
	t.Helper()
	if _, err := pkt.WriteTo(conn); err != nil {
		t.Fatalf("writePacket: %v", err)
	}
}

// connectAndAccept performs the CONNECT/CONNACK handshake on a background
// goroutine so Connect (which reads synchronously) doesn't deadlock against
// the broker side running in the same test goroutine.
func connectAndAccept(t *testing.T, c *Client, brokerConn net.Conn) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	pkt := readPacket(t, brokerConn)
	if _, ok := pkt.(*packets.ConnectPacket); !ok {
		t.Fatalf("first packet = %T, want *packets.ConnectPacket", pkt)
	}
	writePacket(t, brokerConn, &packets.ConnackPacket{ReturnCode: packets.ConnAccepted})

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectAccepted(t *testing.T) {
	c, brokerConn := newPipeClient(t, WithClientID("tester"))
	connectAndAccept(t, c, brokerConn)
	defer c.Disconnect(context.Background())

	if !c.Connected() {
		t.Fatal("Connected() = false after accepted CONNACK")
	}
}

func TestConnectRefused(t *testing.T) {
	c, brokerConn := newPipeClient(t, WithClientID("tester"))

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	readPacket(t, brokerConn)
	writePacket(t, brokerConn, &packets.ConnackPacket{ReturnCode: packets.ConnRefusedIdentifierRejected})

	err := <-done
	if err == nil {
		t.Fatal("Connect succeeded despite a refusal return code")
	}
	perr, ok := err.(*ProtocolError)
	if !ok || perr.Kind != KindConnectionRefused {
		t.Fatalf("error = %v, want a *ProtocolError{Kind: KindConnectionRefused}", err)
	}
	if c.Connected() {
		t.Fatal("Connected() = true after a refused CONNACK")
	}
}

func TestPublishQoS1Handshake(t *testing.T) {
	c, brokerConn := newPipeClient(t, WithClientID("tester"))
	connectAndAccept(t, c, brokerConn)
	defer c.Disconnect(context.Background())

	tok, err := c.Publish("a/b", []byte("hello"), AtLeastOnce, false)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pkt := readPacket(t, brokerConn)
	pub, ok := pkt.(*packets.PublishPacket)
	if !ok {
		t.Fatalf("packet type = %T, want *packets.PublishPacket", pkt)
	}
	if pub.QoS != packets.QoS1 {
		t.Fatalf("QoS = %d, want 1", pub.QoS)
	}
	if pub.PacketID == 0 {
		t.Fatal("QoS 1 PUBLISH carried packet id 0")
	}

	// Give the dispatcher a moment to move the context to the in-flight
	// queue before asserting on it.
	waitFor(t, func() bool { return c.session.InFlightQueue.len() == 1 })
	if idx := c.session.InFlightQueue.find(pub.PacketID, WaitPubAck); idx != 0 {
		t.Fatalf("in-flight context not in WaitPubAck state")
	}

	writePacket(t, brokerConn, &packets.PubackPacket{PacketID: pub.PacketID})

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			t.Fatalf("token completed with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("token never completed after PUBACK")
	}
	waitFor(t, func() bool { return c.session.InFlightQueue.empty() })
}

func TestPublishQoS2SenderHandshake(t *testing.T) {
	c, brokerConn := newPipeClient(t, WithClientID("tester"))
	connectAndAccept(t, c, brokerConn)
	defer c.Disconnect(context.Background())

	tok, err := c.Publish("a/b", []byte("hello"), ExactlyOnce, false)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pub := readPacket(t, brokerConn).(*packets.PublishPacket)
	if pub.QoS != packets.QoS2 {
		t.Fatalf("QoS = %d, want 2", pub.QoS)
	}

	// As in the QoS 1 test, let the dispatcher move the context to the
	// in-flight queue before acknowledging it.
	waitFor(t, func() bool {
		return c.session.InFlightQueue.find(pub.PacketID, WaitPubRec) == 0
	})
	writePacket(t, brokerConn, &packets.PubrecPacket{PacketID: pub.PacketID})

	pkt := readPacket(t, brokerConn)
	rel, ok := pkt.(*packets.PubrelPacket)
	if !ok {
		t.Fatalf("packet after PUBREC = %T, want *packets.PubrelPacket", pkt)
	}
	if rel.PacketID != pub.PacketID {
		t.Fatalf("PUBREL packet id = %d, want %d", rel.PacketID, pub.PacketID)
	}
	waitFor(t, func() bool {
		return c.session.InFlightQueue.find(pub.PacketID, WaitPubComp) == 0
	})

	writePacket(t, brokerConn, &packets.PubcompPacket{PacketID: pub.PacketID})

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			t.Fatalf("token completed with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("token never completed after PUBCOMP")
	}
	waitFor(t, func() bool { return c.session.InFlightQueue.empty() })
}

func TestReceivePublishQoS2Handshake(t *testing.T) {
	received := make(chan Message, 1)
	c, brokerConn := newPipeClient(t,
		WithClientID("tester"),
		WithOnPublish(func(_ *Client, m Message) { received <- m }),
	)
	connectAndAccept(t, c, brokerConn)
	defer c.Disconnect(context.Background())

	const id = uint16(0xBEEF)
	writePacket(t, brokerConn, &packets.PublishPacket{
		QoS: packets.QoS2, Topic: "in/bound", PacketID: id, Payload: []byte("payload"),
	})

	pkt := readPacket(t, brokerConn)
	rec, ok := pkt.(*packets.PubrecPacket)
	if !ok || rec.PacketID != id {
		t.Fatalf("packet after inbound QoS2 PUBLISH = %+v, want PUBREC for id %d", pkt, id)
	}
	waitFor(t, func() bool { return c.session.InFlightQueue.find(id, WaitPubRel) == 0 })

	select {
	case <-received:
		t.Fatal("OnPublish fired before PUBREL, QoS2 must not deliver early")
	case <-time.After(50 * time.Millisecond):
	}

	writePacket(t, brokerConn, &packets.PubrelPacket{PacketID: id})

	pkt = readPacket(t, brokerConn)
	comp, ok := pkt.(*packets.PubcompPacket)
	if !ok || comp.PacketID != id {
		t.Fatalf("packet after PUBREL = %+v, want PUBCOMP for id %d", pkt, id)
	}

	select {
	case m := <-received:
		if m.Topic != "in/bound" || string(m.Payload) != "payload" {
			t.Fatalf("delivered message = %+v, want topic in/bound payload \"payload\"", m)
		}
	case <-time.After(time.Second):
		t.Fatal("OnPublish never fired after PUBREL")
	}
	waitFor(t, func() bool { return c.session.InFlightQueue.empty() })
}

func TestSubscribeAck(t *testing.T) {
	c, brokerConn := newPipeClient(t, WithClientID("tester"))
	connectAndAccept(t, c, brokerConn)
	defer c.Disconnect(context.Background())

	// Subscribe writes SUBSCRIBE before it returns and net.Pipe has no
	// buffer, so the broker side reads it on another goroutine.
	subPkt := make(chan packets.Packet, 1)
	go func() {
		pkt, _ := packets.ReadPacket(brokerConn, 0)
		subPkt <- pkt
	}()
	tok, err := c.Subscribe([]string{"a/+"}, []QoS{AtLeastOnce})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pkt := <-subPkt
	sub, ok := pkt.(*packets.SubscribePacket)
	if !ok {
		t.Fatalf("packet = %T, want *packets.SubscribePacket", pkt)
	}
	writePacket(t, brokerConn, &packets.SubackPacket{
		PacketID: sub.PacketID, ReturnCodes: []uint8{packets.SubackQoS1},
	})

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			t.Fatalf("subscribe token error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe token never completed")
	}

	// A second Subscribe while the first is outstanding must be rejected;
	// here the first has already completed, so this one should succeed.
	// net.Pipe has no buffer, so drain what the client writes from here on.
	go func() {
		for {
			if _, err := packets.ReadPacket(brokerConn, 0); err != nil {
				return
			}
		}
	}()
	if _, err := c.Subscribe([]string{"c/d"}, []QoS{AtMostOnce}); err != nil {
		t.Fatalf("second Subscribe after first completed: %v", err)
	}
}

func TestDisconnectSendsDisconnectPacket(t *testing.T) {
	c, brokerConn := newPipeClient(t, WithClientID("tester"))
	connectAndAccept(t, c, brokerConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pkt := readPacket(t, brokerConn)
		if _, ok := pkt.(*packets.DisconnectPacket); !ok {
			t.Errorf("packet = %T, want *packets.DisconnectPacket", pkt)
		}
	}()

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	<-done
	if c.Connected() {
		t.Fatal("Connected() = true after Disconnect")
	}
}

// waitFor polls cond until it's true or a short deadline passes, failing the
// test on timeout. Used to synchronize on internal state mutated by the
// client's background goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition never became true")
	}
}
