package vibemq

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vibe-mqtt/vibemq/internal/packets"
)

// ConnAckTimeout, SubAckTimeout, UnsubAckTimeout and PingRespTimeout are the
// fixed timer durations the protocol specifies; unlike KeepAlive or
// RetryDelay these are not configurable.
const (
	ConnAckTimeout    = 5 * time.Second
	SubAckTimeout     = 1 * time.Second
	UnsubAckTimeout   = 1 * time.Second
	PingRespTimeout   = 10 * time.Second
	incomingQueueSize = 64
)

// Client is a single MQTT 3.1.1 session. It is not safe to call Connect
// concurrently with itself, but Publish/Subscribe/Unsubscribe/Disconnect may
// be called from any goroutine once connected.
type Client struct {
	settings *Settings
	session  *Session

	transport *connTransport
	writeMu   sync.Mutex

	connected      atomic.Bool
	connectPending atomic.Bool

	incoming chan packets.Packet

	stop     chan struct{}
	wg       sync.WaitGroup

	disconnectOnce atomic.Bool

	subMu     sync.Mutex
	subTok    *token
	subID     uint16
	unsubTok  *token
	unsubID   uint16

	pingPending atomic.Bool
	pingTicker  *time.Ticker
	tickerDone  chan struct{}

	// ConnAck has no timer of its own: Connect enforces its 5s bound with a
	// synchronous read deadline in readConnAck, since the handshake is
	// already a blocking call with nothing else to race against.
	subAckTimer    cancelTimer
	unsubAckTimer  cancelTimer
	pingRespTimer  cancelTimer
	reconnectTimer cancelTimer

	retryTicker *time.Ticker

	packetsSent, packetsReceived atomic.Uint64
	bytesSent, bytesReceived     atomic.Uint64
	reconnectCount                atomic.Uint64
}

// New creates a Client from the given options. It does not connect; call
// Connect to open the session.
func New(opts ...Option) *Client {
	s := defaultSettings("")
	for _, opt := range opts {
		opt(s)
	}
	return NewWithSettings(s)
}

// NewWithSettings creates a Client from a fully-populated Settings value.
func NewWithSettings(s *Settings) *Client {
	if s.Logger == nil {
		s.Logger = defaultSettings("").Logger
	}
	return &Client{
		settings: s,
		session:  newSession(getLimit(s.SendQueueSize, 1000), getLimit(s.InFlightQueueSize, 10)),
	}
}

// Connected reports whether the session is currently connected.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// resolveClientID picks the identifier CONNECT carries. An explicit
// ClientID is used verbatim. Otherwise, a clean session (which the broker
// discards on disconnect anyway) gets a fresh random identifier so that
// many ephemeral clients never collide; a persistent session instead needs
// a stable identity, so it falls back to the local hostname, and only to
// the literal default if even that is unavailable.
func (c *Client) resolveClientID() string {
	if c.settings.ClientID != "" {
		return c.settings.ClientID
	}
	if c.settings.CleanSession {
		return "vibe-mqtt-" + uuid.NewString()[:8]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "vibe-mqtt"
}

func (c *Client) buildConnectPacket() *packets.ConnectPacket {
	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  c.settings.CleanSession,
		KeepAlive:     uint16(c.settings.KeepAlive / time.Second),
		ClientID:      c.resolveClientID(),
	}

	if c.settings.will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.settings.will.Topic
		pkt.WillMessage = c.settings.will.Payload
		pkt.WillQoS = c.settings.will.QoS
		pkt.WillRetain = c.settings.will.Retain
	}

	if c.settings.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.settings.Username
		if c.settings.Password != "" {
			pkt.PasswordFlag = true
			pkt.Password = c.settings.Password
		}
	}

	return pkt
}

// Connect dials the broker, performs the CONNECT/CONNACK handshake, and
// starts the background tasks that service the session. It returns once the
// broker has accepted the connection, or with an error describing why it
// didn't.
func (c *Client) Connect(ctx context.Context) error {
	if !c.connectPending.CompareAndSwap(false, true) {
		return ErrConnectPending
	}
	defer c.connectPending.Store(false)

	if c.settings.CleanSession {
		c.session.SendQueue.clear()
		c.session.InFlightQueue.clear()
	}

	transport, err := dialTransport(ctx, c.settings, &c.bytesSent, &c.bytesReceived)
	if err != nil {
		return &ProtocolError{Kind: KindTransportError, Parent: err}
	}

	connectPkt := c.buildConnectPacket()
	if _, err := connectPkt.WriteTo(transport); err != nil {
		transport.Close()
		return &ProtocolError{Kind: KindTransportError, Parent: err}
	}
	if err := transport.Flush(); err != nil {
		transport.Close()
		return &ProtocolError{Kind: KindTransportError, Parent: err}
	}
	c.packetsSent.Add(1)

	connAck, err := c.readConnAck(ctx, transport)
	if err != nil {
		transport.Close()
		return err
	}
	if connAck.ReturnCode != packets.ConnAccepted {
		transport.Close()
		return &ProtocolError{Kind: KindConnectionRefused, Code: connAck.ReturnCode}
	}

	c.transport = transport
	c.stop = make(chan struct{})
	c.incoming = make(chan packets.Packet, incomingQueueSize)
	c.disconnectOnce.Store(false)
	c.connected.Store(true)

	c.wg.Add(3)
	go c.readLoop()
	go c.dispatcherLoop()
	go c.logicLoop()

	if c.settings.KeepAlive > 0 {
		c.pingTicker = time.NewTicker(c.settings.KeepAlive)
		c.tickerDone = make(chan struct{})
		c.wg.Add(1)
		go c.keepaliveLoop()
	}

	c.retryTicker = time.NewTicker(c.settings.RetryDelay)
	c.wg.Add(1)
	go c.retryLoop()

	if c.settings.OnConnAck != nil {
		c.settings.OnConnAck(c, connAck.SessionPresent, connAck.ReturnCode)
	}

	return nil
}

// readConnAck reads exactly one packet, expecting CONNACK, bounding the wait
// by ConnAckTimeout (or ctx's deadline if sooner).
func (c *Client) readConnAck(ctx context.Context, transport *connTransport) (*packets.ConnackPacket, error) {
	deadline := time.Now().Add(ConnAckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = transport.SetReadDeadline(deadline)
	defer transport.SetReadDeadline(time.Time{})

	pkt, err := packets.ReadPacket(transport, c.maxIncomingPacket())
	if err != nil {
		if isTimeoutErr(err) {
			return nil, &ProtocolError{Kind: KindTimeout, What: "connack", Parent: err}
		}
		return nil, &ProtocolError{Kind: KindMalformedPacket, Parent: err}
	}
	connAck, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		return nil, &ProtocolError{Kind: KindProtocolViolation,
			Parent: fmt.Errorf("expected CONNACK, got packet type %d", pkt.Type())}
	}
	c.packetsReceived.Add(1)
	return connAck, nil
}

func (c *Client) maxIncomingPacket() int {
	return getLimit(c.settings.MaxIncomingPacket, DefaultMaxIncomingPacket)
}

// writeFrame serializes pkt directly to the transport, bypassing the send
// queue. Used for every outbound packet except PUBLISH, which flows through
// the dispatcher instead.
func (c *Client) writeFrame(pkt packets.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := pkt.WriteTo(c.transport); err != nil {
		return err
	}
	if err := c.transport.Flush(); err != nil {
		return err
	}
	c.packetsSent.Add(1)
	return nil
}

// readLoop is the session's single reader: it extracts frames from the
// transport and hands them to logicLoop over incoming. It terminates on the
// first read error (including a clean EOF) and triggers on_disconnect.
func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		pkt, err := packets.ReadPacket(c.transport, c.maxIncomingPacket())
		if err != nil {
			c.disconnectInternal(&ProtocolError{Kind: KindTransportError, Parent: err})
			return
		}
		c.packetsReceived.Add(1)
		select {
		case c.incoming <- pkt:
		case <-c.stop:
			return
		}
	}
}

// dispatcherLoop drains the send queue to the wire, moving QoS 1/2 publishes
// into the in-flight queue once written. It parks on the send queue being
// empty, and separately on the in-flight queue being full.
func (c *Client) dispatcherLoop() {
	defer c.wg.Done()
	for {
		if !c.session.SendQueue.wait(0, c.stop) {
			return
		}

		for {
			ctx, ok := c.session.SendQueue.front()
			if !ok {
				break
			}

			if ctx.State != QueuedQoS0 && c.session.InFlightQueue.full() {
				if !c.session.InFlightQueue.waitNotFull(c.stop) {
					return
				}
				continue
			}

			c.session.SendQueue.popFront()

			writeErr := c.writeFrame(ctx.Packet)
			if writeErr != nil {
				if ctx.tok != nil {
					ctx.tok.complete(writeErr)
				}
				ctx.release()
				c.disconnectInternal(&ProtocolError{Kind: KindTransportError, Parent: writeErr})
				return
			}

			switch ctx.State {
			case QueuedQoS0:
				if ctx.tok != nil {
					ctx.tok.complete(nil)
				}
				ctx.release()
			case QueuedQoS1:
				ctx.State = WaitPubAck
				ctx.Attempts++
				ctx.LastActivity = time.Now()
				_ = c.session.InFlightQueue.add(ctx, c.stop)
			case QueuedQoS2:
				ctx.State = WaitPubRec
				ctx.Attempts++
				ctx.LastActivity = time.Now()
				_ = c.session.InFlightQueue.add(ctx, c.stop)
			}
		}

		select {
		case <-c.stop:
			return
		default:
		}
	}
}

// keepaliveLoop sends PINGREQ every c.settings.KeepAlive, skipping a tick if
// a response is still outstanding, and arms PingRespTimeout after each send.
func (c *Client) keepaliveLoop() {
	defer c.wg.Done()
	defer c.pingTicker.Stop()
	for {
		select {
		case <-c.pingTicker.C:
			if c.pingPending.Load() {
				continue
			}
			if err := c.writeFrame(&packets.PingreqPacket{}); err != nil {
				c.disconnectInternal(&ProtocolError{Kind: KindTransportError, Parent: err})
				return
			}
			c.pingPending.Store(true)
			c.pingRespTimer.arm(PingRespTimeout, func() {
				c.settings.Logger.Warn("pingresp timeout")
				c.disconnectInternal(&ProtocolError{Kind: KindTimeout, What: "pingresp"})
			})
		case <-c.tickerDone:
			return
		case <-c.stop:
			return
		}
	}
}

// retryLoop periodically rescans the in-flight queue for publishes that
// have waited longer than RetryDelay and resends them, honoring
// RetryAttempts before giving up on the connection.
func (c *Client) retryLoop() {
	defer c.wg.Done()
	defer c.retryTicker.Stop()
	for {
		select {
		case <-c.retryTicker.C:
			c.retransmitStale()
		case <-c.stop:
			return
		}
	}
}

func (c *Client) retransmitStale() {
	now := time.Now()
	for _, ctx := range c.session.InFlightQueue.snapshot() {
		if ctx.State != WaitPubAck && ctx.State != WaitPubRec {
			continue
		}
		if now.Sub(ctx.LastActivity) < c.settings.RetryDelay {
			continue
		}
		// Attempts counts every transmission, the first one included, so
		// the resends so far are Attempts-1.
		if c.settings.RetryAttempts > 0 && uint32(ctx.Attempts) > c.settings.RetryAttempts {
			c.settings.Logger.Warn("publish exceeded retry attempts, failing connection",
				"packet_id", ctx.id())
			c.disconnectInternal(&ProtocolError{Kind: KindTimeout, What: "publish retry"})
			return
		}

		ctx.Packet.Dup = true
		ctx.Attempts++
		ctx.LastActivity = now
		if err := c.writeFrame(ctx.Packet); err != nil {
			c.disconnectInternal(&ProtocolError{Kind: KindTransportError, Parent: err})
			return
		}
	}
}

// disconnectInternal tears down the connection after a failure detected
// internally (transport loss, timer expiry, protocol violation). It is
// idempotent: only the first caller runs the teardown.
func (c *Client) disconnectInternal(cause error) {
	if !c.disconnectOnce.CompareAndSwap(false, true) {
		return
	}
	c.teardown(cause)
	if c.settings.ReconnectInterval > 0 {
		c.reconnectTimer.arm(c.settings.ReconnectInterval, c.reconnect)
	}
}

// Disconnect sends DISCONNECT, flushes, and closes the transport. Unlike an
// unexpected loss, this is caller-initiated and never triggers automatic
// reconnection. It blocks until every background goroutine has exited, ctx
// is cancelled, or a 5 second bound expires, whichever comes first.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	// One deadline bounds both the DISCONNECT write and the join below, and a
	// cancelled ctx cuts the write short too.
	deadline := time.Now().Add(5 * time.Second)
	conn := c.transport.conn
	_ = conn.SetWriteDeadline(deadline)
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.SetWriteDeadline(time.Now()) })
	defer stopWatch()

	var sendErr error
	func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, sendErr = (&packets.DisconnectPacket{}).WriteTo(c.transport)
		if sendErr == nil {
			sendErr = c.transport.Flush()
		}
	}()

	if c.disconnectOnce.CompareAndSwap(false, true) {
		c.teardown(nil)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("vibemq: timeout waiting for goroutines to exit")
	}
	return sendErr
}

// teardown stops every background task, closes the transport, and notifies
// both session queues so anything parked in add/wait unblocks. It never
// waits on c.wg: it runs inline on internal failure paths (readLoop,
// dispatcherLoop, logicLoop, retryLoop), which are themselves members of
// c.wg, and joining there would deadlock. Only the caller-initiated
// Disconnect joins the WaitGroup, off-goroutine.
func (c *Client) teardown(cause error) {
	c.connected.Store(false)
	close(c.stop)
	c.subAckTimer.cancel()
	c.unsubAckTimer.cancel()
	c.pingRespTimer.cancel()
	if c.tickerDone != nil {
		close(c.tickerDone)
		c.tickerDone = nil
	}
	if c.transport != nil {
		c.transport.Close()
	}
	c.session.SendQueue.emit()
	c.session.InFlightQueue.emit()

	if c.settings.OnDisconnect != nil {
		c.settings.OnDisconnect(c, cause)
	}
}

func (c *Client) reconnect() {
	c.reconnectCount.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), c.settings.ConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.settings.Logger.Warn("reconnect failed", "error", err)
		c.reconnectTimer.arm(c.settings.ReconnectInterval, c.reconnect)
	}
}

// Stats is a point-in-time snapshot of connection counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ReconnectCount  uint64
}

// Stats returns a snapshot of the client's connection counters.
func (c *Client) Stats() Stats {
	return Stats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ReconnectCount:  c.reconnectCount.Load(),
	}
}

// isTimeoutErr reports whether err is (or wraps) a deadline-exceeded style
// timeout.
func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}
