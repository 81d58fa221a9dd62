package vibemq

import (
	"crypto/tls"
	"io"
	"log/slog"
	"time"
)

// willMessage is the Last Will and Testament the broker publishes on the
// client's behalf if the connection drops ungracefully.
type willMessage struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

// Settings holds everything a Client needs to open and drive a session.
// Build one with defaultSettings and a chain of Option values (which is what
// New does), or construct it directly and pass it to NewWithSettings. That
// path fills in only a nil Logger and non-positive queue sizes; every other
// zero field is used as given, not replaced by its defaultSettings value.
type Settings struct {
	// Host is either a bare hostname/IP or a "scheme://host[:port]" URL.
	// Recognized schemes: tcp, mqtt (plain), tls, ssl, mqtts (TLS).
	Host string

	// Port is used when Host doesn't carry its own port. Defaults to 1883,
	// with or without TLS; it is not switched to 8883 for a tls/ssl/mqtts
	// scheme.
	Port uint16

	// ClientID identifies this session to the broker. When empty, a clean
	// session sends "vibe-mqtt-" plus a random suffix; a non-clean session,
	// which needs a stable identity across reconnects, sends the local
	// hostname, or "vibe-mqtt" if the hostname is unavailable.
	ClientID string

	// Username and Password authenticate the connection. No credentials are
	// sent at all if Username is empty.
	Username string
	Password string

	// RetryDelay is how long an unacknowledged QoS 1/2 publish waits before
	// being resent.
	RetryDelay time.Duration

	// RetryAttempts bounds how many times a publish is resent before the
	// connection is failed. 0 means unlimited.
	RetryAttempts uint32

	// CleanSession, when true, discards any previous session state (queued
	// and in-flight messages) on connect.
	CleanSession bool

	// SendQueueSize and InFlightQueueSize cap the two session queues.
	SendQueueSize     int
	InFlightQueueSize int

	// KeepAlive is the PINGREQ interval. 0 disables keepalive entirely.
	KeepAlive time.Duration

	// ReconnectInterval is the delay between automatic reconnect attempts
	// after an unexpected disconnect. 0 disables automatic reconnection.
	ReconnectInterval time.Duration

	// ConnectTimeout bounds the initial TCP/TLS dial.
	ConnectTimeout time.Duration

	// TLSConfig is used when the connection is TLS-encrypted and Dialer is
	// nil.
	TLSConfig *tls.Config

	// Dialer overrides how the transport is established, e.g. to tunnel
	// over a WebSocket instead of a raw TCP socket.
	Dialer ContextDialer

	will *willMessage

	// Limits (0 = MQTT spec defaults).
	MaxTopicLength    int
	MaxPayloadSize    int
	MaxIncomingPacket int

	// Logger receives structured diagnostic events. Defaults to a logger
	// that discards everything.
	Logger *slog.Logger

	// OnConnAck fires when CONNACK is accepted, with the session-present
	// flag and the return code (always 0 when it fires at all; refusals
	// surface as the error from Connect instead).
	OnConnAck func(*Client, bool, uint8)

	// OnPublish fires for every inbound PUBLISH, regardless of which
	// Subscribe call (if any) caused the broker to send it. Matching
	// deliveries back to subscriptions is left to the caller.
	OnPublish func(*Client, Message)

	// OnSubAck and OnUnsubAck fire when the matching ack arrives.
	OnSubAck   func(*Client, uint16, []uint8)
	OnUnsubAck func(*Client, uint16)

	// OnPingResp fires when the broker answers a keepalive ping.
	OnPingResp func(*Client)

	// OnDisconnect fires exactly once per connection, however it ended:
	// caller-initiated Disconnect (err is nil), transport loss, or a
	// protocol/timeout failure (err is non-nil).
	OnDisconnect func(*Client, error)
}

// Option configures a Settings value.
type Option func(*Settings)

// defaultSettings returns the Settings a bare New() would use, with host
// applied (or "127.0.0.1" if empty).
func defaultSettings(host string) *Settings {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Settings{
		Host:              host,
		Port:              1883,
		RetryDelay:        10 * time.Second,
		RetryAttempts:     3,
		CleanSession:      true,
		SendQueueSize:     1000,
		InFlightQueueSize: 10,
		ConnectTimeout:    30 * time.Second,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func WithHost(host string) Option {
	return func(s *Settings) { s.Host = host }
}

func WithPort(port uint16) Option {
	return func(s *Settings) { s.Port = port }
}

// WithClientID sets the MQTT client identifier.
func WithClientID(id string) Option {
	return func(s *Settings) { s.ClientID = id }
}

// WithCredentials sets the username and password sent with CONNECT.
func WithCredentials(username, password string) Option {
	return func(s *Settings) {
		s.Username = username
		s.Password = password
	}
}

// WithRetryDelay sets how long an unacknowledged QoS 1/2 publish waits
// before retransmission.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Settings) { s.RetryDelay = d }
}

// WithRetryAttempts bounds how many times a publish is resent before the
// connection fails. 0 means unlimited.
func WithRetryAttempts(n uint32) Option {
	return func(s *Settings) { s.RetryAttempts = n }
}

// WithCleanSession sets whether connecting discards previous session state.
func WithCleanSession(clean bool) Option {
	return func(s *Settings) { s.CleanSession = clean }
}

// WithSendQueueSize caps the number of publishes queued for transmission.
func WithSendQueueSize(n int) Option {
	return func(s *Settings) { s.SendQueueSize = n }
}

// WithInFlightQueueSize caps the number of publishes awaiting acknowledgment.
func WithInFlightQueueSize(n int) Option {
	return func(s *Settings) { s.InFlightQueueSize = n }
}

// WithKeepAlive sets the PINGREQ interval. 0 disables keepalive.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Settings) { s.KeepAlive = d }
}

// WithReconnect enables automatic reconnection after an unexpected
// disconnect, retrying every d. 0 (the default) disables it.
func WithReconnect(d time.Duration) Option {
	return func(s *Settings) { s.ReconnectInterval = d }
}

// WithConnectTimeout bounds the initial TCP/TLS dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Settings) { s.ConnectTimeout = d }
}

// WithTLS enables TLS and supplies the configuration to use. A scheme in
// Host takes precedence: tcp:// and mqtt:// still connect in plain text.
func WithTLS(config *tls.Config) Option {
	return func(s *Settings) { s.TLSConfig = config }
}

// WithDialer overrides how the transport connection is established.
func WithDialer(dialer ContextDialer) Option {
	return func(s *Settings) { s.Dialer = dialer }
}

// WithWill sets the Last Will and Testament the broker publishes if this
// client disconnects ungracefully.
func WithWill(topic string, payload []byte, qos QoS, retain bool) Option {
	return func(s *Settings) {
		s.will = &willMessage{Topic: topic, Payload: payload, QoS: uint8(qos), Retain: retain}
	}
}

// WithLogger sets the structured logger used for diagnostic events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Settings) { s.Logger = logger }
}

func WithOnConnAck(fn func(*Client, bool, uint8)) Option {
	return func(s *Settings) { s.OnConnAck = fn }
}

func WithOnPublish(fn func(*Client, Message)) Option {
	return func(s *Settings) { s.OnPublish = fn }
}

func WithOnSubAck(fn func(*Client, uint16, []uint8)) Option {
	return func(s *Settings) { s.OnSubAck = fn }
}

func WithOnUnsubAck(fn func(*Client, uint16)) Option {
	return func(s *Settings) { s.OnUnsubAck = fn }
}

func WithOnPingResp(fn func(*Client)) Option {
	return func(s *Settings) { s.OnPingResp = fn }
}

func WithOnDisconnect(fn func(*Client, error)) Option {
	return func(s *Settings) { s.OnDisconnect = fn }
}
