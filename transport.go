package vibemq

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// ContextDialer is a custom network dialing strategy, matching the signature
// of (*net.Dialer).DialContext. Settings.Dialer accepts one to route
// connections through something other than a plain TCP/TLS socket, e.g. a
// WebSocket.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialFunc adapts a plain function to ContextDialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext implements ContextDialer.
func (f DialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// Transport is the byte-stream contract the client drives a session over.
// The default implementation wraps a TCP or TLS net.Conn; Settings.Dialer
// lets a caller substitute anything that behaves like one (a WebSocket
// connection, for instance).
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// WaitForData reports whether at least one byte is available to read
	// within timeout, without consuming it.
	WaitForData(timeout time.Duration) (bool, error)

	// LeastSize returns a lower bound on the number of bytes immediately
	// readable without blocking.
	LeastSize() (int, error)

	Flush() error
	Close() error
	Connected() bool
}

// deadliner is implemented by transports that can bound a single read.
// Nothing in the package checks for it: readConnAck bounds the CONNACK wait
// through connTransport.SetReadDeadline, which sets the deadline on the
// underlying net.Conn whatever dialer produced it.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// connTransport adapts a net.Conn to Transport, buffering reads/writes the
// way a bufio.Reader/Writer pair normally would, and counting bytes for the
// client's connection stats.
type connTransport struct {
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	closed atomic.Bool

	bytesSent *atomic.Uint64
	bytesRecv *atomic.Uint64
}

func newConnTransport(conn net.Conn, sent, recv *atomic.Uint64) *connTransport {
	return &connTransport{
		conn:      conn,
		br:        bufio.NewReaderSize(conn, 4096),
		bw:        bufio.NewWriterSize(conn, 4096),
		bytesSent: sent,
		bytesRecv: recv,
	}
}

func (t *connTransport) Read(p []byte) (int, error) {
	n, err := t.br.Read(p)
	if n > 0 {
		t.bytesRecv.Add(uint64(n))
	}
	return n, err
}

func (t *connTransport) Write(p []byte) (int, error) {
	n, err := t.bw.Write(p)
	if n > 0 {
		t.bytesSent.Add(uint64(n))
	}
	return n, err
}

func (t *connTransport) Flush() error {
	return t.bw.Flush()
}

func (t *connTransport) WaitForData(timeout time.Duration) (bool, error) {
	if t.br.Buffered() > 0 {
		return true, nil
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	defer t.conn.SetReadDeadline(time.Time{})
	_, err := t.br.Peek(1)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *connTransport) LeastSize() (int, error) {
	return t.br.Buffered(), nil
}

func (t *connTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *connTransport) Close() error {
	t.closed.Store(true)
	return t.conn.Close()
}

func (t *connTransport) Connected() bool {
	return !t.closed.Load()
}

// dialTransport resolves Settings.Host/Port (or a "scheme://host:port" form
// carried in Host) into a connected Transport, preferring Settings.Dialer
// when set and otherwise dialing TLS or plain TCP: a scheme in Host decides
// (tls, ssl, mqtts: TLS; tcp, mqtt: plain), and a bare host uses TLS when
// Settings.TLSConfig is set.
func dialTransport(ctx context.Context, s *Settings, sent, recv *atomic.Uint64) (*connTransport, error) {
	network := "tcp"
	addr := s.Host
	useTLS := false

	if u, err := url.Parse(s.Host); err == nil && u.Scheme != "" && u.Host != "" {
		switch u.Scheme {
		case "tls", "ssl", "mqtts":
			useTLS = true
		case "tcp", "mqtt":
		default:
			return nil, fmt.Errorf("vibemq: unsupported scheme %q", u.Scheme)
		}
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			port = strconv.Itoa(int(s.Port))
		}
		addr = net.JoinHostPort(host, port)
	} else {
		addr = net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
		useTLS = s.TLSConfig != nil
	}

	var dialer ContextDialer
	if s.Dialer != nil {
		dialer = s.Dialer
	} else {
		dialer = &net.Dialer{Timeout: s.ConnectTimeout}
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if useTLS && s.Dialer == nil {
		tlsConf := s.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		conn = tls.Client(conn, tlsConf)
	}

	return newConnTransport(conn, sent, recv), nil
}
