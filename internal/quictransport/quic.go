// Package quictransport carries parallel transfer data channels over QUIC,
// one connection and one stream per worker.
package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/tlsconf"
	"github.com/mataphp/jargon/internal/transfer"
)

// lingerTimeout bounds how long a server stream waits for the client to
// close the connection after the server finished its half.
const lingerTimeout = 5 * time.Second

var (
	_ transfer.Dialer   = (*Dialer)(nil)
	_ transfer.Listener = (*Listener)(nil)
	_ transfer.Stream   = (*Stream)(nil)
)

// DefaultServerQUICConfig returns the default QUIC server config.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             4,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     8 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the default QUIC client config.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     8 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// Stream is one QUIC stream on its own connection.
type Stream struct {
	str    *quic.Stream
	conn   *quic.Conn
	server bool
	once   sync.Once
}

func (s *Stream) Read(p []byte) (int, error)         { return s.str.Read(p) }
func (s *Stream) Write(p []byte) (int, error)        { return s.str.Write(p) }
func (s *Stream) SetDeadline(t time.Time) error      { return s.str.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.str.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.str.SetWriteDeadline(t) }

// Close ends the stream. The client side closes the whole connection;
// the server side finishes its half and leaves the connection for the
// client to close, forcing it shut after lingerTimeout.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		if !s.server {
			err = s.conn.CloseWithError(0, "")
			return
		}
		s.str.CancelRead(0)
		err = s.str.Close()
		go func() {
			select {
			case <-s.conn.Context().Done():
			case <-time.After(lingerTimeout):
				_ = s.conn.CloseWithError(0, "")
			}
		}()
	})
	return err
}

// Dialer opens QUIC data channels.
type Dialer struct {
	TLS    *tls.Config
	Config *quic.Config
	Logger *slog.Logger
}

// NewDialer returns a dialer that accepts the server's self-signed certificate.
func NewDialer(logger *slog.Logger) *Dialer {
	return &Dialer{
		TLS:    tlsconf.ClientConfig(nil, "", tlsconf.DataALPN),
		Config: DefaultClientQUICConfig(),
		Logger: logging.OrDiscard(logger),
	}
}

// Dial connects to addr and opens the worker's stream.
func (d *Dialer) Dial(ctx context.Context, addr string) (transfer.Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, d.TLS, d.Config)
	if err != nil {
		d.Logger.Debug("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &Stream{str: str, conn: conn}, nil
}

// Listener accepts QUIC data channels on an ephemeral UDP port.
type Listener struct {
	ln     *quic.Listener
	tr     *quic.Transport
	udp    *net.UDPConn
	addr   string
	logger *slog.Logger
}

// Listen listens on host with an ephemeral port whose socket buffers are
// sized to bufferSize. advertise replaces the host in Addr when non-empty.
func Listen(host, advertise string, cert tls.Certificate, bufferSize int, logger *slog.Logger) (*Listener, error) {
	logger = logging.OrDiscard(logger)
	udp, err := ListenUDP(net.JoinHostPort(host, "0"), bufferSize)
	if udp == nil {
		return nil, fmt.Errorf("quic listen %s: %w", host, err)
	}
	if err != nil {
		logger.Debug("UDP buffer resize refused", "error", err, "buffer_size", bufferSize)
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsconf.ServerConfig(cert, tlsconf.DataALPN), Tune(DefaultServerQUICConfig(), bufferSize))
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return nil, fmt.Errorf("quic listen %s: %w", host, err)
	}
	addr := ln.Addr().String()
	if advertise != "" {
		_, port, _ := net.SplitHostPort(addr)
		addr = net.JoinHostPort(advertise, port)
	}
	logger.Debug("QUIC listener created", "local_addr", ln.Addr())
	return &Listener{ln: ln, tr: tr, udp: udp, addr: addr, logger: logger}, nil
}

// Accept waits for a connection and its first stream.
func (l *Listener) Accept(ctx context.Context) (transfer.Stream, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	str, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &Stream{str: str, conn: conn, server: true}, nil
}

func (l *Listener) Addr() string { return l.addr }

// Close stops accepting and releases the UDP socket. Accepted streams
// belong to the transport and end with it.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = l.tr.Close()
	_ = l.udp.Close()
	return err
}
