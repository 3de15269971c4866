package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Stream is one worker's bidirectional data channel.
// Close must be safe to call concurrently with Read and Write so that an
// aborting transfer can unblock its workers.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	SetDeadline(t time.Time) error
}

// Dialer opens data channels to addresses handed out by the server.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Stream, error)
}

// Listener accepts data channels on the server side.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	// Addr is the address clients dial, host:port.
	Addr() string
	Close() error
}

// TCPDialer dials TCP data channels with tuned socket buffers.
type TCPDialer struct {
	BufferSize int
	Timeout    time.Duration
}

// Dial connects to addr.
func (d TCPDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tuneTCP(conn, d.BufferSize)
	return conn, nil
}

func tuneTCP(conn net.Conn, bufferSize int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	if bufferSize > 0 {
		_ = tc.SetReadBuffer(bufferSize)
		_ = tc.SetWriteBuffer(bufferSize)
	}
}

// TCPListener is a Listener on an ephemeral TCP port.
type TCPListener struct {
	ln         *net.TCPListener
	addr       string
	bufferSize int
}

// ListenTCP listens on host with an ephemeral port. advertise replaces the
// host in Addr when non-empty.
func ListenTCP(host, advertise string, bufferSize int) (*TCPListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", host, err)
	}
	tl := ln.(*net.TCPListener)
	addr := tl.Addr().String()
	if advertise != "" {
		_, port, _ := net.SplitHostPort(addr)
		addr = net.JoinHostPort(advertise, port)
	}
	return &TCPListener{ln: tl, addr: addr, bufferSize: bufferSize}, nil
}

// Accept waits for one connection or for ctx to end.
func (l *TCPListener) Accept(ctx context.Context) (Stream, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.ln.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := l.ln.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	tuneTCP(conn, l.bufferSize)
	return conn, nil
}

func (l *TCPListener) Addr() string { return l.addr }
func (l *TCPListener) Close() error { return l.ln.Close() }
