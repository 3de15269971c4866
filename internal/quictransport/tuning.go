package quictransport

import (
	"log/slog"

	"github.com/quic-go/quic-go"
)

const (
	minConnWindow   = 1 * 1024 * 1024
	maxConnWindow   = 1024 * 1024 * 1024
	minStreamWindow = 1 * 1024 * 1024
	maxStreamWindow = 256 * 1024 * 1024

	// connStreams is how many full stream windows fit in the connection
	// window. Each data channel carries one stream plus control traffic.
	connStreams = 2
)

// Tune returns a copy of base with receive windows sized for socket
// buffers of bufferSize bytes. base is left untouched.
func Tune(base *quic.Config, bufferSize int) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		copied := *base
		cfg = &copied
	}
	stream := clamp(bufferSize, minStreamWindow, maxStreamWindow)
	conn := clamp(stream*connStreams, minConnWindow, maxConnWindow)

	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.InitialConnectionReceiveWindow = uint64(min(conn, stream))
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	return cfg
}

// NewTunedDialer is NewDialer with windows sized by Tune.
func NewTunedDialer(bufferSize int, logger *slog.Logger) *Dialer {
	d := NewDialer(logger)
	d.Config = Tune(d.Config, bufferSize)
	return d
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
