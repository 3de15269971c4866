package quictransport

import (
	"errors"
	"net"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

// ListenUDP opens a UDP socket on addr with its kernel buffers set to
// bufferSize, clamped. The kernel may grant less than asked; a refusal to
// resize is returned alongside the usable conn.
func ListenUDP(addr string, bufferSize int) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return conn, SetUDPBuffers(conn, bufferSize)
}

// SetUDPBuffers resizes both kernel buffers of conn.
func SetUDPBuffers(conn *net.UDPConn, bufferSize int) error {
	if conn == nil {
		return errors.New("no UDP conn")
	}
	size := clamp(bufferSize, minUDPBuffer, maxUDPBuffer)
	return errors.Join(conn.SetReadBuffer(size), conn.SetWriteBuffer(size))
}
