package transfer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/pkg/protocol"
)

// maxCookieSize bounds the first frame of a data channel.
const maxCookieSize = 256

// WriteCookie sends the cookie frame that binds a data channel to a transfer.
func WriteCookie(s Stream, cookie []byte) error {
	if len(cookie) == 0 || len(cookie) > maxCookieSize {
		return errors.E("transfer.WriteCookie", errors.Invalid, errors.Errorf("cookie length %d", len(cookie)))
	}
	buf := make([]byte, 2+len(cookie))
	binary.BigEndian.PutUint16(buf, uint16(len(cookie)))
	copy(buf[2:], cookie)
	return writeFullData(s, buf, "cookie")
}

// ReadCookie reads the cookie frame from a freshly accepted data channel.
func ReadCookie(s Stream) ([]byte, error) {
	var hdr [2]byte
	if err := readFullData(s, hdr[:], "cookie length"); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 || n > maxCookieSize {
		return nil, errors.E("transfer.ReadCookie", errors.Protocol, errors.Errorf("cookie length %d", n))
	}
	cookie := make([]byte, n)
	if err := readFullData(s, cookie, "cookie"); err != nil {
		return nil, err
	}
	return cookie, nil
}

// WriteStatus sends a single status byte.
func WriteStatus(s Stream, status byte) error {
	return writeFullData(s, []byte{status}, "status")
}

// ReadStatus reads a single status byte and checks it against want.
func ReadStatus(s Stream, want byte, op string) error {
	var b [1]byte
	if err := readFullData(s, b[:], op); err != nil {
		return err
	}
	if b[0] != want {
		kind := errors.Protocol
		switch b[0] {
		case protocol.RangeFailed:
			kind = errors.Transport
		case protocol.RangeCorrupt:
			kind = errors.Integrity
		}
		return errors.E(kind, errors.Errorf("%s: status 0x%02x, want 0x%02x", op, b[0], want))
	}
	return nil
}

func readFullData(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.E(errors.Transport, fmt.Errorf("data stream read %s: %w", op, err))
	}
	return nil
}

func writeFullData(w io.Writer, buf []byte, op string) error {
	if _, err := w.Write(buf); err != nil {
		return errors.E(errors.Transport, fmt.Errorf("data stream write %s: %w", op, err))
	}
	return nil
}
