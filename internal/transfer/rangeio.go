package transfer

import (
	"context"
	"fmt"
	"hash"
	"io"

	"github.com/mataphp/jargon/internal/bufpool"
	"github.com/mataphp/jargon/internal/cipher"
	"github.com/mataphp/jargon/internal/errors"
)

// ErrAborted is recorded for workers stopped because another worker failed.
var ErrAborted = errors.Str("transfer aborted")

// RangeStream moves one range over one data channel in chunk order.
type RangeStream struct {
	Stream    Stream
	Range     Range
	ChunkSize int
	Cipher    cipher.Wrapper
	// Digest accumulates the range plaintext; nil disables checksums.
	Digest hash.Hash
	// Aborted is polled between chunks.
	Aborted func() bool
}

func (rs RangeStream) aborted() bool {
	return rs.Aborted != nil && rs.Aborted()
}

func (rs RangeStream) chunkLen(remaining int64) int {
	if remaining < int64(rs.ChunkSize) {
		return int(remaining)
	}
	return rs.ChunkSize
}

// Send reads the range from src and writes it to the stream, sealing each chunk.
// It returns the number of plaintext bytes sent.
func (rs RangeStream) Send(ctx context.Context, src io.ReaderAt) (int64, error) {
	if rs.ChunkSize <= 0 {
		return 0, errors.E("transfer.Send", errors.Invalid, errors.Errorf("chunk size %d", rs.ChunkSize))
	}
	pool := bufpool.ForSize(rs.ChunkSize)
	buf := pool.Get()
	defer pool.Put(buf)

	var sent int64
	for sent < rs.Range.Length {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if rs.aborted() {
			return sent, ErrAborted
		}
		n := rs.chunkLen(rs.Range.Length - sent)
		chunk := buf[:n]
		off := rs.Range.Offset + sent
		if read, err := src.ReadAt(chunk, off); read != n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return sent, fmt.Errorf("read local range at %d: %w", off, err)
		}
		if rs.Digest != nil {
			rs.Digest.Write(chunk)
		}
		wire, err := rs.Cipher.Seal(chunk)
		if err != nil {
			return sent, err
		}
		if err := writeFullData(rs.Stream, wire, "chunk"); err != nil {
			return sent, err
		}
		sent += int64(n)
	}
	return sent, nil
}

// Receive reads the range from the stream, opening each chunk, and writes
// the plaintext to dst at its absolute offset.
func (rs RangeStream) Receive(ctx context.Context, dst io.WriterAt) (int64, error) {
	if rs.ChunkSize <= 0 {
		return 0, errors.E("transfer.Receive", errors.Invalid, errors.Errorf("chunk size %d", rs.ChunkSize))
	}
	pool := bufpool.ForSize(rs.Cipher.SealedLen(rs.ChunkSize))
	buf := pool.Get()
	defer pool.Put(buf)

	var received int64
	for received < rs.Range.Length {
		if err := ctx.Err(); err != nil {
			return received, err
		}
		if rs.aborted() {
			return received, ErrAborted
		}
		n := rs.chunkLen(rs.Range.Length - received)
		wire := buf[:rs.Cipher.SealedLen(n)]
		if err := readFullData(rs.Stream, wire, "chunk"); err != nil {
			return received, err
		}
		plain, err := rs.Cipher.Open(wire, n)
		if err != nil {
			return received, err
		}
		if rs.Digest != nil {
			rs.Digest.Write(plain)
		}
		off := rs.Range.Offset + received
		if _, err := dst.WriteAt(plain, off); err != nil {
			return received, fmt.Errorf("write local range at %d: %w", off, err)
		}
		received += int64(n)
	}
	return received, nil
}
