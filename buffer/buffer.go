// Package buffer implements the growable byte buffer used on both the read
// and the write side of a connection.
//
// A Buffer keeps a single contiguous backing slice and two cursors:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0      <=      readPos      <=     writePos     <=     cap
//
// Bytes are appended at writePos and consumed from readPos. When the
// writable tail is too small the buffer first tries to reclaim the
// prependable head by moving the unread bytes to offset 0, and only grows
// the backing slice when that is not enough.
package buffer

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

const (
	// DefaultSize is the initial capacity used when New is given a
	// non-positive size.
	DefaultSize = 1024

	// spillSize is the size of the secondary region handed to readv so
	// that one call can absorb more than the current writable tail.
	spillSize = 65536
)

// ErrWouldBlock is returned by FillFrom and DrainTo when the non-blocking
// descriptor has no data (or no room) right now and nothing was transferred.
var ErrWouldBlock = errors.New("buffer: operation would block")

// Buffer is a growable byte store with separate read and write cursors.
// It is not safe for concurrent use; a connection's buffers are only ever
// touched by the worker currently serving that connection.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New creates a Buffer with the given initial capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{buf: make([]byte, size)}
}

// Readable returns the number of bytes available to Peek.
func (b *Buffer) Readable() int { return b.writePos - b.readPos }

// Writable returns the free space after the write cursor.
func (b *Buffer) Writable() int { return len(b.buf) - b.writePos }

// Prependable returns the already-consumed space before the read cursor.
func (b *Buffer) Prependable() int { return b.readPos }

// Cap returns the size of the backing storage.
func (b *Buffer) Cap() int { return len(b.buf) }

// Peek returns the readable bytes without consuming them. The returned
// slice aliases the buffer and is only valid until the next mutation.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// Consume advances the read cursor by n bytes.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Readable() {
		panic("buffer: consume out of range")
	}
	b.readPos += n
}

// ConsumeAll discards every byte, zeroes the storage and resets both
// cursors to the start of the buffer.
func (b *Buffer) ConsumeAll() {
	clear(b.buf)
	b.readPos = 0
	b.writePos = 0
}

// DrainToString returns the readable bytes as a string and empties the buffer.
func (b *Buffer) DrainToString() string {
	s := string(b.Peek())
	b.ConsumeAll()
	return s
}

// Append copies p to the end of the readable region.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	n := copy(b.buf[b.writePos:], p)
	b.writePos += n
}

// AppendString copies s to the end of the readable region.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	n := copy(b.buf[b.writePos:], s)
	b.writePos += n
}

// EnsureWritable makes room for at least n more bytes, compacting the
// buffer when the reclaimed head suffices and growing it otherwise.
func (b *Buffer) EnsureWritable(n int) {
	if b.Writable() >= n {
		return
	}
	b.makeSpace(n)
}

func (b *Buffer) makeSpace(n int) {
	if b.Writable()+b.Prependable() < n {
		grown := make([]byte, b.writePos+n+1)
		copy(grown, b.buf[:b.writePos])
		b.buf = grown
		return
	}
	readable := b.Readable()
	copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}

// FillFrom reads everything the non-blocking descriptor fd currently has
// to offer. Each iteration issues one readv over the writable tail and a
// 64 KiB spill region; bytes landing in the spill region are appended
// afterwards, growing the buffer as needed.
//
// FillFrom stops when the descriptor would block, when the peer has closed
// the stream, or on a hard error. It returns the total number of bytes
// read together with:
//   - nil if data was read and the descriptor drained (or the peer closed
//     after sending data);
//   - ErrWouldBlock if nothing was read because no data was pending;
//   - io.EOF if nothing was read because the peer closed;
//   - the errno for any other failure.
func (b *Buffer) FillFrom(fd int) (int, error) {
	var spill [spillSize]byte
	total := 0

	for {
		writable := b.Writable()
		iov := [][]byte{b.buf[b.writePos:], spill[:]}
		if writable == 0 {
			iov = iov[1:]
		}

		n, err := unix.Readv(fd, iov)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				if total == 0 {
					return 0, ErrWouldBlock
				}
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}

		if n <= writable {
			b.writePos += n
		} else {
			b.writePos = len(b.buf)
			b.Append(spill[:n-writable])
		}
		total += n
	}
}

// DrainTo performs a single write of the readable bytes to fd and consumes
// what was written. Nothing is consumed when the write fails.
func (b *Buffer) DrainTo(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	b.readPos += n
	return n, nil
}
