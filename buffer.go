// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"golang.org/x/sys/unix"
)

const (
	// kCheapPrepend is the reserved prependable region so a small header
	// can be added to a message without a copy.
	kCheapPrepend = 8
	// kInitialSize is the default readable+writable capacity of a new Buffer.
	kInitialSize = 1024
	// extraBufSize bounds a single readFd syscall to at most
	// writableBytes()+extraBufSize, per the original readv trick.
	extraBufSize = 65536
)

// Buffer is a growable byte buffer with a prepend region, a readable
// region and a writable region:
//
//	+-------------------+----------------+----------------+
//	| prependable bytes | readable bytes | writable bytes |
//	+-------------------+----------------+----------------+
//	0      <=     readerIndex     <=   writerIndex  <=    len(buf)
//
// Buffer is not safe for concurrent use; each TCPConnection owns exactly
// two (input and output), both touched only on the connection's loop.
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

// NewBuffer returns a Buffer with the default initial capacity.
func NewBuffer() *Buffer {
	return NewBufferSize(kInitialSize)
}

// NewBufferSize returns a Buffer whose writable region initially holds
// initialSize bytes.
func NewBufferSize(initialSize int) *Buffer {
	return &Buffer{
		buf:    make([]byte, kCheapPrepend+initialSize),
		reader: kCheapPrepend,
		writer: kCheapPrepend,
	}
}

// ReadableBytes returns the length of the readable region.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the length of the writable region.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the length of the prependable region.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns a borrow of the readable region. The returned slice aliases
// the buffer and is invalidated by the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.reader:b.writer]
}

// Retrieve advances the reader index by n. If n consumes the whole
// readable region, both indices reset to kCheapPrepend.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.reader += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll resets both indices to kCheapPrepend, discarding whatever
// was readable.
func (b *Buffer) RetrieveAll() {
	b.reader = kCheapPrepend
	b.writer = kCheapPrepend
}

// RetrieveAllAsString consumes and returns the entire readable region.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString consumes and returns the first n bytes of the readable
// region as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.Peek()[:n])
	b.Retrieve(n)
	return s
}

// EnsureWritableBytes grows or compacts the buffer so at least n bytes are
// writable, preserving the readable region's content and length.
func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// Append copies data into the writable region, growing first if needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	copy(b.buf[b.writer:], data)
	b.writer += len(data)
}

// BeginWrite returns the writable region as a slice aliasing the
// underlying array; intended for callers that want to write in place
// after a preceding EnsureWritableBytes.
func (b *Buffer) BeginWrite() []byte {
	return b.buf[b.writer:]
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+kCheapPrepend {
		newBuf := make([]byte, b.writer+n)
		copy(newBuf, b.buf)
		b.buf = newBuf
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[kCheapPrepend:], b.buf[b.reader:b.writer])
	b.reader = kCheapPrepend
	b.writer = b.reader + readable
}

// ReadFd performs a vectored read from fd into the buffer's writable
// region, spilling overflow into a 64KiB stack scratch so a single read
// never forces the buffer to grow unboundedly for a cold connection that
// turns out to have a lot of pending data. Mirrors Buffer::readFd in the
// muduo reference: readv is handed two iovecs, the buffer's writable tail
// and the scratch, and only the bytes that actually landed in the scratch
// are appended (copied) into the buffer afterward.
func (b *Buffer) ReadFd(fd int) (n int, err error) {
	var extrabuf [extraBufSize]byte

	writable := b.WritableBytes()
	// b.buf[b.writer] is an invalid index whenever writable == 0 (b.writer
	// == len(b.buf)); skip the first iovec entirely in that case rather
	// than taking the address of a one-past-the-end element.
	var iovs []unix.Iovec
	if writable > 0 {
		iov := unix.Iovec{Base: &b.buf[b.writer]}
		iov.SetLen(writable)
		iovs = append(iovs, iov)
	}
	extraIov := unix.Iovec{Base: &extrabuf[0]}
	extraIov.SetLen(len(extrabuf))
	iovs = append(iovs, extraIov)

	nn, rerr := unix.Readv(fd, iovs)
	if rerr != nil {
		return 0, rerr
	}
	n = nn
	switch {
	case n <= writable:
		b.writer += n
	default:
		b.writer += writable
		b.Append(extrabuf[:n-writable])
	}
	return n, nil
}

// WriteFd performs a single best-effort write of the readable region to
// fd. It does not advance the reader index; the caller retrieves after
// inspecting how much was actually written.
func (b *Buffer) WriteFd(fd int) (n int, err error) {
	return unix.Write(fd, b.Peek())
}
