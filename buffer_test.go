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
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferAppendRetrieveRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"hello",
		string(bytes.Repeat([]byte("x"), 4000)), // forces makeSpace growth
	}
	for _, s := range cases {
		b := NewBuffer()
		b.Append([]byte(s))
		assert.Equal(t, s, b.RetrieveAllAsString())
		assert.Equal(t, kCheapPrepend, b.reader)
		assert.Equal(t, kCheapPrepend, b.writer)
	}
}

func TestBufferEnsureWritableBytesPreservesContent(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("keep me"))
	before := append([]byte(nil), b.Peek()...)

	b.EnsureWritableBytes(10000)

	assert.Equal(t, before, b.Peek())
}

func TestBufferMakeSpaceCompactsWhenRoomExists(t *testing.T) {
	b := NewBufferSize(16)
	b.Append([]byte("0123456789")) // 10 of 16 used
	b.Retrieve(8)                  // advance reader, freeing prependable room
	before := append([]byte(nil), b.Peek()...)
	origCap := len(b.buf)

	b.EnsureWritableBytes(10) // 6 writable < 10, but 6+16 >= 10+8: compacts in place, no reallocation

	assert.Equal(t, before, b.Peek())
	assert.Equal(t, origCap, len(b.buf))
	assert.Equal(t, kCheapPrepend, b.reader)
}

func TestBufferRetrievePartial(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abcdef"))
	b.Retrieve(2)
	assert.Equal(t, "cdef", string(b.Peek()))
}

// TestBufferReadFdSecondCallAfterGrownReadDoesNotPanic covers the scenario
// where a single large ReadFd grows the buffer via the stack-scratch
// spillover path (makeSpace's grow branch), which leaves WritableBytes()
// at exactly 0. A second ReadFd on the same connection before the message
// callback has drained the buffer — explicitly allowed by the message
// callback contract — must not index b.buf[b.writer] out of range.
func TestBufferReadFdSecondCallAfterGrownReadDoesNotPanic(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	b := NewBufferSize(16)

	first := bytes.Repeat([]byte("a"), 80000) // far larger than extraBufSize+16
	_, err = unix.Write(fds[1], first)
	require.NoError(t, err)

	n, err := b.ReadFd(fds[0])
	require.NoError(t, err)
	require.Greater(t, n, 0)
	assert.Equal(t, 0, b.WritableBytes())

	second := []byte("more data")
	_, err = unix.Write(fds[1], second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n2, err := b.ReadFd(fds[0])
		if err == unix.EAGAIN {
			return false
		}
		require.NoError(t, err)
		return n2 > 0
	}, time.Second, time.Millisecond)

	assert.Contains(t, b.RetrieveAllAsString(), "more data")
}
