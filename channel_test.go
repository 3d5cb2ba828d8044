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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestChannelInterestMaskToggles(t *testing.T) {
	loop := startTestLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	done := make(chan struct{})
	loop.QueueInLoop(func() {
		ch := NewChannel(loop, fds[0])
		assert.True(t, ch.IsNoneEvent())

		ch.EnableReading()
		assert.True(t, ch.IsReading())
		assert.False(t, ch.IsWriting())

		ch.EnableWriting()
		assert.True(t, ch.IsWriting())

		ch.DisableWriting()
		assert.False(t, ch.IsWriting())

		ch.DisableAll()
		assert.True(t, ch.IsNoneEvent())

		ch.Remove()
		_ = unix.Close(fds[0])
		close(done)
	})
	<-done
}

func TestChannelTieSkipsEventAfterOwnerDies(t *testing.T) {
	loop := startTestLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	loop.QueueInLoop(func() {
		ch := NewChannel(loop, fds[0])
		fired := 0
		ch.SetReadCallback(func(Timestamp) { fired++ })

		alive := false
		ch.Tie(func() bool { return alive })
		ch.SetRevents(eventRead)

		// Tied and reported dead: HandleEvent must not dispatch.
		ch.HandleEvent(Now())
		assert.Equal(t, 0, fired)

		alive = true
		ch.HandleEvent(Now())
		assert.Equal(t, 1, fired)

		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		close(done)
	})
	<-done
}
