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
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// writeUint64 writes the 8-byte eventfd counter-increment convention.
func writeUint64(fd int, v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	n, err := unix.Write(fd, buf[:])
	if err != nil {
		return err
	}
	if n != 8 {
		return unix.EIO
	}
	return nil
}

// readUint64 drains the eventfd counter, per the 8-byte read convention.
func readUint64(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, unix.EIO
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}
