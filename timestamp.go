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

import "time"

// Timestamp is the wall-clock instant a Poller call returned, threaded
// through to MessageCallback so applications can timestamp arrivals
// without taking their own clock reading on the reactor thread.
type Timestamp struct {
	t time.Time
}

// Now returns the current Timestamp.
func Now() Timestamp {
	return Timestamp{t: time.Now()}
}

// Unix returns the Unix time in seconds.
func (ts Timestamp) Unix() int64 {
	return ts.t.Unix()
}

// UnixNano returns the Unix time in nanoseconds.
func (ts Timestamp) UnixNano() int64 {
	return ts.t.UnixNano()
}

// Time returns the underlying time.Time.
func (ts Timestamp) Time() time.Time {
	return ts.t
}

// Format renders the timestamp using the given time layout.
func (ts Timestamp) Format(layout string) string {
	return ts.t.Format(layout)
}

// Sub returns the duration elapsed between ts and other.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return ts.t.Sub(other.t)
}

func (ts Timestamp) String() string {
	return ts.t.Format("2006-01-02 15:04:05.000000")
}
