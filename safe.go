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

import "github.com/thecxx/runpoint"

// safeCall traps a panic raised by a user-installed callback. §7 leaves
// callback-panic behavior implementation-defined; this implementation logs
// the recovered value together with the call site that registered the
// callback (captured once, at registration time, via runpoint — the same
// call-site capture the teacher uses in client.go's ClientVarP to diagnose
// registration sites) and otherwise lets the reactor keep running. It does
// not close the connection the callback belonged to; that connection stays
// open until the ordinary close path (peer EOF/HUP, ForceClose,
// TCPServer.Close) tears it down.
func safeCall(logger Logger, site *runpoint.PCounter, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = defaultLogger
			}
			logger.Errorf("reactor: recovered panic in %s callback registered at %v: %v", what, site, r)
		}
	}()
	fn()
}

// callSite captures the current call site, skipping skip frames, for later
// use in safeCall's diagnostic.
func callSite(skip int) *runpoint.PCounter {
	return runpoint.PC(skip + 1)
}
