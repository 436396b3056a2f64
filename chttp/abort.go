// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package chttp

import (
	"context"
	"sync"
	"sync/atomic"
)

// AbortControl is a cancellation handle for a long-lived request, paired with
// a completion signal which fires once the request has fully terminated.
type AbortControl struct {
	cancel    context.CancelFunc
	abortOnce sync.Once
	aborted   atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newAbortControl(cancel context.CancelFunc) *AbortControl {
	return &AbortControl{
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

// Abort requests cancellation, closing the underlying connection. It is safe
// to call more than once, or after the request has already terminated.
func (a *AbortControl) Abort() {
	a.abortOnce.Do(func() {
		a.aborted.Store(true)
		a.cancel()
	})
}

// Aborted reports whether Abort has been called.
func (a *AbortControl) Aborted() bool {
	return a.aborted.Load()
}

// OnAbort returns a channel which is closed exactly once, when the underlying
// connection has closed, whether due to a call to Abort, the server closing
// the connection, or a network failure.
func (a *AbortControl) OnAbort() <-chan struct{} {
	return a.closed
}

func (a *AbortControl) close() {
	a.closeOnce.Do(func() {
		close(a.closed)
	})
}
