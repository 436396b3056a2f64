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
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-kivik/relax/internal/feed"
)

const chunkSize = 32 * 1024

// Subscription is a live, newline-delimited JSON stream opened with
// [Client.Subscribe].
type Subscription struct {
	*AbortControl

	method, path string
	log          zerolog.Logger

	done chan struct{}
	err  error
}

// Done returns a channel which is closed after the connection has closed and
// every value read from it has been passed to the handler.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the fault which terminated the subscription. It returns nil
// while the subscription is live, after a call to Abort, or after the server
// closed the stream cleanly.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Subscribe opens a long-lived streaming request, and passes every JSON value
// found in the newline-delimited response body to handler. The client timeout
// does not apply; cancel ctx or call Abort to close the connection.
//
// The response body is read in whatever chunks the connection delivers. Bare
// newline chunks are treated as heartbeats. Handler calls happen in order, on
// a goroutine separate from the one reading the connection, so a slow handler
// never stalls reading. A panic in handler is recovered and logged.
//
// Subscribe returns immediately. Connection failures, error responses,
// non-JSON responses and malformed records terminate the subscription, and
// are reported by Err.
func (c *Client) Subscribe(ctx context.Context, method, path string, opts *Options, handler func(json.RawMessage)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		AbortControl: newAbortControl(cancel),
		method:       method,
		path:         path,
		log:          c.log,
		done:         make(chan struct{}),
	}
	go s.run(ctx, c, opts, handler)
	return s
}

func (s *Subscription) run(ctx context.Context, c *Client, opts *Options, handler func(json.RawMessage)) {
	defer close(s.done)
	q := newQueue()
	var g errgroup.Group
	g.Go(func() error {
		defer s.close()
		defer s.cancel()
		defer q.close()
		return s.read(ctx, c, opts, q)
	})
	g.Go(func() error {
		for {
			value, ok := q.pop()
			if !ok {
				return nil
			}
			s.dispatch(handler, value)
		}
	})
	err := g.Wait()
	if err != nil && s.Aborted() {
		err = nil
	}
	s.err = err
}

// read owns the connection and the decoder state, and returns when the
// connection closes.
func (s *Subscription) read(ctx context.Context, c *Client, opts *Options, q *queue) error {
	res, err := c.DoReq(ctx, s.method, s.path, opts)
	if err != nil {
		return err
	}
	if ct, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type")); res.StatusCode >= http.StatusBadRequest || ct != typeJSON {
		_, err := readResponse(s.method, s.path, res)
		if err == nil {
			err = &Error{Kind: KindUnexpectedContentType, Method: s.method, Path: s.path, StatusCode: res.StatusCode, Header: res.Header}
		}
		return err
	}
	defer res.Body.Close() // nolint: errcheck

	dec := &feed.Decoder{}
	buf := make([]byte, chunkSize)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if feed.IsHeartbeat(chunk) {
				s.log.Trace().Str("path", s.path).Msg("heartbeat")
			}
			values, err := dec.Feed(chunk)
			for _, v := range values {
				q.push(v)
			}
			if err != nil {
				return &Error{Kind: KindDecode, Method: s.method, Path: s.path, StatusCode: res.StatusCode, Header: res.Header, Err: err}
			}
		}
		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			if dec.Pending() > 0 {
				s.log.Debug().Str("path", s.path).Int("bytes", dec.Pending()).Msg("discarding unterminated record")
			}
			return nil
		default:
			return c.netError(ctx, s.method, s.path, readErr)
		}
	}
}

func (s *Subscription) dispatch(handler func(json.RawMessage), value json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("path", s.path).Msg("feed handler panicked")
		}
	}()
	handler(value)
}

// queue is an unbounded FIFO of decoded values, between the goroutine reading
// a connection and the one calling the handler.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []json.RawMessage
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(v json.RawMessage) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// pop blocks until a value is available, or the queue is closed and empty.
func (q *queue) pop() (json.RawMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	v := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return v, true
}
