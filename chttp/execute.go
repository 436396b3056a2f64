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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync/atomic"
)

// Execute performs a single request, bounded by the client's timeout, and
// decodes the JSON response into dest, which may be nil. Any failure is
// returned as an *Error.
//
// The response body is always fully drained and closed, and the timeout timer
// is always stopped before Execute returns.
func (c *Client) Execute(ctx context.Context, method, path string, opts *Options, dest interface{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var expired atomic.Bool
	if c.timeout > 0 {
		timer := c.clock.AfterFunc(c.timeout, func() {
			expired.Store(true)
			cancel()
		})
		defer timer.Stop()
	}
	err := c.execute(ctx, method, path, opts, dest)
	if err != nil && expired.Load() {
		return &Error{
			Kind:   KindTimeout,
			Method: method,
			Path:   path,
			Err:    fmt.Errorf("no response within %s: %w", c.timeout, context.DeadlineExceeded),
		}
	}
	return err
}

func (c *Client) execute(ctx context.Context, method, path string, opts *Options, dest interface{}) error {
	res, err := c.DoReq(ctx, method, path, opts)
	if err != nil {
		return err
	}
	body, err := readResponse(method, path, res)
	if err != nil {
		return err
	}
	return decodeBody(method, path, body, dest)
}

func decodeBody(method, path string, body json.RawMessage, dest interface{}) error {
	if dest == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &Error{Kind: KindDecode, Method: method, Path: path, Body: body, Err: err}
	}
	return nil
}

// Pending is the not-yet-available outcome of a request started with
// [Client.ExecuteWithControl].
type Pending struct {
	method, path string

	done chan struct{}
	body json.RawMessage
	err  error
}

// Done returns a channel which is closed once the outcome is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Decode waits for the request to complete, then decodes the JSON response
// into dest, which may be nil.
func (p *Pending) Decode(dest interface{}) error {
	<-p.done
	if p.err != nil {
		return p.err
	}
	return decodeBody(p.method, p.path, p.body, dest)
}

// ExecuteWithControl starts a request in the background, and returns its
// pending outcome along with an *AbortControl. Unlike [Client.Execute], no
// client timeout is installed; the caller owns cancellation timing, through
// ctx or the returned AbortControl. OnAbort fires once the request has fully
// terminated, for any reason.
func (c *Client) ExecuteWithControl(ctx context.Context, method, path string, opts *Options) (*Pending, *AbortControl) {
	ctx, cancel := context.WithCancel(ctx)
	abort := newAbortControl(cancel)
	p := &Pending{
		method: method,
		path:   path,
		done:   make(chan struct{}),
	}
	go func() {
		defer abort.close()
		defer cancel()
		defer close(p.done)
		res, err := c.DoReq(ctx, method, path, opts)
		if err == nil {
			p.body, err = readResponse(method, path, res)
		}
		if err != nil && abort.Aborted() {
			err = &Error{Kind: KindTransport, Method: method, Path: path, Err: ErrAborted}
		}
		p.err = err
	}()
	return p, abort
}

// readResponse reads, validates and closes the response body. It returns the
// raw JSON body of a successful response, or an *Error classifying the
// failure:
//
//   - a body which cannot be read is a [KindTransport] failure;
//   - a response which is not application/json is [KindUnexpectedContentType];
//   - malformed JSON is [KindDecode];
//   - a JSON payload with an `error` field, or any status >= 400, is
//     [KindApplication].
//
// HEAD responses carry no body, and are judged by status code alone.
func readResponse(method, path string, res *http.Response) (json.RawMessage, error) {
	defer CloseBody(res.Body)
	fail := func(kind Kind, body []byte, err error) *Error {
		return &Error{
			Kind:       kind,
			Method:     method,
			Path:       path,
			StatusCode: res.StatusCode,
			Body:       body,
			Header:     res.Header,
			Err:        err,
		}
	}
	if method == http.MethodHead {
		if res.StatusCode >= http.StatusBadRequest {
			return nil, fail(KindApplication, nil, nil)
		}
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, fail(kind, body, err)
	}
	if len(body) == 0 && res.StatusCode >= http.StatusBadRequest {
		return nil, fail(KindApplication, body, nil)
	}
	if ct, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type")); ct != typeJSON {
		return nil, fail(KindUnexpectedContentType, body, nil)
	}
	if !json.Valid(body) {
		var discard interface{}
		return nil, fail(KindDecode, body, json.Unmarshal(body, &discard))
	}
	if name, reason, ok := errorPayload(body); ok {
		e := fail(KindApplication, body, nil)
		e.Name = name
		e.Reason = reason
		return nil, e
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, fail(KindApplication, body, nil)
	}
	return body, nil
}

// errorPayload reports whether body is a JSON object with a truthy `error`
// field, such as `{"error":"conflict","reason":"Document update conflict."}`.
func errorPayload(body []byte) (name, reason string, ok bool) {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return "", "", false
	}
	var payload struct {
		Error  interface{} `json:"error"`
		Reason interface{} `json:"reason"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", false
	}
	if !truthy(payload.Error) {
		return "", "", false
	}
	return stringify(payload.Error), stringify(payload.Reason), true
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	}
	return true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	buf, _ := json.Marshal(v)
	return string(buf)
}
