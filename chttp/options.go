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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Option configures a *Client. Options are passed to [New].
type Option interface {
	Apply(target interface{})
}

// Options are optional parameters which may be sent with a request.
type Options struct {
	// Accept sets the request's Accept header. Defaults to "application/json".
	// To specify any, use "*/*".
	Accept string

	// ContentType sets the requests's Content-Type header. Defaults to
	// "application/json". Ignored when JSON is set.
	ContentType string

	// Body sets the body of the request.
	Body io.ReadCloser

	// JSON is an arbitrary data type which is marshaled to the request's body.
	// If set, Body is ignored.
	JSON interface{}

	// Query is appended to the exiting url, if present. If the passed url
	// already contains query parameters, the values in Query are appended.
	// No merging takes place.
	Query url.Values

	// Header is a list of default headers to be set on the request.
	Header http.Header

	// NoGzip disables gzip compression on the request body.
	NoGzip bool
}

type optionHTTPClient struct{ *http.Client }

func (o optionHTTPClient) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		c.Client = o.Client
	}
}

func (optionHTTPClient) String() string { return "[HTTPClient]" }

// OptionHTTPClient sets the underlying *http.Client used for requests.
func OptionHTTPClient(client *http.Client) Option {
	return optionHTTPClient{client}
}

type optionTimeout time.Duration

func (o optionTimeout) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		c.timeout = time.Duration(o)
	}
}

func (o optionTimeout) String() string {
	return fmt.Sprintf("[Timeout:%s]", time.Duration(o))
}

// OptionTimeout sets the per-request timeout used by [Client.Execute]. A zero
// value disables the timeout.
func OptionTimeout(d time.Duration) Option {
	return optionTimeout(d)
}

type optionClock struct{ clock.Clock }

func (o optionClock) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		c.clock = o.Clock
	}
}

// OptionClock sets the clock used for request timeouts.
func OptionClock(clk clock.Clock) Option {
	return optionClock{clk}
}

type optionLogger zerolog.Logger

func (o optionLogger) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		c.log = zerolog.Logger(o)
	}
}

// OptionLogger sets the logger used for request and stream events.
func OptionLogger(log zerolog.Logger) Option {
	return optionLogger(log)
}

type optionGzipRequests struct{}

func (optionGzipRequests) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		c.gzip = true
	}
}

func (optionGzipRequests) String() string { return "[GzipRequests]" }

// OptionGzipRequests instructs the client to gzip-compress request bodies.
func OptionGzipRequests() Option {
	return optionGzipRequests{}
}

type optionUserAgent string

func (a optionUserAgent) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		c.UserAgents = append(c.UserAgents, string(a))
	}
}

func (a optionUserAgent) String() string {
	return fmt.Sprintf("[UserAgent:%s]", string(a))
}

// OptionUserAgent may be passed as an option when creating a client object,
// to append to the default User-Agent header sent on all requests.
func OptionUserAgent(ua string) Option {
	return optionUserAgent(ua)
}
