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

// Package chttp provides a minimal HTTP transport for communicating with
// CouchDB servers: authenticated JSON requests with timeouts, classified
// failures, and raw streaming subscriptions.
package chttp

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const typeJSON = "application/json"

// The default UserAgent values
const (
	UserAgent = "Relax chttp"
	Version   = "0.1.0"
)

// Client represents a client connection. It embeds an *http.Client
type Client struct {
	// UserAgents is appended to set the User-Agent header. Typically it should
	// contain pairs of product name and version.
	UserAgents []string

	*http.Client

	rawDSN   string
	dsn      *url.URL
	basePath string

	auth       Authenticator
	authHeader http.Header

	timeout time.Duration
	clock   clock.Clock
	log     zerolog.Logger

	// gzip enables gzip compression of request bodies.
	gzip bool
}

// New returns a connection to a remote CouchDB server. If credentials are
// included in the URL, and no other authenticator is passed in options,
// requests will be authenticated using HTTP Basic Auth. The credentials are
// never sent as part of the request URL.
func New(dsn string, options ...Option) (*Client, error) {
	dsnURL, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	user := dsnURL.User
	dsnURL.User = nil
	c := &Client{
		Client:   &http.Client{},
		dsn:      dsnURL,
		basePath: strings.TrimSuffix(dsnURL.Path, "/"),
		rawDSN:   dsn,
		clock:    clock.WallClock,
		log:      zerolog.Nop(),
	}
	if user != nil {
		password, _ := user.Password()
		c.auth = &BasicAuth{
			Username: user.Username(),
			Password: password,
		}
	}
	for _, opt := range options {
		if opt != nil {
			opt.Apply(c)
		}
	}
	if c.auth != nil {
		c.authHeader = c.auth.AuthHeader()
	}
	return c, nil
}

func parseDSN(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, errors.New("no URL specified")
	}
	if !strings.HasPrefix(dsn, "http://") && !strings.HasPrefix(dsn, "https://") {
		dsn = "http://" + dsn
	}
	dsnURL, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	if dsnURL.Path == "" {
		dsnURL.Path = "/"
	}
	return dsnURL, nil
}

// DSN returns the unparsed DSN used to connect.
func (c *Client) DSN() string {
	return c.rawDSN
}

// Timeout returns the per-request timeout applied by [Client.Execute]. A
// zero value means no timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger {
	return c.log
}

// Authenticator returns the client's authenticator, or nil.
func (c *Client) Authenticator() Authenticator {
	return c.auth
}

func (c *Client) path(path string) string {
	if c.basePath != "" {
		return c.basePath + "/" + strings.TrimPrefix(path, "/")
	}
	return path
}

// NewRequest returns a new *http.Request to the CouchDB server, and the
// specified path. The host, schema, etc, of the specified path are ignored.
// The client's authentication headers are attached to the request.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader, opts *Options) (*http.Request, error) {
	fullPath := c.path(path)
	reqPath, err := url.Parse(fullPath)
	if err != nil {
		return nil, err
	}
	u := *c.dsn // Make a copy
	u.Path = reqPath.Path
	u.RawPath = reqPath.RawPath
	u.RawQuery = reqPath.RawQuery
	compress, body := c.compressBody(body, opts)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if compress {
		req.Header.Add("Content-Encoding", "gzip")
	}
	req.Header.Add("User-Agent", c.userAgent())
	for k, v := range c.authHeader {
		req.Header[k] = append([]string(nil), v...)
	}
	return req, nil
}

// compressBody compresses body with gzip compression if appropriate. It will
// return true, and the compressed stream, or false, and the unaltered stream.
func (c *Client) compressBody(body io.Reader, opts *Options) (bool, io.Reader) {
	if !c.gzip || body == nil || (opts != nil && opts.NoGzip) {
		return false, body
	}
	r, w := io.Pipe()
	go func() {
		if closer, ok := body.(io.Closer); ok {
			defer closer.Close()
		}
		gz := gzip.NewWriter(w)
		_, err := io.Copy(gz, body)
		_ = gz.Close()
		w.CloseWithError(err)
	}()
	return true, r
}

// DoReq does an HTTP request. An error is returned only if there was an error
// processing the request. In particular, an error status code, such as 400
// or 500, does _not_ cause an error to be returned. Failures are returned as
// *Error values of kind [KindTransport].
func (c *Client) DoReq(ctx context.Context, method, path string, opts *Options) (*http.Response, error) {
	if method == "" {
		return nil, &Error{Kind: KindTransport, Path: path, Err: errors.New("chttp: method required")}
	}
	var body io.Reader
	if opts != nil {
		switch {
		case opts.JSON != nil:
			body = EncodeBody(opts.JSON)
		case opts.Body != nil:
			body = opts.Body
		}
	}
	req, err := c.NewRequest(ctx, method, path, body, opts)
	if err != nil {
		if closer, ok := body.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, &Error{Kind: KindTransport, Method: method, Path: path, Err: err}
	}
	setHeaders(req, opts)
	setQuery(req, opts)

	start := c.clock.Now()
	c.log.Debug().Str("method", method).Str("url", req.URL.Redacted()).Msg("request")
	response, err := c.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, c.netError(ctx, method, path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", response.StatusCode).
		Dur("elapsed", c.clock.Now().Sub(start)).
		Msg("response")
	return response, nil
}

// netError classifies a lower-level fault from the HTTP client.
func (c *Client) netError(ctx context.Context, method, path string, err error) error {
	kind := KindTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Method: method, Path: path, Err: err}
}

// EncodeBody JSON encodes i to an io.ReadCloser. If an encoding error
// occurs, it will be returned on the next read.
func EncodeBody(i interface{}) io.ReadCloser {
	done := make(chan struct{})
	r, w := io.Pipe()
	go func() {
		defer close(done)
		var err error
		switch t := i.(type) {
		case []byte:
			_, err = w.Write(t)
		case json.RawMessage:
			_, err = w.Write(t)
		case string:
			_, err = w.Write([]byte(t))
		default:
			err = json.NewEncoder(w).Encode(i)
		}
		_ = w.CloseWithError(err)
	}()
	return &ebReader{
		ReadCloser: r,
		done:       done,
	}
}

type ebReader struct {
	io.ReadCloser
	done <-chan struct{}
}

var _ io.ReadCloser = &ebReader{}

func (r *ebReader) Close() error {
	err := r.ReadCloser.Close()
	<-r.done
	return err
}

func setHeaders(req *http.Request, opts *Options) {
	accept := typeJSON
	contentType := typeJSON
	if opts != nil {
		if opts.Accept != "" {
			accept = opts.Accept
		}
		if opts.ContentType != "" && opts.JSON == nil {
			contentType = opts.ContentType
		}
		for k, v := range opts.Header {
			if _, ok := req.Header[k]; !ok {
				req.Header[k] = v
			}
		}
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", contentType)
}

func setQuery(req *http.Request, opts *Options) {
	if opts == nil || len(opts.Query) == 0 {
		return
	}
	if req.URL.RawQuery == "" {
		req.URL.RawQuery = opts.Query.Encode()
		return
	}
	req.URL.RawQuery = strings.Join([]string{req.URL.RawQuery, opts.Query.Encode()}, "&")
}

// CloseBody drains and closes r, so that the underlying connection may be
// reused.
func CloseBody(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
}

func (c *Client) userAgent() string {
	ua := fmt.Sprintf("%s/%s (Language=%s; Platform=%s/%s)",
		UserAgent, Version, runtime.Version(), runtime.GOARCH, runtime.GOOS)
	return strings.Join(append([]string{ua}, c.UserAgents...), " ")
}
