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

package relax

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/go-kivik/relax/chttp"
)

// DefaultHeartbeat is the heartbeat interval requested for long-poll and
// continuous feeds which set no timeout of their own.
const DefaultHeartbeat = 10 * time.Second

// ServerConfig describes how to reach a server.
type ServerConfig struct {
	// Address is the base URL of the server, such as
	// "http://localhost:5984/". Credentials embedded in the URL are used for
	// HTTP Basic Auth, unless Credential is set.
	Address string `validate:"required,url"`

	// Credential authenticates every request. May be nil.
	Credential chttp.Authenticator

	// Timeout bounds each request made through the request executor. Zero
	// means no timeout. Long-poll and continuous feeds are never bounded by
	// Timeout.
	Timeout time.Duration `validate:"gte=0"`

	// Heartbeat overrides DefaultHeartbeat.
	Heartbeat time.Duration `validate:"gte=0"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate reports whether cfg is usable.
func (cfg ServerConfig) Validate() error {
	if err := configValidator().Struct(cfg); err != nil {
		return fmt.Errorf("relax: invalid server config: %w", err)
	}
	return nil
}

// Client is a connection to a server. A Client is safe for concurrent use.
type Client struct {
	http      *chttp.Client
	heartbeat time.Duration
}

// New returns a client for the server described by cfg. Additional options
// are passed through to the underlying transport; cfg.Credential takes
// precedence over any authenticator among them.
func New(cfg ServerConfig, options ...chttp.Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := make([]chttp.Option, 0, len(options)+2)
	opts = append(opts, chttp.OptionTimeout(cfg.Timeout))
	opts = append(opts, options...)
	if cfg.Credential != nil {
		opts = append(opts, cfg.Credential)
	}
	c, err := chttp.New(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("relax: %w", err)
	}
	heartbeat := cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Client{
		http:      c,
		heartbeat: heartbeat,
	}, nil
}

// HTTP returns the underlying transport, for requests not covered by the
// client's methods.
func (c *Client) HTTP() *chttp.Client {
	return c.http
}

// DB returns a handle to the named database. No request is made.
func (c *Client) DB(name string) *DB {
	return &DB{client: c, name: name}
}

// CreateDB creates the named database.
func (c *Client) CreateDB(ctx context.Context, name string) error {
	return c.http.Execute(ctx, http.MethodPut, chttp.DBPath(name), nil, nil)
}

// DestroyDB deletes the named database.
func (c *Client) DestroyDB(ctx context.Context, name string) error {
	return c.http.Execute(ctx, http.MethodDelete, chttp.DBPath(name), nil, nil)
}

// Up reports whether the server is up and ready to serve requests.
func (c *Client) Up(ctx context.Context) error {
	return c.http.Execute(ctx, http.MethodGet, "/_up", nil, nil)
}

// Version returns the server's welcome document.
func (c *Client) Version(ctx context.Context) (*ServerVersion, error) {
	var v ServerVersion
	if err := c.http.Execute(ctx, http.MethodGet, "/", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// SearchAnalyze returns the tokens a full-text search analyzer produces for
// text.
func (c *Client) SearchAnalyze(ctx context.Context, analyzer, text string) (*AnalyzeResult, error) {
	var result AnalyzeResult
	err := c.http.Execute(ctx, http.MethodPost, "/_search_analyze", &chttp.Options{
		JSON: map[string]string{
			"analyzer": analyzer,
			"text":     text,
		},
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
