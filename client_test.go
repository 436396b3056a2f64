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
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/relax/chttp"
	"github.com/go-kivik/relax/internal/couchtest"
)

func newTestClient(t *testing.T, cfg ServerConfig) (*Client, *couchtest.Server) {
	t.Helper()
	s := couchtest.New(t)
	if cfg.Address == "" {
		cfg.Address = s.URL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c, s
}

func newTestDB(t *testing.T) (*DB, *couchtest.Server) {
	t.Helper()
	c, s := newTestClient(t, ServerConfig{})
	if err := c.CreateDB(context.Background(), "testdb"); err != nil {
		t.Fatal(err)
	}
	return c.DB("testdb"), s
}

func TestServerConfigValidate(t *testing.T) {
	type tt struct {
		cfg ServerConfig
		err string
	}

	tests := testy.NewTable()
	tests.Add("valid", tt{
		cfg: ServerConfig{Address: "http://localhost:5984/", Timeout: time.Second},
	})
	tests.Add("missing address", tt{
		cfg: ServerConfig{},
		err: `relax: invalid server config: .*'Address' failed on the 'required' tag`,
	})
	tests.Add("invalid address", tt{
		cfg: ServerConfig{Address: "not a url"},
		err: `'Address' failed on the 'url' tag`,
	})
	tests.Add("negative timeout", tt{
		cfg: ServerConfig{Address: "http://localhost:5984/", Timeout: -time.Second},
		err: `'Timeout' failed on the 'gte' tag`,
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		err := tt.cfg.Validate()
		if !testy.ErrorMatchesRE(tt.err, err) {
			t.Errorf("Unexpected error: %s", err)
		}
	})
}

func TestNewHeartbeat(t *testing.T) {
	c, err := New(ServerConfig{Address: "http://localhost:5984/"})
	if err != nil {
		t.Fatal(err)
	}
	if c.heartbeat != DefaultHeartbeat {
		t.Errorf("Unexpected default heartbeat: %s", c.heartbeat)
	}
	c, err = New(ServerConfig{Address: "http://localhost:5984/", Heartbeat: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if c.heartbeat != time.Second {
		t.Errorf("Unexpected heartbeat: %s", c.heartbeat)
	}
}

func TestClientCredentials(t *testing.T) {
	type tt struct {
		cred    chttp.Authenticator
		inURL   bool
		want    http.Header
		notWant []string
	}

	tests := testy.NewTable()
	tests.Add("none", tt{
		notWant: []string{"Authorization", chttp.HeaderProxyUsername},
	})
	tests.Add("credentials in address", tt{
		inURL:   true,
		want:    http.Header{"Authorization": {"Basic YWRtaW46YWJjMTIz"}},
		notWant: []string{chttp.HeaderProxyUsername},
	})
	tests.Add("basic", tt{
		cred:    &chttp.BasicAuth{Username: "admin", Password: "abc123"},
		want:    http.Header{"Authorization": {"Basic YWRtaW46YWJjMTIz"}},
		notWant: []string{chttp.HeaderProxyUsername},
	})
	tests.Add("proxy overrides address credentials", tt{
		cred:  &chttp.ProxyAuth{Username: "bob", Token: "xyz", Roles: []string{"_admin"}},
		inURL: true,
		want: http.Header{
			"X-Auth-Couchdb-Username": {"bob"},
			"X-Auth-Couchdb-Roles":    {"_admin"},
			"X-Auth-Couchdb-Token":    {"xyz"},
		},
		notWant: []string{"Authorization"},
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		s := couchtest.New(t)
		addr := s.URL
		if tt.inURL {
			addr = strings.Replace(addr, "http://", "http://admin:abc123@", 1)
		}
		c, err := New(ServerConfig{Address: addr, Credential: tt.cred})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			if err := c.Up(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		reqs := s.Requests()
		if len(reqs) != 2 {
			t.Fatalf("expected 2 requests, got %d", len(reqs))
		}
		for _, req := range reqs {
			for k, v := range tt.want {
				if d := cmp.Diff(v, req.Header.Values(k)); d != "" {
					t.Errorf("%s:\n%s", k, d)
				}
			}
			for _, k := range tt.notWant {
				if v := req.Header.Get(k); v != "" {
					t.Errorf("unexpected %s header: %s", k, v)
				}
			}
		}
	})
}

func TestClientServerMethods(t *testing.T) {
	c, _ := newTestClient(t, ServerConfig{})
	ctx := context.Background()

	if err := c.Up(ctx); err != nil {
		t.Fatal(err)
	}
	v, err := c.Version(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.CouchDB != "Welcome" {
		t.Errorf("Unexpected welcome: %+v", v)
	}

	if err := c.CreateDB(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	err = c.CreateDB(ctx, "foo")
	if !testy.ErrorMatches("PUT /foo: 412 file_exists: The database could not be created, the file already exists.", err) {
		t.Errorf("Unexpected error: %s", err)
	}
	if chttp.HTTPStatus(err) != http.StatusPreconditionFailed {
		t.Errorf("Unexpected status: %d", chttp.HTTPStatus(err))
	}
	if err := c.DestroyDB(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	if err := c.DestroyDB(ctx, "foo"); !chttp.IsKind(err, chttp.KindApplication) {
		t.Errorf("Unexpected error: %v", err)
	}

	tokens, err := c.SearchAnalyze(ctx, "standard", "Hello Lucene World")
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]string{"hello", "lucene", "world"}, tokens.Tokens); d != "" {
		t.Error(d)
	}
}

func TestClientUnexpectedContentType(t *testing.T) {
	c, s := newTestClient(t, ServerConfig{})
	s.Override(http.MethodGet, "/_up", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("maintenance"))
	})
	err := c.Up(context.Background())
	var e *chttp.Error
	if !chttp.IsKind(err, chttp.KindUnexpectedContentType) || !errors.As(err, &e) {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(e.Body) != "maintenance" {
		t.Errorf("Unexpected body: %s", e.Body)
	}
}

func TestClientTimeout(t *testing.T) {
	c, s := newTestClient(t, ServerConfig{Timeout: 50 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	s.Override(http.MethodGet, "/_up", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	err := c.Up(context.Background())
	if !chttp.IsKind(err, chttp.KindTimeout) {
		t.Errorf("Unexpected error: %v", err)
	}
}
