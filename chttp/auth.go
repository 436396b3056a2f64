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
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator resolves a credential into the set of headers attached to
// every outgoing request. It is called once, when the client is created.
type Authenticator interface {
	Option
	AuthHeader() http.Header
}

// Default proxy authentication header names.
const (
	HeaderProxyUsername = "X-Auth-CouchDB-UserName"
	HeaderProxyRoles    = "X-Auth-CouchDB-Roles"
	HeaderProxyToken    = "X-Auth-CouchDB-Token"
)

// BasicAuth provides HTTP Basic Auth for a client.
type BasicAuth struct {
	Username string
	Password string
}

var _ Authenticator = (*BasicAuth)(nil)

// Apply sets a as the authenticator for a *Client.
func (a *BasicAuth) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		// Clone this so that it's safe to re-use the same option to multiple
		// client connections.
		c.auth = &BasicAuth{
			Username: a.Username,
			Password: a.Password,
		}
	}
}

func (a *BasicAuth) String() string {
	return fmt.Sprintf("[BasicAuth{user:%s,pass:%s}]", a.Username, strings.Repeat("*", len(a.Password)))
}

// AuthHeader returns the Authorization header.
func (a *BasicAuth) AuthHeader() http.Header {
	creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	return http.Header{
		"Authorization": []string{"Basic " + creds},
	}
}

// ProxyAuth provides support for CouchDB's [proxy authentication].
//
// [proxy authentication]: https://docs.couchdb.org/en/stable/api/server/authn.html#proxy-authentication
type ProxyAuth struct {
	Username string
	// Token is sent as-is in the token header. If empty, and Secret is set,
	// the token is derived from Secret and Username.
	Token string
	// Secret is the shared proxy secret configured on the server.
	Secret string
	Roles  []string
	// Headers optionally renames the default proxy headers. Keys are the
	// default header names, values the replacement names.
	Headers http.Header
}

var _ Authenticator = (*ProxyAuth)(nil)

// Apply sets a as the authenticator for a *Client.
func (a *ProxyAuth) Apply(target interface{}) {
	if c, ok := target.(*Client); ok {
		c.auth = &ProxyAuth{
			Username: a.Username,
			Token:    a.Token,
			Secret:   a.Secret,
			Roles:    append([]string(nil), a.Roles...),
			Headers:  a.Headers.Clone(),
		}
	}
}

func (a *ProxyAuth) String() string {
	return fmt.Sprintf("[ProxyAuth{username:%s,token:%s,secret:%s}]",
		a.Username, strings.Repeat("*", len(a.Token)), strings.Repeat("*", len(a.Secret)))
}

func (a *ProxyAuth) header(header string) string {
	if h := a.Headers.Get(header); h != "" {
		return http.CanonicalHeaderKey(h)
	}
	return http.CanonicalHeaderKey(header)
}

func (a *ProxyAuth) token() string {
	if a.Token != "" {
		return a.Token
	}
	if a.Secret == "" {
		return ""
	}
	// https://docs.couchdb.org/en/stable/config/auth.html#chttpd_auth/x_auth_token
	h := hmac.New(sha1.New, []byte(a.Secret))
	_, _ = h.Write([]byte(a.Username))
	return hex.EncodeToString(h.Sum(nil))
}

// AuthHeader returns the proxy authentication headers.
func (a *ProxyAuth) AuthHeader() http.Header {
	header := http.Header{}
	header.Set(a.header(HeaderProxyUsername), a.Username)
	header.Set(a.header(HeaderProxyRoles), strings.Join(a.Roles, ","))
	if token := a.token(); token != "" {
		header.Set(a.header(HeaderProxyToken), token)
	}
	return header
}
