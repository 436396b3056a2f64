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
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a request failure.
type Kind int

// Failure kinds.
const (
	_ Kind = iota
	// KindTimeout means the deadline expired before a response was received,
	// and the request was aborted.
	KindTimeout
	// KindUnexpectedContentType means the server responded with something
	// other than JSON.
	KindUnexpectedContentType
	// KindApplication means the server returned a JSON error payload.
	KindApplication
	// KindTransport means a connection, DNS, TLS or protocol fault.
	KindTransport
	// KindDecode means a response or streamed record was malformed JSON.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindUnexpectedContentType:
		return "UnexpectedContentType"
	case KindApplication:
		return "ApplicationError"
	case KindTransport:
		return "TransportError"
	case KindDecode:
		return "DecodeError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrAborted is wrapped by the error reported for a request or feed which was
// closed before producing a result.
var ErrAborted = errors.New("chttp: aborted")

// Error is a failed request. Method and Path are always set.
type Error struct {
	Kind   Kind
	Method string
	Path   string

	// StatusCode is the HTTP status, if a response was received.
	StatusCode int
	// Name is the value of the `error` field of a JSON error payload, such
	// as "conflict" or "not_found".
	Name string
	// Reason is the `reason` field of a JSON error payload.
	Reason string
	// Body is the raw response body, if one was read.
	Body []byte
	// Header holds the response headers, if a response was received.
	Header http.Header

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("%s %s", e.Method, e.Path)
	switch e.Kind {
	case KindApplication:
		msg := e.Reason
		if e.Name != "" && msg != "" {
			msg = e.Name + ": " + msg
		} else if e.Name != "" {
			msg = e.Name
		}
		if msg == "" {
			msg = http.StatusText(e.StatusCode)
		}
		return fmt.Sprintf("%s: %d %s", prefix, e.StatusCode, msg)
	case KindUnexpectedContentType:
		return fmt.Sprintf("%s: unexpected content type %q", prefix, e.Header.Get("Content-Type"))
	case KindTimeout:
		if e.Err != nil {
			return fmt.Sprintf("%s: timeout: %s", prefix, e.Err)
		}
		return prefix + ": timeout"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", prefix, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code associated with the error. For
// failures where no usable response was received, a gateway status is
// returned.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindApplication:
		return e.StatusCode
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus returns the HTTP status code embedded in err, 0 if err is nil,
// or 500 if no status is available.
func HTTPStatus(err error) int {
	if err == nil {
		return 0
	}
	var coder interface {
		HTTPStatus() int
	}
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	return http.StatusInternalServerError
}
