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

// Package feed decodes newline-delimited JSON feeds which arrive as arbitrarily
// fragmented byte chunks, such as CouchDB's continuous changes feed.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

const newline = '\n'

// Decoder holds the pending fragment of a newline-delimited JSON stream. The
// zero value is ready to use. A Decoder is not safe for concurrent use; it is
// meant to be owned by the single goroutine reading a connection.
type Decoder struct {
	buf []byte
}

// SyntaxError is returned when a complete line fails to parse as JSON.
type SyntaxError struct {
	Line []byte
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid feed line %q: %s", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// IsHeartbeat reports whether chunk is a bare heartbeat, a single newline.
func IsHeartbeat(chunk []byte) bool {
	return len(chunk) == 1 && chunk[0] == newline
}

// Pending returns the number of buffered bytes not yet terminated by a
// newline.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Feed consumes a single chunk, and returns the JSON values completed by it,
// in the order they appeared.
//
//   - An empty chunk is ignored.
//   - A chunk consisting of a single newline is a heartbeat. It is discarded,
//     and any pending fragment is left untouched.
//   - A chunk which does not end in a newline is buffered.
//   - A chunk ending in a newline completes the pending fragment. Every
//     non-empty line is parsed, and the buffer is cleared.
//
// Lines are only split when a chunk ends in a newline. A chunk such as
// `{"seq":1}` + "\n" + `{"se` is buffered whole, so the complete first line
// is not returned until a later chunk ends in a newline.
//
// If a line fails to parse, the values preceding it are returned along with a
// *SyntaxError, and the buffer is cleared.
func (d *Decoder) Feed(chunk []byte) ([]json.RawMessage, error) {
	if len(chunk) == 0 || IsHeartbeat(chunk) {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)
	if chunk[len(chunk)-1] != newline {
		return nil, nil
	}
	defer d.reset()
	var values []json.RawMessage
	for _, line := range bytes.Split(d.buf, []byte{newline}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		value, err := decodeLine(line)
		if err != nil {
			return values, err
		}
		values = append(values, value)
	}
	return values, nil
}

func (d *Decoder) reset() {
	d.buf = d.buf[:0]
}

// decodeLine returns a copy of line, decoded as UTF-8 and validated as a
// single JSON value. Invalid UTF-8 sequences are replaced with U+FFFD.
func decodeLine(line []byte) (json.RawMessage, error) {
	text, err := unicode.UTF8.NewDecoder().Bytes(line)
	if err != nil {
		return nil, &SyntaxError{Line: append([]byte(nil), line...), Err: err}
	}
	var value json.RawMessage
	if err := json.Unmarshal(text, &value); err != nil {
		return nil, &SyntaxError{Line: text, Err: err}
	}
	return value, nil
}
