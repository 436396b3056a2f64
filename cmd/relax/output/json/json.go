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

// Package json renders output as indented JSON.
package json

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/go-kivik/relax/cmd/relax/output"
)

const defaultIndent = 2

type format struct {
	indent int
}

var (
	_ output.Format    = &format{}
	_ output.FormatArg = &format{}
)

// New returns the JSON formatter. It takes an optional argument, the number
// of spaces to indent by.
func New() output.Format {
	return &format{indent: defaultIndent}
}

func (format) Required() bool { return false }

func (f *format) Arg(arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return err
	}
	f.indent = n
	return nil
}

func (f *format) Output(w io.Writer, r io.Reader) error {
	var obj json.RawMessage
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if f.indent > 0 {
		enc.SetIndent("", spaces(f.indent))
	}
	return enc.Encode(obj)
}

func spaces(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}
