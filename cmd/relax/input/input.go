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

// Package input reads document data supplied on the command line.
package input

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/icza/dyno"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/go-kivik/relax/cmd/relax/errors"
)

// Input holds the document data flags.
type Input struct {
	data  string
	file  string
	yaml  bool
	stdin io.Reader
}

// New returns an Input reading "-" from os.Stdin.
func New() *Input {
	return &Input{stdin: os.Stdin}
}

// SetIn sets the reader used for a data file of "-".
func (i *Input) SetIn(r io.Reader) {
	i.stdin = r
}

// ConfigFlags adds the data flags to pf.
func (i *Input) ConfigFlags(pf *pflag.FlagSet) {
	pf.StringVarP(&i.data, "data", "d", "", "JSON document data.")
	pf.StringVarP(&i.file, "data-file", "D", "", "Read document data from the named file. Use - for stdin. Assumed to be JSON, unless the file extension is .yaml or .yml, or the --yaml flag is used.")
	pf.BoolVar(&i.yaml, "yaml", false, "Treat input data as YAML")
}

// HasInput returns true if some input has been provided.
func (i *Input) HasInput() bool {
	return i.data != "" || i.file != ""
}

func (i *Input) isYAML() bool {
	return i.yaml || strings.HasSuffix(i.file, ".yaml") || strings.HasSuffix(i.file, ".yml")
}

func (i *Input) open() (io.ReadCloser, error) {
	switch {
	case i.data != "":
		return io.NopCloser(strings.NewReader(i.data)), nil
	case i.file == "-":
		return io.NopCloser(i.stdin), nil
	case i.file != "":
		f, err := os.Open(i.file)
		if err != nil {
			return nil, errors.Code(errors.ErrNoInput, err)
		}
		return f, nil
	}
	return nil, errors.Code(errors.ErrUsage, "no document data provided")
}

// JSONData returns the input as a JSON object. YAML input is converted.
func (i *Input) JSONData() (map[string]interface{}, error) {
	r, err := i.open()
	if err != nil {
		return nil, err
	}
	defer r.Close() // nolint:errcheck

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Code(errors.ErrIO, err)
	}

	if i.isYAML() {
		return yaml2json(buf)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, errors.Code(errors.ErrData, err)
	}
	if doc == nil {
		return nil, errors.Code(errors.ErrData, "document must be a JSON object")
	}
	return doc, nil
}

func yaml2json(buf []byte) (map[string]interface{}, error) {
	var doc interface{}
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, errors.Code(errors.ErrData, err)
	}
	obj, ok := dyno.ConvertMapI2MapS(doc).(map[string]interface{})
	if !ok {
		return nil, errors.Code(errors.ErrData, "document must be a YAML mapping")
	}
	return obj, nil
}
