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

// Package output renders command results.
package output

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/go-kivik/relax/cmd/relax/errors"
)

// Formatter manages output formatting.
type Formatter struct {
	mu         sync.Mutex
	formats    map[string]Format
	formatOpts []string

	stdout    io.Writer
	format    string
	output    string
	overwrite bool
}

// New returns an output formatter instance.
func New() *Formatter {
	return &Formatter{
		formats: map[string]Format{},
		stdout:  os.Stdout,
	}
}

// Format is the output format interface.
type Format interface {
	Output(io.Writer, io.Reader) error
}

// FormatArg is an optional interface. If implemented by a formatter, it
// may receive an argument.
type FormatArg interface {
	Arg(string) error
	Required() bool
}

// Register registers an output formatter. The format registered with the
// empty name is the default.
func (f *Formatter) Register(name string, fmt Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.formats[name]; ok {
		panic(name + " already registered")
	}
	f.formats[name] = fmt
	if name != "" {
		f.formatOpts = append(f.formatOpts, formatOptions(name, fmt))
	}
}

func formatOptions(name string, f Format) string {
	if argFmt, ok := f.(FormatArg); ok {
		if argFmt.Required() {
			return name + "=..."
		}
		return name + "[=...]"
	}
	return name
}

// ConfigFlags sets up the CLI flags based on the configured formatters.
func (f *Formatter) ConfigFlags(fs *pflag.FlagSet) {
	if len(f.formats) == 0 {
		panic("no formatters registered")
	}
	fs.StringVarP(&f.format, "format", "f", "", "Output format. One of: "+strings.Join(f.formatOpts, "|"))
	fs.StringVarP(&f.output, "output", "o", "", "Output file.")
	fs.BoolVarP(&f.overwrite, "overwrite", "F", false, "Overwrite output file")
}

// SetOut sets the destination used when no output file is configured.
func (f *Formatter) SetOut(w io.Writer) {
	f.stdout = w
}

// Validate checks the configured format, so that a bad flag is reported
// before any request is made.
func (f *Formatter) Validate() error {
	_, err := f.formatter()
	return err
}

// Output renders the JSON read from r.
func (f *Formatter) Output(r io.Reader) error {
	fmt, err := f.formatter()
	if err != nil {
		return err
	}
	out, err := f.writer()
	if err != nil {
		return err
	}
	defer out.Close() // nolint:errcheck
	if err := fmt.Output(out, r); err != nil {
		return errors.Code(errors.ErrIO, err)
	}
	return out.Close()
}

// OutputJSON renders i, after marshaling it to JSON.
func (f *Formatter) OutputJSON(i interface{}) error {
	return f.Output(JSONReader(i))
}

// Stream opens the output once, for rendering a sequence of values.
func (f *Formatter) Stream() (*Stream, error) {
	format, err := f.formatter()
	if err != nil {
		return nil, err
	}
	out, err := f.writer()
	if err != nil {
		return nil, err
	}
	return &Stream{format: format, out: out}, nil
}

// Stream renders a sequence of values to a single output. It is safe for
// concurrent use.
type Stream struct {
	mu     sync.Mutex
	format Format
	out    io.WriteCloser
}

// OutputJSON renders i, after marshaling it to JSON.
func (s *Stream) OutputJSON(i interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.format.Output(s.out, JSONReader(i)); err != nil {
		return errors.Code(errors.ErrIO, err)
	}
	return nil
}

// Close closes the output.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

func (f *Formatter) formatter() (Format, error) {
	args := strings.SplitN(f.format, "=", 2) //nolint:gomnd
	name := args[0]
	format, ok := f.formats[name]
	if !ok {
		return nil, errors.Codef(errors.ErrUsage, "unrecognized output format option: %s", name)
	}
	if fmtArg, ok := format.(FormatArg); ok {
		if fmtArg.Required() && len(args) == 1 {
			return nil, errors.Codef(errors.ErrUsage, "format %s requires an argument", name)
		}
		if len(args) > 1 {
			if err := fmtArg.Arg(args[1]); err != nil {
				return nil, errors.Code(errors.ErrUsage, err)
			}
		}
	} else if len(args) > 1 {
		return nil, errors.Codef(errors.ErrUsage, "format %s takes no arguments", name)
	}
	return format, nil
}

func (f *Formatter) writer() (io.WriteCloser, error) {
	switch f.output {
	case "", "-":
		return ensureNewlineEnding(f.stdout), nil
	}
	file, err := f.createFile(f.output)
	if err != nil {
		return nil, errors.Code(errors.ErrIO, err)
	}
	return file, nil
}

func (f *Formatter) createFile(path string) (*os.File, error) {
	if f.overwrite {
		return os.Create(path)
	}
	return os.OpenFile(path, os.O_EXCL|os.O_CREATE|os.O_WRONLY, 0o666) //nolint:gomnd
}

// JSONReader marshals i as JSON.
func JSONReader(i interface{}) io.Reader {
	r, w := io.Pipe()
	go func() {
		err := json.NewEncoder(w).Encode(i)
		_ = w.CloseWithError(err)
	}()
	return r
}

func ensureNewlineEnding(w io.Writer) io.WriteCloser {
	return &addNewlineEnding{Writer: w}
}

type addNewlineEnding struct {
	io.Writer
	last   byte
	closed bool
}

func (w *addNewlineEnding) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.last = p[len(p)-1]
	}
	return w.Writer.Write(p)
}

func (w *addNewlineEnding) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.last != '\n' {
		if _, err := w.Writer.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}
