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

package cmd

import (
	"testing"

	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/relax/cmd/relax/errors"
	"github.com/go-kivik/relax/internal/couchtest"
)

func Test_version_RunE(t *testing.T) {
	tests := testy.NewTable()

	tests.Add("client only", cmdTest{
		args:   []string{"version", "--client", "--format", "go-template={{ .version }}"},
		stdout: Version + "\n",
	})
	tests.Add("client and server", func(t *testing.T) interface{} {
		s := couchtest.New(t)
		return cmdTest{
			args:   []string{"version", s.URL, "--format", "go-template={{ .version }} {{ .server.version }} {{ .server.vendor.name }}"},
			stdout: Version + " 3.3.3 couchtest\n",
		}
	})
	tests.Add("no server", cmdTest{
		args:   []string{"version"},
		status: errors.ErrUsage,
	})

	tests.Run(t, func(t *testing.T, tt cmdTest) {
		tt.Test(t)
	})
}
