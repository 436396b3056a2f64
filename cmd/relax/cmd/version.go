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
	"runtime"

	"github.com/spf13/cobra"

	"github.com/go-kivik/relax"
)

type version struct {
	*root
	clientOnly bool
}

func versionCmd(r *root) *cobra.Command {
	c := &version{
		root: r,
	}
	cmd := &cobra.Command{
		Use:     "version [dsn]",
		Aliases: []string{"ver"},
		Short:   "Print client and server version information",
		Long:    "Print client and server versions for the provided context",
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}
	cmd.Flags().BoolVar(&c.clientOnly, "client", false, "Print only the client version")
	return cmd
}

type versionInfo struct {
	Version   string               `json:"version"`
	GoVersion string               `json:"goVersion"`
	GOARCH    string               `json:"GOARCH"`
	GOOS      string               `json:"GOOS"`
	Server    *relax.ServerVersion `json:"server,omitempty"`
}

func (c *version) RunE(cmd *cobra.Command, _ []string) error {
	data := versionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
	}
	if c.clientOnly {
		return c.fmt.OutputJSON(data)
	}

	client, err := c.client()
	if err != nil {
		return err
	}
	return c.retry(cmd.Context(), func() error {
		server, err := client.Version(cmd.Context())
		if err != nil {
			return err
		}
		data.Server = server
		return c.fmt.OutputJSON(data)
	})
}
