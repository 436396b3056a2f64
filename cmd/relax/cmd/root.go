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

// Package cmd implements the relax command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/go-kivik/relax"
	"github.com/go-kivik/relax/chttp"
	"github.com/go-kivik/relax/cmd/relax/config"
	"github.com/go-kivik/relax/cmd/relax/errors"
	"github.com/go-kivik/relax/cmd/relax/log"
	"github.com/go-kivik/relax/cmd/relax/output"
	"github.com/go-kivik/relax/cmd/relax/output/gotmpl"
	"github.com/go-kivik/relax/cmd/relax/output/json"
	"github.com/go-kivik/relax/cmd/relax/output/raw"
	"github.com/go-kivik/relax/cmd/relax/output/yaml"
)

// Version is the version of the relax CLI.
const Version = "0.1.0"

type root struct {
	confFile string
	debug    bool
	log      log.Logger
	conf     *config.Config
	cmd      *cobra.Command
	fmt      *output.Formatter

	timeout   time.Duration
	heartbeat time.Duration
	options   map[string]string

	retryCount         int
	retryDelay         string
	retryTimeout       string
	retryDelayParsed   time.Duration
	retryTimeoutParsed time.Duration

	// resolveHome is used to resolve ~ in the default config file path
	resolveHome func(string) string
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	lg := log.New()
	root := rootCmd(lg)
	os.Exit(root.execute(ctx))
}

func (r *root) execute(ctx context.Context) int {
	err := r.cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	r.log.SetErr(r.cmd.ErrOrStderr())
	r.log.Error(err)
	return extractExitCode(err)
}

func extractExitCode(err error) int {
	if code := errors.InspectErrorCode(err); code != 0 {
		return code
	}

	// Any unhandled errors are assumed to be from Cobra, so return a "failed
	// to initialize" error
	return errors.ErrUsage
}

func formatter() *output.Formatter {
	f := output.New()
	f.Register("", json.New())
	f.Register("json", json.New())
	f.Register("raw", raw.New())
	f.Register("yaml", yaml.New())
	f.Register("go-template", gotmpl.New())
	return f
}

func resolveHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	return filepath.Join(usr.HomeDir, path[2:])
}

func rootCmd(lg log.Logger) *root {
	r := &root{
		log:         lg,
		fmt:         formatter(),
		conf:        config.New(),
		resolveHome: resolveHome,
	}
	r.cmd = &cobra.Command{
		Use:               "relax",
		Short:             "relax talks to CouchDB servers",
		Long:              `This tool reads and writes documents, and follows changes feeds, over CouchDB's HTTP API`,
		PersistentPreRunE: r.init,
		RunE:              r.RunE,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	pf := r.cmd.PersistentFlags()

	r.fmt.ConfigFlags(pf)
	pf.StringVar(&r.confFile, "config", "~/.relax/config.yaml", "Path to config file to use for CLI requests")
	pf.BoolVar(&r.debug, "debug", false, "Enable debug output")
	pf.StringToStringVarP(&r.options, "option", "O", nil, "Request option, specified as key=value. May be repeated.")
	pf.DurationVar(&r.timeout, "timeout", 0, "The time limit for each request. Feeds other than normal are not limited.")
	pf.DurationVar(&r.heartbeat, "heartbeat", 0, "Heartbeat interval requested for long-poll and continuous feeds.")
	pf.IntVar(&r.retryCount, "retry", 0, "In case of transient error, retry up to this many times. A negative value retries forever.")
	pf.StringVar(&r.retryDelay, "retry-delay", "", "Delay between retry attempts. Disables the default exponential backoff algorithm.")
	pf.StringVar(&r.retryTimeout, "retry-timeout", "", "When used with --retry, no more retries will be attempted after this timeout.")

	r.conf.BindFlag(config.KeyTimeout, pf.Lookup("timeout"))
	r.conf.BindFlag(config.KeyHeartbeat, pf.Lookup("heartbeat"))

	r.cmd.AddCommand(getCmd(r))
	r.cmd.AddCommand(putCmd(r))
	r.cmd.AddCommand(deleteCmd(r))
	r.cmd.AddCommand(changesCmd(r))
	r.cmd.AddCommand(pingCmd(r))
	r.cmd.AddCommand(versionCmd(r))

	return r
}

func parseDuration(val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	if d, err := strconv.ParseFloat(val, 64); err == nil {
		if d < 0 {
			return 0, errors.Code(errors.ErrUsage, "negative timeout not permitted")
		}
		return time.Duration(d * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.Code(errors.ErrUsage, err)
	}
	if d < 0 {
		return 0, errors.Code(errors.ErrUsage, "negative timeout not permitted")
	}
	return d, nil
}

func (r *root) init(cmd *cobra.Command, args []string) error {
	r.log.SetOut(cmd.OutOrStdout())
	r.log.SetErr(cmd.ErrOrStderr())
	r.log.SetDebug(r.debug)
	r.fmt.SetOut(cmd.OutOrStdout())

	r.log.Debug("Debug mode enabled")

	if err := r.fmt.Validate(); err != nil {
		return err
	}
	if r.timeout < 0 || r.heartbeat < 0 {
		return errors.Code(errors.ErrUsage, "negative timeout not permitted")
	}

	var err error
	r.retryDelayParsed, err = parseDuration(r.retryDelay)
	if err != nil {
		return err
	}
	r.retryTimeoutParsed, err = parseDuration(r.retryTimeout)
	if err != nil {
		return err
	}

	if err := r.conf.Read(r.resolveHome(r.confFile), r.log); err != nil {
		return err
	}

	if r.options == nil {
		r.options = map[string]string{}
	}
	if len(args) > 0 {
		opts, err := r.conf.SetURL(args[0])
		if err != nil {
			return err
		}
		for k, v := range opts {
			if _, ok := r.options[k]; !ok {
				r.options[k] = v
			}
		}
	}
	if len(r.options) > 0 {
		r.log.Debugf("Request options: %v", r.options)
	}

	return nil
}

func (r *root) client() (*relax.Client, error) {
	cfg, err := r.conf.ServerConfig()
	if err != nil {
		return nil, err
	}
	r.log.Debugf("Server: %s, timeout: %s", cfg.Address, cfg.Timeout)
	client, err := relax.New(cfg,
		chttp.OptionLogger(r.log.Zerolog()),
		chttp.OptionUserAgent("relax-cli/"+Version),
	)
	if err != nil {
		return nil, errors.Code(errors.ErrUsage, err)
	}
	return client, nil
}

func (r *root) RunE(_ *cobra.Command, _ []string) error {
	if _, err := r.client(); err != nil {
		return err
	}
	cx, err := r.conf.CurrentCx()
	if err != nil {
		return err
	}
	r.log.Debugf("DSN: %s from %q", cx, r.conf.CurrentContext)
	return nil
}

func (r *root) retry(ctx context.Context, fn func() error) error {
	if r.retryCount == 0 {
		return fn()
	}
	var bo backoff.BackOff
	switch {
	case r.retryDelayParsed == 0 && r.retryDelay != "": // Disables retry delay
		bo = &backoff.ZeroBackOff{}
	case r.retryDelayParsed != 0:
		bo = backoff.NewConstantBackOff(r.retryDelayParsed)
	default:
		bo = backoff.NewExponentialBackOff()
	}
	if r.retryCount >= 0 {
		// WithMaxRetries really means WithMaxTries, so +1
		bo = backoff.WithMaxRetries(bo, uint64(r.retryCount+1))
	}
	if r.retryTimeoutParsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.retryTimeoutParsed)
		defer cancel()
	}
	bo = backoff.WithContext(bo, ctx)
	var count int
	var err error
	return backoff.Retry(func() error {
		if count > 0 {
			msg := fmt.Sprintf("Warning: Transient problem: %s.", err)
			switch nbo := bo.NextBackOff(); nbo {
			case backoff.Stop, 0:
			default:
				msg += fmt.Sprintf(" Will retry in %s.", fmtDuration(nbo))
			}
			if remain := r.retryCount - count; remain > 0 {
				msg += fmt.Sprintf(" %d retries left.", remain)
			}
			r.log.Error(msg)
		}
		count++
		err = fn()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// transient reports whether a failed request is worth retrying.
func transient(err error) bool {
	var reqErr *chttp.Error
	if !errors.As(err, &reqErr) {
		return false
	}
	switch reqErr.Kind {
	case chttp.KindTimeout, chttp.KindTransport:
		return true
	case chttp.KindApplication:
		return reqErr.StatusCode >= 500 // nolint:gomnd
	}
	return false
}

// nolint:gomnd
func fmtDuration(dur time.Duration) string {
	s := dur.Seconds()
	if s < 60 {
		return fmt.Sprintf("%0.2fs", s)
	}
	m := int(s / 60)
	s -= float64(m) * 60
	if m < 60 {
		return fmt.Sprintf("%dm%ds", m, int(s))
	}
	h := m / 60
	m -= h * 60
	if h < 24 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	d := h / 24
	h -= d * 24
	return fmt.Sprintf("%dd%dh%dm", d, h, m)
}
