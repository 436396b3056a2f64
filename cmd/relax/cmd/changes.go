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
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/monoculum/formam/v3"
	"github.com/spf13/cobra"

	"github.com/go-kivik/relax"
	"github.com/go-kivik/relax/cmd/relax/errors"
)

type changes struct {
	*root
	feed     string
	selector string
}

func changesCmd(r *root) *cobra.Command {
	c := &changes{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "changes [dsn]/[database]",
		Short: "Follow a database's changes feed",
		Long: `Read a database's changes feed.

A normal feed prints the complete result. A long-poll feed waits for at least
one change. A continuous feed prints each change as it arrives, until the
server closes the feed or the command is interrupted.

Feed parameters are passed with -O, such as -O since=now -O include_docs=true.
The timeout and heartbeat parameters are in milliseconds, or a duration such
as 30s. The doc_ids parameter is a comma-separated list.`,
		Args: cobra.MaximumNArgs(1),
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.StringVar(&c.feed, "feed", "normal", "Feed mode. One of: normal|longpoll|continuous")
	f.StringVar(&c.selector, "selector", "", "Mango selector, as JSON, to filter changes by")
	return cmd
}

var changesDecoder = formam.NewDecoder(&formam.DecoderOptions{
	TagName: "formam",
})

// changesOptions builds the feed parameters from the -O options.
func (c *changes) changesOptions() (*relax.ChangesOptions, error) {
	opts := &relax.ChangesOptions{}
	values := url.Values{}
	for k, v := range c.options {
		var err error
		switch k {
		case "timeout":
			opts.Timeout, err = parseMillis(v)
		case "heartbeat":
			opts.Heartbeat, err = parseMillis(v)
		case "doc_ids":
			opts.DocIDs = strings.Split(v, ",")
		case "feed":
			err = errors.Code(errors.ErrUsage, "use --feed to set the feed mode")
		default:
			values.Set(k, v)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := changesDecoder.Decode(values, opts); err != nil {
		return nil, errors.Code(errors.ErrUsage, err)
	}
	if c.selector != "" {
		if err := json.Unmarshal([]byte(c.selector), &opts.Selector); err != nil {
			return nil, errors.Codef(errors.ErrUsage, "invalid selector: %s", err)
		}
	}
	return opts, nil
}

// parseMillis parses a bare number as milliseconds, or else a Go duration.
func parseMillis(val string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		if ms < 0 {
			return 0, errors.Code(errors.ErrUsage, "negative timeout not permitted")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return parseDuration(val)
}

func (c *changes) RunE(cmd *cobra.Command, _ []string) error {
	mode, err := relax.ParseFeedMode(c.feed)
	if err != nil {
		return errors.Code(errors.ErrUsage, err)
	}
	opts, err := c.changesOptions()
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	dbName, err := c.conf.DB()
	if err != nil {
		return err
	}
	db := client.DB(dbName)
	ctx := cmd.Context()
	c.log.Debugf("[changes] Will read %s feed of %s", mode, dbName)

	switch mode {
	case relax.FeedLongpoll:
		return c.retry(ctx, func() error {
			return c.longpoll(ctx, db, opts)
		})
	case relax.FeedContinuous:
		return c.continuous(ctx, db, opts)
	}
	return c.retry(ctx, func() error {
		feed, err := db.NormalChanges(ctx, opts)
		if err != nil {
			return err
		}
		return c.fmt.OutputJSON(feed)
	})
}

func (c *changes) longpoll(ctx context.Context, db *relax.DB, opts *relax.ChangesOptions) error {
	lp, err := db.LongpollChanges(ctx, opts)
	if err != nil {
		return err
	}
	feed, err := lp.Wait(ctx)
	if err != nil {
		lp.Abort()
		if ctx.Err() != nil {
			c.log.Debug("[changes] interrupted")
			return nil
		}
		return err
	}
	return c.fmt.OutputJSON(feed)
}

// continuous is never retried, as changes already printed would be repeated.
func (c *changes) continuous(ctx context.Context, db *relax.DB, opts *relax.ChangesOptions) error {
	stream, err := c.fmt.Stream()
	if err != nil {
		return err
	}
	defer stream.Close() // nolint:errcheck

	feedCtx, stop := context.WithCancel(ctx)
	defer stop()
	var outErr error
	feed, err := db.ContinuousChanges(feedCtx, opts, func(rec *relax.ChangesRecord) {
		if outErr != nil {
			return
		}
		if outErr = stream.OutputJSON(rec); outErr != nil {
			stop()
		}
	})
	if err != nil {
		return err
	}
	heading, err := feed.Wait(ctx)
	if ctx.Err() != nil {
		feed.Abort()
		<-feed.Done()
		c.log.Debug("[changes] interrupted")
		return outErr
	}
	<-feed.Done()
	if outErr != nil {
		return outErr
	}
	if err != nil {
		return err
	}
	if err := stream.OutputJSON(heading); err != nil {
		return err
	}
	return stream.Close()
}
