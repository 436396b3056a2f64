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

package relax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ajg/form"
	"github.com/rs/zerolog"

	"github.com/go-kivik/relax/chttp"
)

// FeedMode selects how the changes feed is consumed.
type FeedMode int

// Feed modes.
const (
	// FeedNormal returns every matching change in a single response.
	FeedNormal FeedMode = iota
	// FeedLongpoll holds the request open until at least one change exists.
	FeedLongpoll
	// FeedContinuous streams changes over a persistent connection.
	FeedContinuous
)

func (m FeedMode) String() string {
	switch m {
	case FeedNormal:
		return "normal"
	case FeedLongpoll:
		return "longpoll"
	case FeedContinuous:
		return "continuous"
	}
	return fmt.Sprintf("FeedMode(%d)", int(m))
}

// ParseFeedMode parses the name of a feed mode. The empty string is
// FeedNormal.
func ParseFeedMode(s string) (FeedMode, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return FeedNormal, nil
	case "longpoll":
		return FeedLongpoll, nil
	case "continuous":
		return FeedContinuous, nil
	}
	return 0, fmt.Errorf("relax: unknown feed mode %q", s)
}

// ChangesOptions are the parameters of a changes feed. Zero values are not
// sent.
type ChangesOptions struct {
	// Since is the update sequence to start after. Defaults to "0" for a
	// normal feed, and "now" otherwise.
	Since       string `formam:"since"`
	IncludeDocs bool   `formam:"include_docs"`
	Descending  bool   `formam:"descending"`
	Limit       int    `formam:"limit"`
	// Timeout is the server-side wait limit for long-poll and continuous
	// feeds, sent in milliseconds.
	Timeout time.Duration `formam:"-"`
	// Heartbeat is the interval at which the server writes an empty line
	// while idle, sent in milliseconds. When neither Timeout nor Heartbeat
	// is set, long-poll and continuous feeds use the client's heartbeat.
	Heartbeat   time.Duration `formam:"-"`
	Filter      string        `formam:"filter"`
	View        string        `formam:"view"`
	Style       string        `formam:"style"`
	Conflicts   bool          `formam:"conflicts"`
	Attachments bool          `formam:"attachments"`
	SeqInterval int           `formam:"seq_interval"`

	// DocIDs and Selector are sent in the request body. Both are sent as
	// given if both are set.
	DocIDs   []string    `formam:"-"`
	Selector interface{} `formam:"-"`
}

type changesQuery struct {
	Feed        string `form:"feed"`
	Since       string `form:"since,omitempty"`
	IncludeDocs bool   `form:"include_docs,omitempty"`
	Descending  bool   `form:"descending,omitempty"`
	Limit       int    `form:"limit,omitempty"`
	Timeout     int64  `form:"timeout,omitempty"`
	Heartbeat   int64  `form:"heartbeat,omitempty"`
	Filter      string `form:"filter,omitempty"`
	View        string `form:"view,omitempty"`
	Style       string `form:"style,omitempty"`
	Conflicts   bool   `form:"conflicts,omitempty"`
	Attachments bool   `form:"attachments,omitempty"`
	SeqInterval int    `form:"seq_interval,omitempty"`
}

type changesBody struct {
	DocIDs   []string    `json:"doc_ids,omitempty"`
	Selector interface{} `json:"selector,omitempty"`
}

// requestOptions builds the query string and, when a document filter is
// set, the JSON body of a changes request.
func (o *ChangesOptions) requestOptions(mode FeedMode, heartbeat time.Duration) (*chttp.Options, error) {
	q := changesQuery{
		Feed:        mode.String(),
		Since:       o.Since,
		IncludeDocs: o.IncludeDocs,
		Descending:  o.Descending,
		Limit:       o.Limit,
		Timeout:     o.Timeout.Milliseconds(),
		Heartbeat:   o.Heartbeat.Milliseconds(),
		Filter:      o.Filter,
		View:        o.View,
		Style:       o.Style,
		Conflicts:   o.Conflicts,
		Attachments: o.Attachments,
		SeqInterval: o.SeqInterval,
	}
	if q.Since == "" {
		q.Since = "now"
		if mode == FeedNormal {
			q.Since = "0"
		}
	}
	if mode != FeedNormal && q.Timeout == 0 && q.Heartbeat == 0 {
		q.Heartbeat = heartbeat.Milliseconds()
	}
	query, err := form.EncodeToValues(q)
	if err != nil {
		return nil, fmt.Errorf("relax: %w", err)
	}
	opts := &chttp.Options{Query: query}
	if len(o.DocIDs) > 0 || o.Selector != nil {
		opts.JSON = changesBody{DocIDs: o.DocIDs, Selector: o.Selector}
	}
	return opts, nil
}

// ChangesResult is the result of [DB.Changes]. Its dynamic type is one of
// *NormalChanges, *LongpollChanges or *ContinuousChanges, matching the
// requested FeedMode.
type ChangesResult interface {
	Mode() FeedMode
	changesResult()
}

// NormalChanges is the result of a normal feed.
type NormalChanges struct {
	*ChangesFeed
}

var _ ChangesResult = (*NormalChanges)(nil)

// Mode returns FeedNormal.
func (*NormalChanges) Mode() FeedMode { return FeedNormal }
func (*NormalChanges) changesResult() {}

// LongpollChanges is a pending long-poll feed.
type LongpollChanges struct {
	*chttp.AbortControl
	pending *chttp.Pending
}

var _ ChangesResult = (*LongpollChanges)(nil)

// Mode returns FeedLongpoll.
func (*LongpollChanges) Mode() FeedMode { return FeedLongpoll }
func (*LongpollChanges) changesResult() {}

// Wait blocks until the server responds, the feed is aborted, or ctx is
// done. A feed aborted before the server responded returns an error wrapping
// [chttp.ErrAborted]. Cancelling ctx does not abort the feed.
func (c *LongpollChanges) Wait(ctx context.Context) (*ChangesFeed, error) {
	select {
	case <-c.pending.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var feed ChangesFeed
	if err := c.pending.Decode(&feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

// ContinuousChanges is a live continuous feed. Changes are passed to the
// callback given to [DB.Changes]; the terminal heading, if the server sends
// one, is returned by Wait.
type ContinuousChanges struct {
	*chttp.Subscription
	method, path string

	headingOnce sync.Once
	headingSeen chan struct{}
	heading     *ChangesHeading

	// decodeErr is owned by the dispatch goroutine until Done closes.
	decodeErr *chttp.Error
}

var _ ChangesResult = (*ContinuousChanges)(nil)

// Mode returns FeedContinuous.
func (*ContinuousChanges) Mode() FeedMode { return FeedContinuous }
func (*ContinuousChanges) changesResult() {}

// Wait blocks until the heading arrives, the feed closes, or ctx is done. If
// the feed closes without a heading, the error is the fault which closed the
// feed, including a [chttp.KindDecode] error for a change or heading which
// could not be decoded, or wraps [chttp.ErrAborted].
func (c *ContinuousChanges) Wait(ctx context.Context) (*ChangesHeading, error) {
	select {
	case <-c.headingSeen:
		return c.heading, nil
	case <-c.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The heading is dispatched before Done closes.
	select {
	case <-c.headingSeen:
		return c.heading, nil
	default:
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return nil, &chttp.Error{Kind: chttp.KindTransport, Method: c.method, Path: c.path, Err: chttp.ErrAborted}
}

// Err returns the fault which terminated the feed: a change or heading
// which could not be decoded, or the fault reported by the subscription.
func (c *ContinuousChanges) Err() error {
	select {
	case <-c.Done():
	default:
		return nil
	}
	if c.decodeErr != nil {
		return c.decodeErr
	}
	return c.Subscription.Err()
}

func (c *ContinuousChanges) setHeading(h *ChangesHeading) {
	c.headingOnce.Do(func() {
		c.heading = h
		close(c.headingSeen)
	})
}

// Changes consumes the database's changes feed in the given mode.
//
// FeedNormal waits for the complete response, bounded by the client's
// timeout. FeedLongpoll and FeedContinuous return immediately, with a
// handle to wait for or abort the feed; neither is bounded by the client's
// timeout. FeedContinuous requires onRecord, which is called once per
// change, in order, on a goroutine owned by the feed. onRecord is ignored
// for other modes.
func (db *DB) Changes(ctx context.Context, mode FeedMode, opts *ChangesOptions, onRecord func(*ChangesRecord)) (ChangesResult, error) {
	if opts == nil {
		opts = &ChangesOptions{}
	}
	reqOpts, err := opts.requestOptions(mode, db.client.heartbeat)
	if err != nil {
		return nil, err
	}
	path := db.path("_changes")
	switch mode {
	case FeedNormal:
		var feed ChangesFeed
		if err := db.client.http.Execute(ctx, http.MethodPost, path, reqOpts, &feed); err != nil {
			return nil, err
		}
		return &NormalChanges{ChangesFeed: &feed}, nil
	case FeedLongpoll:
		pending, abort := db.client.http.ExecuteWithControl(ctx, http.MethodPost, path, reqOpts)
		return &LongpollChanges{AbortControl: abort, pending: pending}, nil
	case FeedContinuous:
		if onRecord == nil {
			return nil, errors.New("relax: continuous feed requires a record callback")
		}
		return db.subscribe(ctx, path, reqOpts, onRecord), nil
	}
	return nil, fmt.Errorf("relax: unknown feed mode %d", int(mode))
}

func (db *DB) subscribe(ctx context.Context, path string, opts *chttp.Options, onRecord func(*ChangesRecord)) *ContinuousChanges {
	method := http.MethodGet
	if opts.JSON != nil {
		method = http.MethodPost
	}
	log := db.client.http.Logger()
	c := &ContinuousChanges{
		method:      method,
		path:        path,
		headingSeen: make(chan struct{}),
	}
	c.Subscription = db.client.http.Subscribe(ctx, method, path, opts, func(value json.RawMessage) {
		if c.decodeErr != nil {
			return
		}
		if !hasSeq(value) {
			var h ChangesHeading
			if err := json.Unmarshal(value, &h); err != nil {
				c.fail(log, value, err)
				return
			}
			c.setHeading(&h)
			return
		}
		var rec ChangesRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			c.fail(log, value, err)
			return
		}
		onRecord(&rec)
	})
	return c
}

// fail ends the feed with a decode error for a value which does not fit a
// change or heading. It is only called from the dispatch goroutine.
func (c *ContinuousChanges) fail(log zerolog.Logger, value json.RawMessage, err error) {
	log.Warn().Err(err).Str("path", c.path).Msg("undecodable change")
	c.decodeErr = &chttp.Error{
		Kind:   chttp.KindDecode,
		Method: c.method,
		Path:   c.path,
		Body:   append([]byte(nil), value...),
		Err:    err,
	}
	c.Abort()
}

// hasSeq reports whether value carries a non-null `seq` field, which marks a
// change rather than the feed heading.
func hasSeq(value json.RawMessage) bool {
	var probe struct {
		Seq json.RawMessage `json:"seq"`
	}
	if err := json.Unmarshal(value, &probe); err != nil {
		return false
	}
	return len(probe.Seq) > 0 && string(probe.Seq) != "null"
}

// NormalChanges requests a normal feed.
func (db *DB) NormalChanges(ctx context.Context, opts *ChangesOptions) (*ChangesFeed, error) {
	result, err := db.Changes(ctx, FeedNormal, opts, nil)
	if err != nil {
		return nil, err
	}
	return result.(*NormalChanges).ChangesFeed, nil
}

// LongpollChanges starts a long-poll feed.
func (db *DB) LongpollChanges(ctx context.Context, opts *ChangesOptions) (*LongpollChanges, error) {
	result, err := db.Changes(ctx, FeedLongpoll, opts, nil)
	if err != nil {
		return nil, err
	}
	return result.(*LongpollChanges), nil
}

// ContinuousChanges starts a continuous feed.
func (db *DB) ContinuousChanges(ctx context.Context, opts *ChangesOptions, onRecord func(*ChangesRecord)) (*ContinuousChanges, error) {
	result, err := db.Changes(ctx, FeedContinuous, opts, onRecord)
	if err != nil {
		return nil, err
	}
	return result.(*ContinuousChanges), nil
}
