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
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/relax/chttp"
)

func TestChangesRequestOptions(t *testing.T) {
	type tt struct {
		mode      FeedMode
		opts      ChangesOptions
		wantQuery url.Values
		wantBody  interface{}
	}

	tests := testy.NewTable()
	tests.Add("normal defaults", tt{
		mode:      FeedNormal,
		wantQuery: url.Values{"feed": {"normal"}, "since": {"0"}},
	})
	tests.Add("longpoll defaults", tt{
		mode:      FeedLongpoll,
		wantQuery: url.Values{"feed": {"longpoll"}, "since": {"now"}, "heartbeat": {"10000"}},
	})
	tests.Add("continuous defaults", tt{
		mode:      FeedContinuous,
		wantQuery: url.Values{"feed": {"continuous"}, "since": {"now"}, "heartbeat": {"10000"}},
	})
	tests.Add("timeout suppresses heartbeat default", tt{
		mode:      FeedLongpoll,
		opts:      ChangesOptions{Timeout: 30 * time.Second},
		wantQuery: url.Values{"feed": {"longpoll"}, "since": {"now"}, "timeout": {"30000"}},
	})
	tests.Add("explicit heartbeat", tt{
		mode:      FeedContinuous,
		opts:      ChangesOptions{Heartbeat: 500 * time.Millisecond},
		wantQuery: url.Values{"feed": {"continuous"}, "since": {"now"}, "heartbeat": {"500"}},
	})
	tests.Add("all query options", tt{
		mode: FeedNormal,
		opts: ChangesOptions{
			Since:       "5-abc",
			IncludeDocs: true,
			Descending:  true,
			Limit:       10,
			Filter:      "_view",
			View:        "ddoc/view",
			Style:       "all_docs",
			Conflicts:   true,
			Attachments: true,
			SeqInterval: 3,
		},
		wantQuery: url.Values{
			"feed":         {"normal"},
			"since":        {"5-abc"},
			"include_docs": {"true"},
			"descending":   {"true"},
			"limit":        {"10"},
			"filter":       {"_view"},
			"view":         {"ddoc/view"},
			"style":        {"all_docs"},
			"conflicts":    {"true"},
			"attachments":  {"true"},
			"seq_interval": {"3"},
		},
	})
	tests.Add("doc ids go to body", tt{
		mode:      FeedNormal,
		opts:      ChangesOptions{DocIDs: []string{"a", "b"}},
		wantQuery: url.Values{"feed": {"normal"}, "since": {"0"}},
		wantBody:  changesBody{DocIDs: []string{"a", "b"}},
	})
	tests.Add("selector goes to body", tt{
		mode:      FeedNormal,
		opts:      ChangesOptions{Selector: map[string]interface{}{"type": "post"}},
		wantQuery: url.Values{"feed": {"normal"}, "since": {"0"}},
		wantBody:  changesBody{Selector: map[string]interface{}{"type": "post"}},
	})
	tests.Add("both filters forwarded", tt{
		mode: FeedNormal,
		opts: ChangesOptions{
			DocIDs:   []string{"a"},
			Selector: map[string]interface{}{"type": "post"},
		},
		wantQuery: url.Values{"feed": {"normal"}, "since": {"0"}},
		wantBody: changesBody{
			DocIDs:   []string{"a"},
			Selector: map[string]interface{}{"type": "post"},
		},
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		got, err := tt.opts.requestOptions(tt.mode, DefaultHeartbeat)
		if err != nil {
			t.Fatal(err)
		}
		if d := cmp.Diff(tt.wantQuery, got.Query); d != "" {
			t.Errorf("Unexpected query:\n%s", d)
		}
		if d := cmp.Diff(tt.wantBody, got.JSON); d != "" {
			t.Errorf("Unexpected body:\n%s", d)
		}
	})
}

func TestChangesBodyOmitsUnsetFilter(t *testing.T) {
	body, err := json.Marshal(changesBody{DocIDs: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"doc_ids":["a"]}` {
		t.Errorf("Unexpected body: %s", body)
	}
	body, err = json.Marshal(changesBody{Selector: map[string]string{"a": "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"selector":{"a":"b"}}` {
		t.Errorf("Unexpected body: %s", body)
	}
}

func TestParseFeedMode(t *testing.T) {
	for in, want := range map[string]FeedMode{
		"":           FeedNormal,
		"normal":     FeedNormal,
		"LongPoll":   FeedLongpoll,
		"continuous": FeedContinuous,
	} {
		got, err := ParseFeedMode(in)
		if err != nil {
			t.Errorf("%q: %s", in, err)
		}
		if got != want {
			t.Errorf("%q: got %s, want %s", in, got, want)
		}
	}
	if _, err := ParseFeedMode("eventsource"); !testy.ErrorMatches(`relax: unknown feed mode "eventsource"`, err) {
		t.Errorf("Unexpected error: %s", err)
	}
}

func TestHasSeq(t *testing.T) {
	for in, want := range map[string]bool{
		`{"seq":1,"id":"a"}`:       true,
		`{"seq":"1-abc","id":"a"}`: true,
		`{"last_seq":5}`:           false,
		`{"seq":null}`:             false,
		`[1,2]`:                    false,
	} {
		if got := hasSeq(json.RawMessage(in)); got != want {
			t.Errorf("%s: got %t", in, got)
		}
	}
}

func TestSeqUnmarshal(t *testing.T) {
	type tt struct {
		in   string
		want Seq
		err  string
	}

	tests := testy.NewTable()
	tests.Add("string", tt{in: `"12-g1AAAA"`, want: "12-g1AAAA"})
	tests.Add("integer", tt{in: `42`, want: "42"})
	tests.Add("null", tt{in: `null`, want: ""})
	tests.Add("array", tt{in: `[1, "g1AAA"]`, want: `[1,"g1AAA"]`})
	tests.Add("object", tt{in: `{ "node": 3 }`, want: `{"node":3}`})
	tests.Add("bool", tt{in: `true`, err: "json: cannot unmarshal bool into Go value of type json.Number"})

	tests.Run(t, func(t *testing.T, tt tt) {
		var got Seq
		err := json.Unmarshal([]byte(tt.in), &got)
		if !testy.ErrorMatches(tt.err, err) {
			t.Errorf("Unexpected error: %s", err)
		}
		if got != tt.want {
			t.Errorf("Unexpected seq: %q", got)
		}
	})
	if n, ok := Seq("42").Int(); !ok || n != 42 {
		t.Errorf("Unexpected int: %d %t", n, ok)
	}
	if _, ok := Seq("42-abc").Int(); ok {
		t.Error("opaque sequence parsed as int")
	}
}

func TestChangesNormal(t *testing.T) {
	db, s := newTestDB(t)
	seedDocs(t, db, "a", "b", "c")
	ctx := context.Background()

	result, err := db.Changes(ctx, FeedNormal, &ChangesOptions{IncludeDocs: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Mode() != FeedNormal {
		t.Errorf("Unexpected mode: %s", result.Mode())
	}
	feed := result.(*NormalChanges)
	if len(feed.Results) != 3 {
		t.Fatalf("Unexpected results: %+v", feed.Results)
	}
	if feed.Results[0].ID != "a" || len(feed.Results[0].Changes) != 1 || len(feed.Results[0].Doc) == 0 {
		t.Errorf("Unexpected first record: %+v", feed.Results[0])
	}
	if feed.LastSeq != "3-g1AAAA" {
		t.Errorf("Unexpected last_seq: %s", feed.LastSeq)
	}

	req := s.LastRequest("/testdb/_changes")
	if req.Method != http.MethodPost {
		t.Errorf("Unexpected method: %s", req.Method)
	}
	if len(req.Body) != 0 {
		t.Errorf("Unexpected body: %s", req.Body)
	}

	feedOnly, err := db.NormalChanges(ctx, &ChangesOptions{DocIDs: []string{"b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(feedOnly.Results) != 1 || feedOnly.Results[0].ID != "b" {
		t.Errorf("Unexpected filtered results: %+v", feedOnly.Results)
	}
	req = s.LastRequest("/testdb/_changes")
	if string(req.Body) != `{"doc_ids":["b"]}`+"\n" {
		t.Errorf("Unexpected body: %s", req.Body)
	}
	if _, ok := req.Query["doc_ids"]; ok {
		t.Error("doc_ids sent in query string")
	}
}

func TestChangesNormalMissingDB(t *testing.T) {
	c, _ := newTestClient(t, ServerConfig{})
	_, err := c.DB("missing").Changes(context.Background(), FeedNormal, nil, nil)
	if !testy.ErrorMatches("POST /missing/_changes: 404 not_found: Database does not exist.", err) {
		t.Errorf("Unexpected error: %s", err)
	}
}

func TestChangesLongpoll(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	lp, err := db.LongpollChanges(ctx, &ChangesOptions{Since: "0"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-lp.OnAbort():
		t.Fatal("feed ended before any change")
	case <-time.After(20 * time.Millisecond):
	}
	seedDocs(t, db, "a")
	feed, err := lp.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(feed.Results) != 1 || feed.Results[0].ID != "a" {
		t.Errorf("Unexpected results: %+v", feed.Results)
	}
	<-lp.OnAbort()
}

func TestChangesLongpollAbort(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	lp, err := db.LongpollChanges(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	lp.Abort()
	lp.Abort()
	<-lp.OnAbort()
	_, err = lp.Wait(ctx)
	if !errors.Is(err, chttp.ErrAborted) || !chttp.IsKind(err, chttp.KindTransport) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestChangesLongpollWaitContext(t *testing.T) {
	db, _ := newTestDB(t)
	lp, err := db.LongpollChanges(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer lp.Abort()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lp.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Unexpected error: %v", err)
	}
	if lp.Aborted() {
		t.Error("cancelling Wait aborted the feed")
	}
}

type recordSink struct {
	mu      sync.Mutex
	records []*ChangesRecord
	ch      chan *ChangesRecord
}

func newRecordSink() *recordSink {
	return &recordSink{ch: make(chan *ChangesRecord, 100)}
}

func (r *recordSink) add(rec *ChangesRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	r.ch <- rec
}

func (r *recordSink) next(t *testing.T) *ChangesRecord {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a change")
	}
	return nil
}

func TestChangesContinuous(t *testing.T) {
	db, s := newTestDB(t)
	seedDocs(t, db, "a")
	ctx := context.Background()
	sink := newRecordSink()

	cc, err := db.ContinuousChanges(ctx, &ChangesOptions{Since: "0", Heartbeat: 10 * time.Millisecond}, sink.add)
	if err != nil {
		t.Fatal(err)
	}
	if rec := sink.next(t); rec.ID != "a" || rec.Seq != "1-g1AAAA" {
		t.Errorf("Unexpected record: %+v", rec)
	}
	seedDocs(t, db, "b")
	if rec := sink.next(t); rec.ID != "b" {
		t.Errorf("Unexpected record: %+v", rec)
	}

	// Heartbeats keep the feed open without producing records.
	time.Sleep(50 * time.Millisecond)
	select {
	case rec := <-sink.ch:
		t.Errorf("Unexpected record: %+v", rec)
	default:
	}

	cc.Abort()
	cc.Abort()
	<-cc.OnAbort()
	_, err = cc.Wait(ctx)
	if !errors.Is(err, chttp.ErrAborted) {
		t.Errorf("Unexpected error: %v", err)
	}

	req := s.LastRequest("/testdb/_changes")
	if req.Method != http.MethodGet {
		t.Errorf("Unexpected method: %s", req.Method)
	}
	if got := req.Query.Get("heartbeat"); got != "10" {
		t.Errorf("Unexpected heartbeat: %s", got)
	}
}

func TestChangesContinuousHeading(t *testing.T) {
	db, _ := newTestDB(t)
	seedDocs(t, db, "a", "b")
	sink := newRecordSink()

	cc, err := db.ContinuousChanges(context.Background(), &ChangesOptions{Since: "0", Timeout: 50 * time.Millisecond}, sink.add)
	if err != nil {
		t.Fatal(err)
	}
	heading, err := cc.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(&ChangesHeading{LastSeq: "2-g1AAAA"}, heading); d != "" {
		t.Error(d)
	}
	<-cc.Done()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 2 {
		t.Errorf("expected 2 records, got %d", len(sink.records))
	}
	if cc.Err() != nil {
		t.Errorf("Unexpected error: %s", cc.Err())
	}
}

func TestChangesContinuousDocIDs(t *testing.T) {
	db, s := newTestDB(t)
	seedDocs(t, db, "a", "b", "c")
	sink := newRecordSink()

	cc, err := db.ContinuousChanges(context.Background(), &ChangesOptions{
		Since:  "0",
		Limit:  1,
		DocIDs: []string{"c"},
	}, sink.add)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec := sink.next(t); rec.ID != "c" {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if req := s.LastRequest("/testdb/_changes"); req.Method != http.MethodPost {
		t.Errorf("Unexpected method: %s", req.Method)
	}
}

func TestChangesContinuousErrors(t *testing.T) {
	t.Run("missing callback", func(t *testing.T) {
		db, _ := newTestDB(t)
		_, err := db.Changes(context.Background(), FeedContinuous, nil, nil)
		if !testy.ErrorMatches("relax: continuous feed requires a record callback", err) {
			t.Errorf("Unexpected error: %s", err)
		}
	})
	t.Run("missing database", func(t *testing.T) {
		c, _ := newTestClient(t, ServerConfig{})
		cc, err := c.DB("missing").ContinuousChanges(context.Background(), nil, func(*ChangesRecord) {})
		if err != nil {
			t.Fatal(err)
		}
		_, err = cc.Wait(context.Background())
		if !testy.ErrorMatches("GET /missing/_changes: 404 not_found: Database does not exist.", err) {
			t.Errorf("Unexpected error: %s", err)
		}
		<-cc.OnAbort()
	})
	t.Run("server closes without heading", func(t *testing.T) {
		db, s := newTestDB(t)
		s.Override(http.MethodGet, "/testdb/_changes", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"seq":"1-x","id":"a","changes":[{"rev":"1-a"}]}` + "\n"))
		})
		sink := newRecordSink()
		cc, err := db.ContinuousChanges(context.Background(), nil, sink.add)
		if err != nil {
			t.Fatal(err)
		}
		_, err = cc.Wait(context.Background())
		if !errors.Is(err, chttp.ErrAborted) {
			t.Errorf("Unexpected error: %v", err)
		}
		if rec := sink.next(t); rec.ID != "a" {
			t.Errorf("Unexpected record: %+v", rec)
		}
	})
	t.Run("array sequences", func(t *testing.T) {
		db, s := newTestDB(t)
		s.Override(http.MethodGet, "/testdb/_changes", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"seq":[1,"g1AAA"],"id":"a","changes":[{"rev":"1-a"}]}` + "\n" +
				`{"last_seq":[1,"g1AAA"],"pending":0}` + "\n"))
		})
		sink := newRecordSink()
		cc, err := db.ContinuousChanges(context.Background(), nil, sink.add)
		if err != nil {
			t.Fatal(err)
		}
		heading, err := cc.Wait(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if d := cmp.Diff(&ChangesHeading{LastSeq: `[1,"g1AAA"]`}, heading); d != "" {
			t.Error(d)
		}
		if rec := sink.next(t); rec.ID != "a" || rec.Seq != `[1,"g1AAA"]` {
			t.Errorf("Unexpected record: %+v", rec)
		}
	})
	t.Run("undecodable heading", func(t *testing.T) {
		db, s := newTestDB(t)
		s.Override(http.MethodGet, "/testdb/_changes", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"last_seq":"5-x","pending":"many"}` + "\n"))
		})
		cc, err := db.ContinuousChanges(context.Background(), nil, func(*ChangesRecord) {})
		if err != nil {
			t.Fatal(err)
		}
		_, err = cc.Wait(context.Background())
		if !chttp.IsKind(err, chttp.KindDecode) {
			t.Errorf("Unexpected error: %v", err)
		}
		if !chttp.IsKind(cc.Err(), chttp.KindDecode) {
			t.Errorf("Unexpected subscription error: %v", cc.Err())
		}
	})
	t.Run("undecodable record", func(t *testing.T) {
		db, s := newTestDB(t)
		s.Override(http.MethodGet, "/testdb/_changes", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"seq":"1-x","id":"a","changes":"1-a"}` + "\n" +
				`{"seq":"2-x","id":"b","changes":[{"rev":"1-b"}]}` + "\n"))
		})
		called := false
		cc, err := db.ContinuousChanges(context.Background(), nil, func(*ChangesRecord) { called = true })
		if err != nil {
			t.Fatal(err)
		}
		_, err = cc.Wait(context.Background())
		var e *chttp.Error
		if !errors.As(err, &e) || e.Kind != chttp.KindDecode {
			t.Fatalf("Unexpected error: %v", err)
		}
		if d := cmp.Diff(`{"seq":"1-x","id":"a","changes":"1-a"}`, string(e.Body)); d != "" {
			t.Error(d)
		}
		if called {
			t.Error("callback called after an undecodable change")
		}
	})
	t.Run("non-JSON response", func(t *testing.T) {
		db, s := newTestDB(t)
		s.Override(http.MethodGet, "/testdb/_changes", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>login</html>\n"))
		})
		cc, err := db.ContinuousChanges(context.Background(), nil, func(*ChangesRecord) {})
		if err != nil {
			t.Fatal(err)
		}
		_, err = cc.Wait(context.Background())
		if !chttp.IsKind(err, chttp.KindUnexpectedContentType) {
			t.Errorf("Unexpected error: %v", err)
		}
	})
	t.Run("malformed record", func(t *testing.T) {
		db, s := newTestDB(t)
		s.Override(http.MethodGet, "/testdb/_changes", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"seq":` + "\n"))
		})
		cc, err := db.ContinuousChanges(context.Background(), nil, func(*ChangesRecord) {})
		if err != nil {
			t.Fatal(err)
		}
		_, err = cc.Wait(context.Background())
		if !chttp.IsKind(err, chttp.KindDecode) {
			t.Errorf("Unexpected error: %v", err)
		}
	})
}

func TestChangesUnknownMode(t *testing.T) {
	db := (&Client{}).DB("x")
	_, err := db.Changes(context.Background(), FeedMode(7), nil, nil)
	if !testy.ErrorMatches("relax: unknown feed mode 7", err) {
		t.Errorf("Unexpected error: %s", err)
	}
}
