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

package couchtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gitlab.com/flimzy/httpe"
)

func (s *Server) allDocs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var p rowParams
		if err := bindJSON(r, &p); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		return serveJSON(w, http.StatusOK, db.rows(p, revValue))
	})
}

func (s *Server) allDocsQueries() httpe.HandlerWithError {
	return s.queries(revValue)
}

func (s *Server) viewQueries() httpe.HandlerWithError {
	return s.queries(nullValue)
}

func (s *Server) queries(value func(*document) interface{}) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var req struct {
			Queries []rowParams `json:"queries"`
		}
		if err := bindJSON(r, &req); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		results := make([]rowsResult, 0, len(req.Queries))
		for _, q := range req.Queries {
			results = append(results, db.rows(q, value))
		}
		return serveJSON(w, http.StatusOK, map[string]interface{}{"results": results})
	})
}

// view serves every design document view as if its map function were
// `emit(doc._id, null)`.
func (s *Server) view() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var p rowParams
		if err := bindJSON(r, &p); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		return serveJSON(w, http.StatusOK, db.rows(p, nullValue))
	})
}

// search matches documents whose JSON contains the query text.
func (s *Server) search() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var p struct {
			Query       string `json:"query"`
			Limit       int    `json:"limit"`
			IncludeDocs bool   `json:"include_docs"`
		}
		if err := bindJSON(r, &p); err != nil {
			return err
		}
		if p.Query == "" {
			return badRequest("Query must not be empty")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		type hit struct {
			ID     string          `json:"id"`
			Order  []int           `json:"order"`
			Fields struct{}        `json:"fields"`
			Doc    json.RawMessage `json:"doc,omitempty"`
		}
		hits := []hit{}
		for _, doc := range db.live() {
			raw, _ := json.Marshal(doc.body)
			if !strings.Contains(strings.ToLower(string(raw)), strings.ToLower(p.Query)) {
				continue
			}
			h := hit{ID: doc.id, Order: []int{len(hits)}}
			if p.IncludeDocs {
				h.Doc = raw
			}
			hits = append(hits, h)
			if p.Limit > 0 && len(hits) == p.Limit {
				break
			}
		}
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"total_rows": len(hits),
			"bookmark":   fmt.Sprintf("g%d", len(hits)),
			"rows":       hits,
		})
	})
}

type changesParams struct {
	Feed        string `form:"feed"`
	Since       string `form:"since"`
	IncludeDocs bool   `form:"include_docs"`
	Descending  bool   `form:"descending"`
	Limit       int    `form:"limit"`
	Timeout     int64  `form:"timeout"`
	Heartbeat   int64  `form:"heartbeat"`
}

type changeRow struct {
	Seq     string              `json:"seq"`
	ID      string              `json:"id"`
	Changes []map[string]string `json:"changes"`
	Deleted bool                `json:"deleted,omitempty"`
	Doc     json.RawMessage     `json:"doc,omitempty"`
}

func newChangeRow(doc *document, includeDocs bool) changeRow {
	c := changeRow{
		Seq:     formatSeq(doc.seq),
		ID:      doc.id,
		Changes: []map[string]string{{"rev": doc.rev}},
		Deleted: doc.deleted,
	}
	if includeDocs {
		c.Doc, _ = json.Marshal(doc.body)
	}
	return c
}

// feedState is the portion of a database a changes request reads, taken
// under the server lock.
type feedState struct {
	rows    []changeRow
	lastSeq int64
	changed <-chan struct{}
}

func (s *Server) feedState(r *http.Request, since int64, p changesParams, docIDs map[string]bool) (*feedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.db(r)
	if err != nil {
		return nil, err
	}
	st := &feedState{lastSeq: db.seq, changed: s.changed, rows: []changeRow{}}
	for _, doc := range db.since(since) {
		if len(docIDs) > 0 && !docIDs[doc.id] {
			continue
		}
		st.rows = append(st.rows, newChangeRow(doc, p.IncludeDocs))
	}
	return st, nil
}

func (s *Server) changes() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var p changesParams
		if err := s.formDecoder.Decode(r.URL.Query(), &p); err != nil {
			return badRequest("%s", err)
		}
		var body struct {
			DocIDs []string `json:"doc_ids"`
		}
		if err := bindJSON(r, &body); err != nil {
			return err
		}
		docIDs := map[string]bool{}
		for _, id := range body.DocIDs {
			docIDs[id] = true
		}
		s.mu.Lock()
		db, err := s.db(r)
		var since int64
		if err == nil {
			since, err = db.parseSeq(p.Since)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		switch p.Feed {
		case "", "normal":
			return s.normalFeed(w, r, since, p, docIDs)
		case "longpoll":
			return s.longpollFeed(w, r, since, p, docIDs)
		case "continuous":
			return s.continuousFeed(w, r, since, p, docIDs)
		}
		return badRequest("Supported `feed` types: normal, continuous, longpoll")
	})
}

func serveFeed(w http.ResponseWriter, st *feedState, p changesParams) error {
	rows := st.rows
	if p.Descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	pending := 0
	if p.Limit > 0 && len(rows) > p.Limit {
		pending = len(rows) - p.Limit
		rows = rows[:p.Limit]
	}
	lastSeq := formatSeq(st.lastSeq)
	if pending > 0 {
		lastSeq = rows[len(rows)-1].Seq
	}
	return serveJSON(w, http.StatusOK, map[string]interface{}{
		"results":  rows,
		"last_seq": lastSeq,
		"pending":  pending,
	})
}

func (s *Server) normalFeed(w http.ResponseWriter, r *http.Request, since int64, p changesParams, docIDs map[string]bool) error {
	st, err := s.feedState(r, since, p, docIDs)
	if err != nil {
		return err
	}
	return serveFeed(w, st, p)
}

func (s *Server) longpollFeed(w http.ResponseWriter, r *http.Request, since int64, p changesParams, docIDs map[string]bool) error {
	timeout := feedTimeout(p)
	defer timeout.Stop()
	for {
		st, err := s.feedState(r, since, p, docIDs)
		if err != nil {
			return err
		}
		if len(st.rows) > 0 {
			return serveFeed(w, st, p)
		}
		select {
		case <-st.changed:
		case <-timeout.C:
			return serveFeed(w, st, p)
		case <-r.Context().Done():
			return nil
		}
	}
}

func (s *Server) continuousFeed(w http.ResponseWriter, r *http.Request, since int64, p changesParams, docIDs map[string]bool) error {
	st, err := s.feedState(r, since, p, docIDs)
	if err != nil {
		return err
	}
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	w.Header().Set("Content-Type", typeJSON)
	w.WriteHeader(http.StatusOK)
	flush()

	timeout := feedTimeout(p)
	defer timeout.Stop()
	var heartbeat <-chan time.Time
	if p.Heartbeat > 0 {
		t := time.NewTicker(time.Duration(p.Heartbeat) * time.Millisecond)
		defer t.Stop()
		heartbeat = t.C
	}
	sent := 0
	enc := json.NewEncoder(w)
	for {
		for _, row := range st.rows {
			if err := enc.Encode(row); err != nil {
				return nil
			}
			since = st.lastSeq
			sent++
			if p.Limit > 0 && sent >= p.Limit {
				_ = enc.Encode(map[string]interface{}{"last_seq": row.Seq, "pending": 0})
				flush()
				return nil
			}
		}
		if len(st.rows) > 0 {
			since = st.lastSeq
		}
		flush()
		select {
		case <-st.changed:
		case <-heartbeat:
			if _, err := w.Write([]byte("\n")); err != nil {
				return nil
			}
			flush()
		case <-timeout.C:
			_ = enc.Encode(map[string]interface{}{"last_seq": formatSeq(since), "pending": 0})
			flush()
			return nil
		case <-r.Context().Done():
			return nil
		}
		if st, err = s.feedState(r, since, p, docIDs); err != nil {
			return nil
		}
	}
}

// feedTimeout returns a timer for the request's timeout parameter, or one
// which never fires.
func feedTimeout(p changesParams) *time.Timer {
	d := time.Duration(p.Timeout) * time.Millisecond
	if d <= 0 {
		d = time.Hour
	}
	return time.NewTimer(d)
}
