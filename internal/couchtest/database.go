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
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type document struct {
	id      string
	rev     string
	gen     int
	seq     int64
	deleted bool
	body    map[string]json.RawMessage
}

type database struct {
	seq  int64
	docs map[string]*document
}

func newDatabase() *database {
	return &database{docs: map[string]*document{}}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func stringField(obj map[string]json.RawMessage, key string) string {
	var s string
	_ = json.Unmarshal(obj[key], &s)
	return s
}

// formatSeq renders an update sequence the way CouchDB 2+ does: an integer
// prefix followed by an opaque suffix.
func formatSeq(seq int64) string {
	return fmt.Sprintf("%d-g1AAAA", seq)
}

// parseSeq accepts "now", an integer, or a formatted sequence.
func (db *database) parseSeq(since string) (int64, error) {
	switch since {
	case "", "0":
		return 0, nil
	case "now":
		return db.seq, nil
	}
	prefix, _, _ := strings.Cut(since, "-")
	n, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, badRequest("Malformed sequence supplied in 'since' parameter.")
	}
	return n, nil
}

// put stores body under id. rev, or else the body's _rev, must match the
// current revision of an existing document.
func (db *database) put(id, rev string, body map[string]json.RawMessage) (string, error) {
	if rev == "" {
		rev = stringField(body, "_rev")
	}
	cur, exists := db.docs[id]
	gen := 0
	switch {
	case exists && !cur.deleted:
		if rev != cur.rev {
			return "", errConflict
		}
		gen = cur.gen
	case exists:
		gen = cur.gen
		if rev != "" && rev != cur.rev {
			return "", errConflict
		}
	case rev != "":
		return "", errConflict
	}
	db.seq++
	doc := &document{
		id:   id,
		gen:  gen + 1,
		seq:  db.seq,
		body: map[string]json.RawMessage{},
	}
	doc.rev = fmt.Sprintf("%d-%s", doc.gen, newID())
	for k, v := range body {
		doc.body[k] = v
	}
	doc.body["_id"], _ = json.Marshal(id)
	doc.body["_rev"], _ = json.Marshal(doc.rev)
	db.docs[id] = doc
	return doc.rev, nil
}

func (db *database) remove(id, rev string) (string, error) {
	cur, ok := db.docs[id]
	if !ok || cur.deleted {
		return "", errNotFound
	}
	if rev != cur.rev {
		return "", errConflict
	}
	db.seq++
	cur.gen++
	cur.rev = fmt.Sprintf("%d-%s", cur.gen, newID())
	cur.seq = db.seq
	cur.deleted = true
	cur.body = map[string]json.RawMessage{}
	cur.body["_id"], _ = json.Marshal(id)
	cur.body["_rev"], _ = json.Marshal(cur.rev)
	cur.body["_deleted"] = json.RawMessage("true")
	return cur.rev, nil
}

func (db *database) purge(id string, revs []string) []string {
	cur, ok := db.docs[id]
	if !ok {
		return []string{}
	}
	for _, rev := range revs {
		if rev == cur.rev {
			delete(db.docs, id)
			return []string{rev}
		}
	}
	return []string{}
}

// live returns the documents which are not deleted, sorted by ID.
func (db *database) live() []*document {
	docs := make([]*document, 0, len(db.docs))
	for _, doc := range db.docs {
		if !doc.deleted {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].id < docs[j].id })
	return docs
}

// since returns the changes after seq, in sequence order. Each document
// appears once, at its most recent change.
func (db *database) since(seq int64) []*document {
	var docs []*document
	for _, doc := range db.docs {
		if doc.seq > seq {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].seq < docs[j].seq })
	return docs
}

type rowParams struct {
	Keys        []string `json:"keys"`
	StartKey    string   `json:"startkey"`
	EndKey      string   `json:"endkey"`
	Skip        int      `json:"skip"`
	Limit       int      `json:"limit"`
	IncludeDocs bool     `json:"include_docs"`
	Descending  bool     `json:"descending"`
}

type row struct {
	ID    string          `json:"id"`
	Key   string          `json:"key"`
	Value interface{}     `json:"value"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

type rowsResult struct {
	TotalRows int   `json:"total_rows"`
	Offset    int   `json:"offset"`
	Rows      []row `json:"rows"`
}

// rows evaluates an _all_docs style query. value produces each row's value.
func (db *database) rows(p rowParams, value func(*document) interface{}) rowsResult {
	live := db.live()
	var docs []*document
	if len(p.Keys) > 0 {
		for _, key := range p.Keys {
			if doc, ok := db.docs[key]; ok && !doc.deleted {
				docs = append(docs, doc)
			}
		}
	} else {
		for _, doc := range live {
			if p.StartKey != "" && doc.id < p.StartKey {
				continue
			}
			if p.EndKey != "" && doc.id > p.EndKey {
				continue
			}
			docs = append(docs, doc)
		}
		if p.Descending {
			for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
				docs[i], docs[j] = docs[j], docs[i]
			}
		}
	}
	if p.Skip > 0 {
		if p.Skip > len(docs) {
			p.Skip = len(docs)
		}
		docs = docs[p.Skip:]
	}
	if p.Limit > 0 && p.Limit < len(docs) {
		docs = docs[:p.Limit]
	}
	result := rowsResult{TotalRows: len(live), Offset: p.Skip, Rows: []row{}}
	for _, doc := range docs {
		r := row{ID: doc.id, Key: doc.id, Value: value(doc)}
		if p.IncludeDocs {
			r.Doc, _ = json.Marshal(doc.body)
		}
		result.Rows = append(result.Rows, r)
	}
	return result
}

func revValue(doc *document) interface{} {
	return map[string]string{"rev": doc.rev}
}

func nullValue(*document) interface{} {
	return nil
}
