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
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/go-kivik/relax/chttp"
)

// DB is a handle to a single database.
type DB struct {
	client *Client
	name   string
}

// Name returns the database name.
func (db *DB) Name() string {
	return db.name
}

// Client returns the client the database belongs to.
func (db *DB) Client() *Client {
	return db.client
}

func (db *DB) path(segments ...string) string {
	return chttp.DBPath(db.name, segments...)
}

func (db *DB) execute(ctx context.Context, method, path string, body interface{}, dest interface{}) error {
	var opts *chttp.Options
	if body != nil {
		opts = &chttp.Options{JSON: body}
	}
	return db.client.http.Execute(ctx, method, path, opts, dest)
}

// Get fetches the document identified by docID into dest.
func (db *DB) Get(ctx context.Context, docID string, dest interface{}) error {
	return db.execute(ctx, http.MethodGet, db.path(chttp.EncodeDocID(docID)), nil, dest)
}

// Put stores doc, which must carry an `_id` field, creating it or, given a
// current `_rev`, updating it.
func (db *DB) Put(ctx context.Context, doc interface{}) (*DocResult, error) {
	body, id, err := normalizeDoc(doc)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("relax: document has no _id")
	}
	return db.put(ctx, id, body)
}

// CreateDoc stores a new document. If doc carries no `_id`, a random UUID is
// assigned.
func (db *DB) CreateDoc(ctx context.Context, doc interface{}) (*DocResult, error) {
	body, id, err := normalizeDoc(doc)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
		body["_id"] = json.RawMessage(fmt.Sprintf("%q", id))
	}
	return db.put(ctx, id, body)
}

func (db *DB) put(ctx context.Context, id string, body map[string]json.RawMessage) (*DocResult, error) {
	var result DocResult
	if err := db.execute(ctx, http.MethodPut, db.path(chttp.EncodeDocID(id)), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// normalizeDoc converts doc into a JSON object, and returns its `_id`.
func normalizeDoc(doc interface{}) (map[string]json.RawMessage, string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("relax: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, "", errors.New("relax: document must be a JSON object")
	}
	var id string
	if rawID, ok := obj["_id"]; ok {
		if err := json.Unmarshal(rawID, &id); err != nil {
			return nil, "", errors.New("relax: document _id must be a string")
		}
	}
	return obj, id, nil
}

// Delete marks the document identified by docID and rev as deleted.
func (db *DB) Delete(ctx context.Context, docID, rev string) (*DocResult, error) {
	var result DocResult
	err := db.client.http.Execute(ctx, http.MethodDelete, db.path(chttp.EncodeDocID(docID)), &chttp.Options{
		Query: url.Values{"rev": {rev}},
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AllDocs queries the _all_docs index.
func (db *DB) AllDocs(ctx context.Context, params AllDocsParams) (*ViewResult, error) {
	var result ViewResult
	if err := db.execute(ctx, http.MethodPost, db.path("_all_docs"), params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AllDocsQueries runs several _all_docs queries in a single request.
func (db *DB) AllDocsQueries(ctx context.Context, queries []AllDocsParams) (*MultiViewResult, error) {
	var result MultiViewResult
	body := map[string]interface{}{"queries": queries}
	if err := db.execute(ctx, http.MethodPost, db.path("_all_docs", "queries"), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Query queries a view. index has the form "ddoc/view".
func (db *DB) Query(ctx context.Context, index string, params QueryParams) (*ViewResult, error) {
	path, err := ddocPath(index, "_view")
	if err != nil {
		return nil, err
	}
	var result ViewResult
	if err := db.execute(ctx, http.MethodPost, db.path(path), params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Queries runs several queries against one view in a single request.
func (db *DB) Queries(ctx context.Context, index string, queries []QueryParams) (*MultiViewResult, error) {
	path, err := ddocPath(index, "_view")
	if err != nil {
		return nil, err
	}
	var result MultiViewResult
	body := map[string]interface{}{"queries": queries}
	if err := db.execute(ctx, http.MethodPost, db.path(path, "queries"), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Search runs a full-text query against a search index. index has the form
// "ddoc/index".
func (db *DB) Search(ctx context.Context, index string, params SearchParams) (*SearchResult, error) {
	path, err := ddocPath(index, "_search")
	if err != nil {
		return nil, err
	}
	var result SearchResult
	if err := db.execute(ctx, http.MethodPost, db.path(path), params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BulkDocs writes several documents in a single request. Per-document
// failures are reported in the results, not as an error.
func (db *DB) BulkDocs(ctx context.Context, docs []interface{}) ([]BulkResult, error) {
	var results []BulkResult
	body := map[string]interface{}{"docs": docs}
	if err := db.execute(ctx, http.MethodPost, db.path("_bulk_docs"), body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Purge permanently removes the listed revisions, keyed by document ID.
func (db *DB) Purge(ctx context.Context, revs map[string][]string) (*PurgeResult, error) {
	var result PurgeResult
	if err := db.execute(ctx, http.MethodPost, db.path("_purge"), revs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ddocPath turns "ddoc/index" into "_design/ddoc/<kind>/index".
func ddocPath(index, kind string) (string, error) {
	ddoc, name, ok := strings.Cut(strings.TrimPrefix(index, "_design/"), "/")
	if !ok || ddoc == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("relax: invalid index %q, expected ddoc/name", index)
	}
	return chttp.EncodeDDocID(ddoc) + "/" + kind + "/" + chttp.EncodeDocID(name), nil
}
