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
	"bytes"
	"encoding/json"
	"strconv"
)

// ServerVersion is the server's welcome document.
type ServerVersion struct {
	CouchDB  string   `json:"couchdb"`
	Version  string   `json:"version"`
	Vendor   Vendor   `json:"vendor"`
	Features []string `json:"features,omitempty"`
}

// Vendor identifies the server vendor.
type Vendor struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// DocResult is the server's reply to a document write.
type DocResult struct {
	ID  string `json:"id"`
	Rev string `json:"rev"`
	OK  bool   `json:"ok"`
}

// BulkResult is the outcome of one document in a bulk write. Error and
// Reason are set when the write of that document failed.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AllDocsParams are the parameters of an _all_docs request.
type AllDocsParams struct {
	Keys        []string `json:"keys,omitempty"`
	StartKey    string   `json:"startkey,omitempty"`
	EndKey      string   `json:"endkey,omitempty"`
	Skip        int      `json:"skip,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	IncludeDocs bool     `json:"include_docs,omitempty"`
	Descending  bool     `json:"descending,omitempty"`
}

// QueryParams are the parameters of a view query. Keys may be any JSON
// value.
type QueryParams struct {
	Key         interface{}   `json:"key,omitempty"`
	Keys        []interface{} `json:"keys,omitempty"`
	StartKey    interface{}   `json:"startkey,omitempty"`
	EndKey      interface{}   `json:"endkey,omitempty"`
	Skip        int           `json:"skip,omitempty"`
	Limit       int           `json:"limit,omitempty"`
	IncludeDocs bool          `json:"include_docs,omitempty"`
	Descending  bool          `json:"descending,omitempty"`
}

// SearchParams are the parameters of a full-text search.
type SearchParams struct {
	Query       string `json:"query"`
	Limit       int    `json:"limit,omitempty"`
	IncludeDocs bool   `json:"include_docs,omitempty"`
	Bookmark    string `json:"bookmark,omitempty"`
}

// ViewRow is a single row of a view or _all_docs result.
type ViewRow struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

// ViewResult is the result of a view or _all_docs request.
type ViewResult struct {
	TotalRows int64     `json:"total_rows"`
	Offset    int64     `json:"offset"`
	Rows      []ViewRow `json:"rows"`
}

// MultiViewResult is the result of a multi-query view request.
type MultiViewResult struct {
	Results []ViewResult `json:"results"`
}

// SearchRow is a single full-text search hit.
type SearchRow struct {
	ID     string          `json:"id"`
	Order  json.RawMessage `json:"order"`
	Fields json.RawMessage `json:"fields"`
	Doc    json.RawMessage `json:"doc,omitempty"`
}

// SearchResult is the result of a full-text search.
type SearchResult struct {
	TotalRows int64       `json:"total_rows"`
	Bookmark  string      `json:"bookmark"`
	Rows      []SearchRow `json:"rows"`
}

// AnalyzeResult is the result of [Client.SearchAnalyze].
type AnalyzeResult struct {
	Tokens []string `json:"tokens"`
}

// PurgeResult is the result of [DB.Purge].
type PurgeResult struct {
	PurgeSeq json.RawMessage     `json:"purge_seq"`
	Purged   map[string][]string `json:"purged"`
}

// Seq is an update sequence. Servers report sequences as opaque strings, as
// integers in older versions, or as arrays in some clustered deployments.
// Arrays and objects are kept in their compact JSON form.
type Seq string

// UnmarshalJSON accepts a JSON string, number, array or object.
func (s *Seq) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 {
		switch data[0] {
		case '"':
			var str string
			if err := json.Unmarshal(data, &str); err != nil {
				return err
			}
			*s = Seq(str)
			return nil
		case '[', '{':
			var buf bytes.Buffer
			if err := json.Compact(&buf, data); err != nil {
				return err
			}
			*s = Seq(buf.String())
			return nil
		}
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = Seq(n.String())
	return nil
}

// Int returns the numeric value of a sequence reported as an integer.
func (s Seq) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(s), 10, 64)
	return n, err == nil
}

// Rev is a single revision reference within a change.
type Rev struct {
	Rev string `json:"rev"`
}

// ChangesRecord is a single change event.
type ChangesRecord struct {
	Seq     Seq             `json:"seq"`
	ID      string          `json:"id"`
	Changes []Rev           `json:"changes"`
	Doc     json.RawMessage `json:"doc,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// ChangesHeading is the terminal summary record of a continuous feed.
type ChangesHeading struct {
	LastSeq Seq   `json:"last_seq"`
	Pending int64 `json:"pending"`
}

// ChangesFeed is the complete response of a normal or long-poll feed.
type ChangesFeed struct {
	Results []ChangesRecord `json:"results"`
	LastSeq Seq             `json:"last_seq"`
	Pending int64           `json:"pending"`
}
