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

// Package couchtest provides an in-memory fake of the subset of the CouchDB
// HTTP API used by relax, for tests.
package couchtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/monoculum/formam/v3"
	"gitlab.com/flimzy/httpe"
)

const typeJSON = "application/json"

// Request is a request received by the server.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Server is a fake CouchDB server. It is safe for concurrent use.
type Server struct {
	*httptest.Server
	mux         *chi.Mux
	formDecoder *formam.Decoder

	mu        sync.Mutex
	dbs       map[string]*database
	requests  []Request
	overrides map[string]http.HandlerFunc
	// changed is closed, and replaced, whenever any database changes.
	changed chan struct{}
}

// New starts a fake server, which is closed when t's test completes.
func New(t testing.TB) *Server {
	s := &Server{
		mux: chi.NewMux(),
		formDecoder: formam.NewDecoder(&formam.DecoderOptions{
			TagName:           "form",
			IgnoreUnknownKeys: true,
		}),
		dbs:       map[string]*database{},
		overrides: map[string]http.HandlerFunc{},
		changed:   make(chan struct{}),
	}
	s.routes(s.mux)
	s.Server = httptest.NewServer(s.mux)
	t.Cleanup(s.Close)
	return s
}

// Close shuts down the server, first ending any open feeds.
func (s *Server) Close() {
	s.Server.CloseClientConnections()
	s.Server.Close()
}

func (s *Server) routes(mux *chi.Mux) {
	mux.Use(
		s.record,
		s.override,
		httpe.ToMiddleware(s.handleErrors),
	)
	mux.Get("/", httpe.ToHandler(s.root()).ServeHTTP)
	mux.Get("/_up", httpe.ToHandler(s.up()).ServeHTTP)
	mux.Post("/_search_analyze", httpe.ToHandler(s.searchAnalyze()).ServeHTTP)

	mux.Put("/{db}", httpe.ToHandler(s.createDB()).ServeHTTP)
	mux.Delete("/{db}", httpe.ToHandler(s.destroyDB()).ServeHTTP)
	mux.Post("/{db}/_all_docs", httpe.ToHandler(s.allDocs()).ServeHTTP)
	mux.Post("/{db}/_all_docs/queries", httpe.ToHandler(s.allDocsQueries()).ServeHTTP)
	mux.Post("/{db}/_bulk_docs", httpe.ToHandler(s.bulkDocs()).ServeHTTP)
	mux.Post("/{db}/_purge", httpe.ToHandler(s.purge()).ServeHTTP)
	mux.Get("/{db}/_changes", httpe.ToHandler(s.changes()).ServeHTTP)
	mux.Post("/{db}/_changes", httpe.ToHandler(s.changes()).ServeHTTP)
	mux.Post("/{db}/_design/{ddoc}/_view/{view}", httpe.ToHandler(s.view()).ServeHTTP)
	mux.Post("/{db}/_design/{ddoc}/_view/{view}/queries", httpe.ToHandler(s.viewQueries()).ServeHTTP)
	mux.Post("/{db}/_design/{ddoc}/_search/{index}", httpe.ToHandler(s.search()).ServeHTTP)

	mux.Get("/{db}/{docid}", httpe.ToHandler(s.getDoc()).ServeHTTP)
	mux.Put("/{db}/{docid}", httpe.ToHandler(s.putDoc()).ServeHTTP)
	mux.Delete("/{db}/{docid}", httpe.ToHandler(s.deleteDoc()).ServeHTTP)
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// LastRequest returns the most recent request to path, or nil.
func (s *Server) LastRequest(path string) *Request {
	reqs := s.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Path == path {
			return &reqs[i]
		}
	}
	return nil
}

// Override replaces the handling of method and path, which is matched
// against the unescaped request path.
func (s *Server) Override(method, path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[method+" "+path] = h
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) override(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		h, ok := s.overrides[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type couchError struct {
	status int
	Err    string `json:"error"`
	Reason string `json:"reason"`
}

func (e *couchError) Error() string {
	return e.Reason
}

func (e *couchError) HTTPStatus() int {
	return e.status
}

var (
	errNotFound = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing"}
	errNoDB     = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "Database does not exist."}
	errConflict = &couchError{status: http.StatusConflict, Err: "conflict", Reason: "Document update conflict."}
)

func badRequest(format string, args ...interface{}) error {
	return &couchError{status: http.StatusBadRequest, Err: "bad_request", Reason: fmt.Sprintf(format, args...)}
}

func (s *Server) handleErrors(next httpe.HandlerWithError) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		if err := next.ServeHTTPWithError(w, r); err != nil {
			ce := &couchError{}
			if !errors.As(err, &ce) {
				ce = &couchError{status: http.StatusInternalServerError, Err: "internal_server_error", Reason: err.Error()}
			}
			return serveJSON(w, ce.status, ce)
		}
		return nil
	})
}

func serveJSON(w http.ResponseWriter, status int, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", typeJSON)
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

func bindJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid JSON body: %s", err)
	}
	return nil
}

func param(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// db returns the database named in the request path. The caller must hold
// s.mu.
func (s *Server) db(r *http.Request) (*database, error) {
	db, ok := s.dbs[param(r, "db")]
	if !ok {
		return nil, errNoDB
	}
	return db, nil
}

// notify wakes every feed waiting for a change. The caller must hold s.mu.
func (s *Server) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) root() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, _ *http.Request) error {
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"couchdb": "Welcome",
			"version": "3.3.3",
			"vendor":  map[string]string{"name": "couchtest"},
		})
	})
}

func (s *Server) up() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, _ *http.Request) error {
		return serveJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Server) searchAnalyze() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var req struct {
			Analyzer string `json:"analyzer"`
			Text     string `json:"text"`
		}
		if err := bindJSON(r, &req); err != nil {
			return err
		}
		if req.Analyzer == "" {
			return badRequest("analyzer parameter is mandatory")
		}
		return serveJSON(w, http.StatusOK, map[string][]string{
			"tokens": strings.Fields(strings.ToLower(req.Text)),
		})
	})
}

func (s *Server) createDB() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		name := param(r, "db")
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.dbs[name]; ok {
			return &couchError{status: http.StatusPreconditionFailed, Err: "file_exists", Reason: "The database could not be created, the file already exists."}
		}
		s.dbs[name] = newDatabase()
		return serveJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	})
}

func (s *Server) destroyDB() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		name := param(r, "db")
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.dbs[name]; !ok {
			return errNoDB
		}
		delete(s.dbs, name)
		s.notify()
		return serveJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

func (s *Server) getDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		doc, ok := db.docs[param(r, "docid")]
		if !ok {
			return errNotFound
		}
		if doc.deleted {
			return &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "deleted"}
		}
		return serveJSON(w, http.StatusOK, doc.body)
	})
}

func (s *Server) putDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var body map[string]json.RawMessage
		if err := bindJSON(r, &body); err != nil {
			return err
		}
		if body == nil {
			return badRequest("Document must be a JSON object")
		}
		id := param(r, "docid")
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		rev, err := db.put(id, r.URL.Query().Get("rev"), body)
		if err != nil {
			return err
		}
		s.notify()
		return serveJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": id, "rev": rev})
	})
}

func (s *Server) deleteDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		id := param(r, "docid")
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		rev, err := db.remove(id, r.URL.Query().Get("rev"))
		if err != nil {
			return err
		}
		s.notify()
		return serveJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id, "rev": rev})
	})
}

func (s *Server) bulkDocs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var req struct {
			Docs []map[string]json.RawMessage `json:"docs"`
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
		results := make([]map[string]interface{}, 0, len(req.Docs))
		for _, doc := range req.Docs {
			id := stringField(doc, "_id")
			if id == "" {
				id = newID()
			}
			rev, err := db.put(id, "", doc)
			if err != nil {
				ce := &couchError{}
				errors.As(err, &ce)
				results = append(results, map[string]interface{}{"id": id, "error": ce.Err, "reason": ce.Reason})
				continue
			}
			results = append(results, map[string]interface{}{"ok": true, "id": id, "rev": rev})
		}
		s.notify()
		return serveJSON(w, http.StatusCreated, results)
	})
}

func (s *Server) purge() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var req map[string][]string
		if err := bindJSON(r, &req); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.db(r)
		if err != nil {
			return err
		}
		purged := map[string][]string{}
		for id, revs := range req {
			purged[id] = db.purge(id, revs)
		}
		return serveJSON(w, http.StatusCreated, map[string]interface{}{"purge_seq": nil, "purged": purged})
	})
}
