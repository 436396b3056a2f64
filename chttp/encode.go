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

package chttp

import (
	"net/url"
	"strings"
)

const (
	prefixDesign = "_design/"
	prefixLocal  = "_local/"
)

// EncodeDocID escapes a document ID for use as a path segment. The
// `_design/` and `_local/` prefixes are left intact, and spaces are encoded as
// %20 rather than '+'.
func EncodeDocID(docID string) string {
	for _, prefix := range []string{prefixDesign, prefixLocal} {
		if rest, ok := strings.CutPrefix(docID, prefix); ok {
			return prefix + escape(rest)
		}
	}
	return escape(docID)
}

// EncodeDDocID returns the path segment for a design document, adding the
// `_design/` prefix if name does not already carry it.
func EncodeDDocID(name string) string {
	return prefixDesign + escape(strings.TrimPrefix(name, prefixDesign))
}

// DBPath joins an escaped database name and any further path segments, which
// are expected to be escaped already.
func DBPath(db string, segments ...string) string {
	parts := append([]string{escape(db)}, segments...)
	return "/" + strings.Join(parts, "/")
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
