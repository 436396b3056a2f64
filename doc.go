// Package relax is a client for CouchDB and CouchDB-compatible servers.
//
// A [Client] is created from a [ServerConfig], and scoped to a database with
// [Client.DB]. Besides document, view and search requests, a [DB] can
// subscribe to the database's changes feed in normal, long-poll or
// continuous mode; see [DB.Changes].
//
// All failures are returned as *[chttp.Error] values, classified by
// [chttp.Kind].
package relax // import "github.com/go-kivik/relax"
