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

//go:build livetest

package couchtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultImage is the CouchDB image started by StartCouchDB.
const DefaultImage = "couchdb:3.3.3"

// StartCouchDB returns the DSN of a live CouchDB server, with admin
// credentials embedded. If RELAX_TEST_DSN is set, it is returned as-is;
// otherwise a container is started, and terminated when t's test completes.
func StartCouchDB(t testing.TB) string {
	t.Helper()
	if dsn := os.Getenv("RELAX_TEST_DSN"); dsn != "" {
		return dsn
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        DefaultImage,
			ExposedPorts: []string{"5984/tcp"},
			WaitingFor:   wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(120 * time.Second),
			Env: map[string]string{
				"COUCHDB_USER":     "admin",
				"COUCHDB_PASSWORD": "abc123",
			},
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start CouchDB: %s", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5984/tcp")
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("http://admin:abc123@%s:%s/", host, port.Port())
}
