// Package mongoutil holds the connection and namespace helpers shared by
// every component that talks to a MongoDB-family cluster: URI-based
// client construction, "db.collection" namespace parsing, and the
// process-wide reserved-namespace set.
package mongoutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ReservedDatabases are never captured or replicated, per the reserved
// namespace rule carried from the oplog capture invariants: admin, local
// and config are server-internal, and the oplog store's own database is
// scratch space that must never loop back into itself.
var ReservedDatabases = map[string]struct{}{
	"admin":  {},
	"local":  {},
	"config": {},
}

// Connect dials a MongoDB-family cluster by URI and verifies connectivity
// with a bounded ping, matching the driver's own connect-then-ping idiom.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}

// Namespace is a parsed "db.collection" pair.
type Namespace struct {
	DB   string
	Coll string
}

func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// IsCommand reports whether this namespace is the sentinel "$cmd"
// collection DDL entries are recorded against.
func (n Namespace) IsCommand() bool {
	return n.Coll == "$cmd"
}

// ParseNamespace splits a two-part "db.collection" namespace string. The
// collection part may itself contain dots (e.g. "db.system.indexes"), so
// only the first separator is significant.
func ParseNamespace(ns string) (Namespace, error) {
	idx := strings.IndexByte(ns, '.')
	if idx < 0 {
		return Namespace{}, fmt.Errorf("namespace %q has no database separator", ns)
	}
	return Namespace{DB: ns[:idx], Coll: ns[idx+1:]}, nil
}

// IsReserved reports whether db is one of the process-wide reserved system
// databases, or matches the oplog store's own database name (never
// replicated back into itself).
func IsReserved(db string, oplogStoreDB string) bool {
	if _, ok := ReservedDatabases[db]; ok {
		return true
	}
	return oplogStoreDB != "" && db == oplogStoreDB
}

// DefaultCollectionConcurrency mirrors "#CPUs" from the CLI surface; callers
// pass runtime.NumCPU() in production and a fixed value in tests.
func DefaultCollectionConcurrency(numCPU int) int {
	if numCPU < 1 {
		return 1
	}
	return numCPU
}

// DefaultDocConcurrency mirrors "#CPUs / 2".
func DefaultDocConcurrency(numCPU int) int {
	d := numCPU / 2
	if d < 1 {
		return 1
	}
	return d
}
