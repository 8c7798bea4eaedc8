// Package oplog defines the Log Entry wire shape captured from a source
// cluster's replication log, and the decoder that classifies a raw entry
// into one of Insert, Update, Delete, DDL or Noop.
package oplog

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Op is the raw operation code as written by the source cluster.
type Op string

const (
	OpInsert  Op = "i"
	OpUpdate  Op = "u"
	OpDelete  Op = "d"
	OpCommand Op = "c"
	OpNoop    Op = "n"
)

// Entry is the unit of replication: immutable once captured. Field names
// and BSON tags follow the source cluster's own replication log document
// shape so entries round-trip through the oplog store without
// transformation.
type Entry struct {
	TS primitive.Timestamp `bson:"ts"`
	H  int64               `bson:"h,omitempty"`
	V  int                 `bson:"v,omitempty"`
	Op Op                  `bson:"op"`
	NS string              `bson:"ns"`
	O  bson.Raw            `bson:"o"`
	O2 bson.Raw            `bson:"o2,omitempty"`
}

// IsNoop reports whether this entry is a periodic keepalive with no
// replicable effect.
func (e Entry) IsNoop() bool {
	return e.Op == OpNoop
}
