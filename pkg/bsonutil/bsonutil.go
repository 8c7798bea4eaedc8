// Package bsonutil holds the small BSON conveniences the replication
// pipeline leans on repeatedly: extracting the natural-order timestamp of a
// collection, ordering two replication timestamps, stripping
// server-internal fields from a replacement document, and telling an
// update-modifier document from a full replacement.
package bsonutil

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Natural selects which end of a collection's natural order to read.
type Natural int

const (
	Earliest Natural = iota
	Latest
)

// TimestampField is the BSON field name carrying a replication timestamp in
// both the source oplog and the entry stream this system persists.
const TimestampField = "ts"

// NaturalTimestamp returns the ts field of the first document in natural
// order (ascending for Earliest, descending for Latest), or
// mongo.ErrNoDocuments if the collection is empty.
func NaturalTimestamp(ctx context.Context, coll *mongo.Collection, which Natural) (primitive.Timestamp, error) {
	dir := 1
	if which == Latest {
		dir = -1
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: dir}})

	var doc bson.Raw
	if err := coll.FindOne(ctx, bson.D{}, opts).Decode(&doc); err != nil {
		return primitive.Timestamp{}, err
	}
	return extractTimestamp(doc)
}

func extractTimestamp(doc bson.Raw) (primitive.Timestamp, error) {
	val, err := doc.LookupErr(TimestampField)
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("document has no %q field: %w", TimestampField, err)
	}
	t, i, ok := val.TimestampOK()
	if !ok {
		return primitive.Timestamp{}, fmt.Errorf("field %q is not a timestamp", TimestampField)
	}
	return primitive.Timestamp{T: t, I: i}, nil
}

// Less reports whether a sorts strictly before b in the strict total order
// replication timestamps carry within one source cluster.
func Less(a, b primitive.Timestamp) bool {
	if a.T != b.T {
		return a.T < b.T
	}
	return a.I < b.I
}

// StripReplicationVersion removes the server-internal "$v" field the
// oplog attaches to full-document replacement payloads; the field is not
// part of the document's logical content and must not be written back.
func StripReplicationVersion(doc bson.Raw) bson.Raw {
	elems, err := doc.Elements()
	if err != nil {
		return doc
	}
	out := bson.D{}
	for _, e := range elems {
		if e.Key() == "$v" {
			continue
		}
		out = append(out, bson.E{Key: e.Key(), Value: e.Value()})
	}
	b, err := bson.Marshal(out)
	if err != nil {
		return doc
	}
	return bson.Raw(b)
}

// IsModifierDocument reports whether every top-level key of doc is
// "$"-prefixed, i.e. doc is an update-modifier expression rather than a
// full-document replacement.
func IsModifierDocument(doc bson.Raw) bool {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}
	for _, e := range elems {
		k := e.Key()
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return true
}
