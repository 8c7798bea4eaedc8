// Package oplogstore implements the durable intermediate between the Log
// Follower and any number of Database Replicators: an ordered, append-mostly
// stream of captured Log Entries plus the single-document Resume-Point
// that tracks how far capture has progressed.
package oplogstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/mongosync/pkg/bsonutil"
	"github.com/cuemby/mongosync/pkg/oplog"
)

const (
	// EntriesCollection holds the captured entry stream, indexed on ts
	// ascending.
	EntriesCollection = "source_oplog"

	// ResumePointCollection holds the single-document Resume-Point.
	ResumePointCollection = "oplog_truncate_after_point"
)

// Store owns the two collections that make up the oplog store in its
// dedicated database.
type Store struct {
	db *mongo.Database
}

// Open returns a Store bound to the given database. It does not create
// indexes; call EnsureIndexes once at process start.
func Open(client *mongo.Client, dbName string) *Store {
	return &Store{db: client.Database(dbName)}
}

// DatabaseName returns the oplog store's own database name, used by
// capture to exclude it from replication (it must never loop back into
// itself).
func (s *Store) DatabaseName() string {
	return s.db.Name()
}

func (s *Store) entries() *mongo.Collection {
	return s.db.Collection(EntriesCollection)
}

func (s *Store) resumePoint() *mongo.Collection {
	return s.db.Collection(ResumePointCollection)
}

// EnsureIndexes creates the ts-ascending index on the entry stream. Safe to
// call repeatedly; createIndexes is idempotent on (name, key).
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.entries().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ts", Value: 1}},
		Options: options.Index().SetName("ts_asc"),
	})
	return err
}

// Reinitialize truncates both collections and rebuilds the ts index. Used
// on first ever start, and whenever an unrecoverable gap is detected
// between the source log's earliest entry and the stored Resume-Point.
func (s *Store) Reinitialize(ctx context.Context) error {
	if _, err := s.entries().DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("truncate entries: %w", err)
	}
	if _, err := s.resumePoint().DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("truncate resume point: %w", err)
	}
	return s.EnsureIndexes(ctx)
}

// Append batch-inserts entries in ts order. Callers are expected to have
// already filtered Noop and reserved-namespace entries.
func (s *Store) Append(ctx context.Context, batch []oplog.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	docs := make([]interface{}, len(batch))
	for i, e := range batch {
		docs[i] = e
	}
	_, err := s.entries().InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	return err
}

// Range yields up to limit entries with start < ts <= end, ordered by ts.
// A nil end means "no upper bound".
func (s *Store) Range(ctx context.Context, start primitive.Timestamp, end *primitive.Timestamp, limit int64) ([]oplog.Entry, error) {
	tsRange := bson.D{{Key: "$gt", Value: start}}
	if end != nil {
		tsRange = append(tsRange, bson.E{Key: "$lte", Value: *end})
	}
	filter := bson.D{{Key: "ts", Value: tsRange}}

	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cur, err := s.entries().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []oplog.Entry
	for cur.Next(ctx) {
		var e oplog.Entry
		if err := cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode oplog store entry: %w", err)
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

// DeleteGE truncates entries with ts >= ts. Used on restart to purge the
// untrusted tail beyond the last committed Resume-Point, and is itself
// idempotent: deleting an already-empty range is a no-op.
func (s *Store) DeleteGE(ctx context.Context, ts primitive.Timestamp) (int64, error) {
	res, err := s.entries().DeleteMany(ctx, bson.D{{Key: "ts", Value: bson.D{{Key: "$gte", Value: ts}}}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// DeleteOlderThanSeconds removes entries whose ts.seconds < cutoff, as used
// by the retention cleaner. Returns the number of entries removed.
func (s *Store) DeleteOlderThanSeconds(ctx context.Context, cutoffSeconds uint32) (int64, error) {
	res, err := s.entries().DeleteMany(ctx, bson.D{
		{Key: "ts", Value: bson.D{{Key: "$lt", Value: primitive.Timestamp{T: cutoffSeconds, I: 0}}}},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Earliest returns the ts of the first entry in the stream, or
// mongo.ErrNoDocuments if empty.
func (s *Store) Earliest(ctx context.Context) (primitive.Timestamp, error) {
	return bsonutil.NaturalTimestamp(ctx, s.entries(), bsonutil.Earliest)
}

// Latest returns the ts of the last entry in the stream, or
// mongo.ErrNoDocuments if empty.
func (s *Store) Latest(ctx context.Context) (primitive.Timestamp, error) {
	return bsonutil.NaturalTimestamp(ctx, s.entries(), bsonutil.Latest)
}

// resumePointDoc is the single persisted document shape: {ts: <Timestamp>}.
type resumePointDoc struct {
	TS primitive.Timestamp `bson:"ts"`
}

// onlyDocumentID is the fixed _id every Resume-Point write upserts under,
// keeping the collection at exactly one document by construction.
const onlyDocumentID = "resume_point"

// LoadResumePoint reads the current Resume-Point, or mongo.ErrNoDocuments
// if capture has never committed.
func (s *Store) LoadResumePoint(ctx context.Context) (primitive.Timestamp, error) {
	var doc resumePointDoc
	err := s.resumePoint().FindOne(ctx, bson.D{{Key: "_id", Value: onlyDocumentID}}).Decode(&doc)
	if err != nil {
		return primitive.Timestamp{}, err
	}
	return doc.TS, nil
}

// StoreResumePoint atomically replaces the single Resume-Point document.
// Implemented as an upsert rather than delete-then-insert: both satisfy the
// single-writer contract, and upsert avoids a window where the document is
// briefly absent.
func (s *Store) StoreResumePoint(ctx context.Context, ts primitive.Timestamp) error {
	_, err := s.resumePoint().ReplaceOne(
		ctx,
		bson.D{{Key: "_id", Value: onlyDocumentID}},
		bson.D{{Key: "_id", Value: onlyDocumentID}, {Key: "ts", Value: ts}},
		options.Replace().SetUpsert(true),
	)
	return err
}
