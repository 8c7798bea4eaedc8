// Package follower implements the Log Follower: a tailing cursor over the
// source cluster's replication log that batches captured entries into the
// Oplog Store and advances the Resume-Point, plus the sibling Retention
// Cleaner task.
package follower

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/mongoutil"
	"github.com/cuemby/mongosync/pkg/oplog"
	"github.com/cuemby/mongosync/pkg/oplogstore"
)

const (
	// BatchMaxEntries and BatchMaxAge bound how long captured entries sit
	// in memory before being committed to the oplog store.
	BatchMaxEntries = 10_000
	BatchMaxAge     = 3 * time.Second
)

// Follower tails one source cluster's replication log into one Oplog
// Store. A Follower instance is owned by exactly one process.
type Follower struct {
	sourceLog *mongo.Collection // e.g. source.Database("local").Collection("oplog.rs")
	store     *oplogstore.Store
}

// New binds a Follower to the source replication log collection and the
// Oplog Store it will populate.
func New(sourceLog *mongo.Collection, store *oplogstore.Store) *Follower {
	return &Follower{sourceLog: sourceLog, store: store}
}

// Prepare runs the startup sequence: detect an unrecoverable gap between
// the stored Resume-Point and the source log's earliest entry, truncate
// the untrusted tail, and compute the ts to resume tailing from.
func (f *Follower) Prepare(ctx context.Context) (primitive.Timestamp, error) {
	log := logging.WithComponent("follower")

	r, rErr := f.store.LoadResumePoint(ctx)
	resumePresent := !errors.Is(rErr, mongo.ErrNoDocuments)
	if rErr != nil && resumePresent {
		return primitive.Timestamp{}, fmt.Errorf("load resume point: %w", rErr)
	}

	earliest, eErr := earliestSourceTS(ctx, f.sourceLog)
	sourceHasEntries := !errors.Is(eErr, mongo.ErrNoDocuments)
	if eErr != nil && sourceHasEntries {
		return primitive.Timestamp{}, fmt.Errorf("read earliest source ts: %w", eErr)
	}

	gap := !resumePresent || (sourceHasEntries && r.T < earliest.T) ||
		(sourceHasEntries && r.T == earliest.T && r.I < earliest.I)

	if gap {
		if resumePresent {
			log.Warn().
				Uint32("resume_seconds", r.T).
				Uint32("earliest_source_seconds", earliest.T).
				Msg("unrecoverable gap between resume point and source log, reinitializing oplog store")
		}
		if err := f.store.Reinitialize(ctx); err != nil {
			return primitive.Timestamp{}, fmt.Errorf("reinitialize oplog store: %w", err)
		}
	}

	if resumePresent && !gap {
		deleted, err := f.store.DeleteGE(ctx, r)
		if err != nil {
			return primitive.Timestamp{}, fmt.Errorf("truncate untrusted tail: %w", err)
		}
		if deleted > 0 {
			log.Info().Int64("deleted", deleted).Msg("truncated untrusted tail before resuming capture")
		}
		return r, nil
	}

	latest, err := latestSourceTS(ctx, f.sourceLog)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return primitive.Timestamp{T: uint32(time.Now().Unix())}, nil
		}
		return primitive.Timestamp{}, fmt.Errorf("read latest source ts: %w", err)
	}
	return latest, nil
}

// Run opens a tailing cursor starting at start (inclusive) and batches
// captured entries into the oplog store until the context is cancelled or
// the cursor errors. The caller (the binary's supervisor loop) decides
// whether to reinvoke Run after a backoff.
func (f *Follower) Run(ctx context.Context, start primitive.Timestamp) error {
	log := logging.WithComponent("follower")

	cur, err := f.openTailingCursor(ctx, start)
	if err != nil {
		return fmt.Errorf("open tailing cursor: %w", err)
	}
	defer cur.Close(ctx)

	batch := make([]oplog.Entry, 0, BatchMaxEntries)
	batchStarted := time.Now()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		timer := metrics.NewTimer()
		if err := f.store.Append(ctx, batch); err != nil {
			return fmt.Errorf("append batch: %w", err)
		}
		last := batch[len(batch)-1].TS
		if err := f.store.StoreResumePoint(ctx, last); err != nil {
			return fmt.Errorf("store resume point: %w", err)
		}
		timer.ObserveDuration(metrics.OplogBatchFlushDuration)
		metrics.OplogBatchesTotal.Inc()
		metrics.OplogEntriesTotal.Add(float64(len(batch)))
		metrics.OplogLagSeconds.Set(time.Since(time.Unix(int64(last.T), 0)).Seconds())
		logging.WithRun(uuid.NewString()).Debug().Int("entries", len(batch)).Msg("flushed batch to oplog store")
		batch = batch[:0]
		batchStarted = time.Now()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return flush()
		default:
		}

		if !cur.TryNext(ctx) {
			if err := cur.Err(); err != nil {
				metrics.OplogCursorRestartsTotal.WithLabelValues(classifyCursorError(err)).Inc()
				return fmt.Errorf("tailing cursor error: %w", err)
			}
			if time.Since(batchStarted) >= BatchMaxAge {
				if err := flush(); err != nil {
					return err
				}
			}
			continue
		}

		var e oplog.Entry
		if err := cur.Decode(&e); err != nil {
			return fmt.Errorf("decode source log entry: %w", err)
		}

		ns, nsErr := mongoutil.ParseNamespace(e.NS)
		if e.IsNoop() || (nsErr == nil && mongoutil.IsReserved(ns.DB, f.store.DatabaseName())) {
			continue
		}

		batch = append(batch, e)
		if len(batch) >= BatchMaxEntries || time.Since(batchStarted) >= BatchMaxAge {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (f *Follower) openTailingCursor(ctx context.Context, start primitive.Timestamp) (*mongo.Cursor, error) {
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetSort(bson.D{{Key: "$natural", Value: 1}})

	filter := bson.D{{Key: "ts", Value: bson.D{{Key: "$gte", Value: start}}}}
	return f.sourceLog.Find(ctx, filter, opts)
}

// classifyCursorError distinguishes the well-known tailing cursor failure
// modes (capped-collection rollover, history loss, fatal stream error) from
// generic transport errors, for the oplog_cursor_restarts_total metric.
func classifyCursorError(err error) string {
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		switch {
		case serverErr.HasErrorCode(136): // CappedPositionLost
			return "capped_position_lost"
		case serverErr.HasErrorCode(286): // ChangeStreamHistoryLost
			return "history_lost"
		case serverErr.HasErrorCode(280): // ChangeStreamFatalError
			return "fatal"
		}
	}
	return "transport"
}

func earliestSourceTS(ctx context.Context, coll *mongo.Collection) (primitive.Timestamp, error) {
	return natural(ctx, coll, 1)
}

func latestSourceTS(ctx context.Context, coll *mongo.Collection) (primitive.Timestamp, error) {
	return natural(ctx, coll, -1)
}

func natural(ctx context.Context, coll *mongo.Collection, dir int) (primitive.Timestamp, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: dir}})
	var doc bson.Raw
	if err := coll.FindOne(ctx, bson.D{}, opts).Decode(&doc); err != nil {
		return primitive.Timestamp{}, err
	}
	val, err := doc.LookupErr("ts")
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("source log document has no ts field: %w", err)
	}
	t, i, ok := val.TimestampOK()
	if !ok {
		return primitive.Timestamp{}, fmt.Errorf("source log ts field is not a timestamp")
	}
	return primitive.Timestamp{T: t, I: i}, nil
}
