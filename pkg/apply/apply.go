// Package apply implements the Bulk Apply Engine: converting a decoded
// entry sequence into the minimum number of bulk write commands that
// preserves per-document ordering, with DDL entries acting as inline
// barriers between CRUD runs.
package apply

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/mongosync/pkg/ddl"
	"github.com/cuemby/mongosync/pkg/errs"
	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/oplog"
)

// opClass is the coarse write-model family a decoded entry belongs to; a
// run terminates when the class changes from upsert to delete or back.
type opClass int

const (
	classNone opClass = iota
	classUpsert
	classDelete
)

func classOf(d oplog.Decoded) opClass {
	switch d.Tag {
	case oplog.TagInsert, oplog.TagUpdate:
		return classUpsert
	case oplog.TagDelete:
		return classDelete
	default:
		return classNone
	}
}

// Result reports the outcome of one ApplyNext call.
type Result struct {
	TS       primitive.Timestamp
	MoreWork bool
}

// Engine applies one loaded batch of decoded entries at a time against a
// single target database.
type Engine struct {
	target *mongo.Database
	ddl    *ddl.Executor

	pending []oplog.Decoded
	pos     int
}

// NewEngine binds an Engine to the target database and the DDL executor
// that serializes schema changes against it.
func NewEngine(target *mongo.Database, ddlExec *ddl.Executor) *Engine {
	return &Engine{target: target, ddl: ddlExec}
}

// Load replaces the pending batch. Call once per Oplog Store range fetch.
func (e *Engine) Load(entries []oplog.Decoded) {
	e.pending = entries
	e.pos = 0
}

// Done reports whether the loaded batch has been fully drained.
func (e *Engine) Done() bool {
	return e.pos >= len(e.pending)
}

// ApplyNext flushes one CRUD run (possibly empty) followed by at most one
// DDL barrier, and returns the timestamp through which the target is now
// durable along with whether more work remains in the loaded batch.
func (e *Engine) ApplyNext(ctx context.Context) (Result, error) {
	if e.Done() {
		return Result{}, fmt.Errorf("apply: no pending entries loaded")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BulkApplyBatchDuration)

	runStart := e.pos
	class := classOf(e.pending[runStart])
	i := runStart
	for i < len(e.pending) {
		d := e.pending[i]
		if d.Tag == oplog.TagDDL || d.Tag == oplog.TagIgnored {
			break
		}
		if classOf(d) != class {
			break
		}
		i++
	}
	run := e.pending[runStart:i]
	var lastTS primitive.Timestamp
	if len(run) > 0 {
		var err error
		lastTS, err = e.flushRun(ctx, run)
		if err != nil {
			return Result{}, err
		}
	}
	e.pos = i

	if e.pos < len(e.pending) && (e.pending[e.pos].Tag == oplog.TagDDL || e.pending[e.pos].Tag == oplog.TagIgnored) {
		barrier := e.pending[e.pos]
		if err := e.ddl.Apply(ctx, barrier); err != nil {
			return Result{}, fmt.Errorf("apply DDL barrier at ts %v: %w", barrier.TS, err)
		}
		e.pos++
		return Result{TS: barrier.TS, MoreWork: e.pos < len(e.pending)}, nil
	}

	if len(run) == 0 {
		return Result{}, fmt.Errorf("apply: encountered entry with neither CRUD nor DDL tag")
	}
	return Result{TS: lastTS, MoreWork: e.pos < len(e.pending)}, nil
}

// flushRun partitions a same-class run by collection and sends one bulk
// write per (collection, op-class), ordered to preserve per-document
// effect ordering within that collection.
func (e *Engine) flushRun(ctx context.Context, run []oplog.Decoded) (primitive.Timestamp, error) {
	byColl := make(map[string][]oplog.Decoded)
	order := make([]string, 0, 4)
	for _, d := range run {
		coll := d.NS.Coll
		if _, ok := byColl[coll]; !ok {
			order = append(order, coll)
		}
		byColl[coll] = append(byColl[coll], d)
	}

	var lastTS primitive.Timestamp
	for _, coll := range order {
		entries := byColl[coll]
		models := make([]mongo.WriteModel, 0, len(entries))
		for _, d := range entries {
			model, err := writeModelFor(d)
			if err != nil {
				return lastTS, err
			}
			models = append(models, model)
			lastTS = d.TS
		}

		runID := uuid.NewString()
		res, err := e.target.Collection(coll).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
		if err != nil {
			var bwe mongo.BulkWriteException
			if errors.As(err, &bwe) && allIdempotent(bwe.WriteErrors) {
				metrics.BulkApplyIdempotentSkipsTotal.Add(float64(len(bwe.WriteErrors)))
				logging.WithComponent("bulk-apply").Warn().
					Str("batch_id", runID).
					Str("collection", coll).
					Int("skipped", len(bwe.WriteErrors)).
					Msg("bulk write errors classified as idempotent no-ops, continuing")
			} else {
				return lastTS, errs.WriteConflict(err.Error())
			}
		}
		if res != nil {
			logging.WithComponent("bulk-apply").Debug().
				Str("batch_id", runID).
				Str("collection", coll).
				Int64("matched", res.MatchedCount).
				Int64("upserted", res.UpsertedCount).
				Int64("deleted", res.DeletedCount).
				Msg("bulk write applied")
		}
		for _, d := range entries {
			metrics.BulkApplyOpsTotal.WithLabelValues(classOf(d).String()).Inc()
		}
	}
	return lastTS, nil
}

// allIdempotent reports whether every error in a bulk write exception is one
// the idempotence rules treat as a successful no-op rather than a real
// write conflict. An empty set is never idempotent: BulkWrite only returns
// an exception when something went wrong.
func allIdempotent(writeErrs []mongo.BulkWriteError) bool {
	if len(writeErrs) == 0 {
		return false
	}
	for _, we := range writeErrs {
		if !errs.IsIdempotentOK(errors.New(we.Message)) {
			return false
		}
	}
	return true
}

// writeModelFor converts one decoded CRUD entry into an upsert or delete
// write model. Inserts and full-document replacement updates become
// ReplaceOneModel with upsert set, matching the "insert = idempotent
// upsert by _id" rule; partial updates keep their modifier payload.
func writeModelFor(d oplog.Decoded) (mongo.WriteModel, error) {
	switch d.Tag {
	case oplog.TagInsert:
		idVal, err := d.Doc.LookupErr("_id")
		if err != nil {
			return nil, errs.Decode("insert document missing _id", err)
		}
		return mongo.NewReplaceOneModel().
			SetFilter(idFilter(idVal)).
			SetReplacement(d.Doc).
			SetUpsert(true), nil

	case oplog.TagUpdate:
		if d.IsReplacement {
			return mongo.NewReplaceOneModel().
				SetFilter(idFilter(d.ID)).
				SetReplacement(d.Modifier).
				SetUpsert(true), nil
		}
		return mongo.NewUpdateOneModel().
			SetFilter(idFilter(d.ID)).
			SetUpdate(d.Modifier).
			SetUpsert(false), nil

	case oplog.TagDelete:
		return mongo.NewDeleteOneModel().SetFilter(idFilter(d.DeleteID)), nil

	default:
		return nil, fmt.Errorf("writeModelFor: unexpected tag %d", d.Tag)
	}
}

func idFilter(id interface{}) interface{} {
	return idFilterDoc{ID: id}
}

type idFilterDoc struct {
	ID interface{} `bson:"_id"`
}

func (c opClass) String() string {
	switch c {
	case classUpsert:
		return "upsert"
	case classDelete:
		return "delete"
	default:
		return "none"
	}
}
