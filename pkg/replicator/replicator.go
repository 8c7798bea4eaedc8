// Package replicator implements the Replicator Orchestrator: sequencing
// Full-Sync and Incremental Apply for one (source-db, target-db, subset)
// tuple, and detecting subset widening across restarts.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cuemby/mongosync/pkg/apply"
	"github.com/cuemby/mongosync/pkg/bsonutil"
	"github.com/cuemby/mongosync/pkg/ddl"
	"github.com/cuemby/mongosync/pkg/fullsync"
	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/oplog"
	"github.com/cuemby/mongosync/pkg/oplogstore"
)

// IncrBatchSize is the oplog store range() fetch size per incremental
// apply iteration.
const IncrBatchSize = 10_000

// IncrDwell is how long the incremental loop sleeps when no new entries
// are available.
const IncrDwell = 3 * time.Second

// Config describes one (source-db, target-db, subset) replication tuple.
type Config struct {
	SourceDB   string
	TargetDB   string
	Colls      []string // desired subset; nil/empty means "all collections in SourceDB"
	FullSync   fullsync.Config
	IncrDwell  time.Duration
	IncrBatch  int64
}

// Orchestrator sequences Full-Sync and Incremental Apply for one tuple.
type Orchestrator struct {
	store    *oplogstore.Store
	source   *mongo.Database
	target   *mongo.Database
	ckpt     *CheckpointStore
	manifest *ManifestStore
	ddlExec  *ddl.Executor
	applyEng *apply.Engine
	fullEng  *fullsync.Engine
	cfg      Config
}

// New wires an Orchestrator from its collaborators.
func New(store *oplogstore.Store, source, target *mongo.Database, cfg Config) *Orchestrator {
	if cfg.IncrDwell <= 0 {
		cfg.IncrDwell = IncrDwell
	}
	if cfg.IncrBatch <= 0 {
		cfg.IncrBatch = IncrBatchSize
	}
	ddlExec := ddl.NewExecutor(target)
	return &Orchestrator{
		store:    store,
		source:   source,
		target:   target,
		ckpt:     NewCheckpointStore(target),
		manifest: NewManifestStore(target),
		ddlExec:  ddlExec,
		applyEng: apply.NewEngine(target, ddlExec),
		fullEng:  fullsync.NewEngine(source, target, cfg.FullSync),
		cfg:      cfg,
	}
}

// Run performs phase selection, executes FULL and/or a catch-up INCR pass
// as needed, then loops the Incremental Apply Engine until ctx is
// cancelled or an unrecoverable error occurs.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := logging.WithComponent("replicator")

	desired, err := o.resolveDesiredCollections(ctx)
	if err != nil {
		return fmt.Errorf("resolve desired collections: %w", err)
	}

	manifestNames, manifestPresent, err := o.manifest.Load(ctx)
	if err != nil {
		return fmt.Errorf("load subset manifest: %w", err)
	}

	missing, err := o.checkpointMissingOrGapped(ctx)
	if err != nil {
		return err
	}

	switch {
	case missing:
		log.Info().Msg("applied checkpoint missing or gapped, running full sync")
		if err := o.runFull(ctx, desired); err != nil {
			return fmt.Errorf("full sync: %w", err)
		}

	case manifestPresent && widened(desired, manifestNames):
		newColls := diff(desired, manifestNames)
		log.Info().Strs("new_collections", newColls).Msg("subset widened, catching up then full syncing new collections")
		if err := o.applyUntilNow(ctx, manifestNames); err != nil {
			return fmt.Errorf("catch-up apply before widening: %w", err)
		}
		if err := o.runFull(ctx, newColls); err != nil {
			return fmt.Errorf("full sync new collections: %w", err)
		}
		if err := o.manifest.Store(ctx, desired); err != nil {
			return fmt.Errorf("persist widened manifest: %w", err)
		}

	default:
		log.Info().Msg("checkpoint present and subset unchanged, resuming incremental apply")
		if err := o.manifest.Store(ctx, desired); err != nil {
			return fmt.Errorf("persist subset manifest: %w", err)
		}
	}

	metrics.ReplicatorPhase.WithLabelValues("incremental").Set(1)
	return o.incrLoop(ctx, desired, nil)
}

// checkpointMissingOrGapped implements the "missing" predicate from phase
// selection: the Applied-Checkpoint is absent, or the oplog store's
// earliest retained entry is newer than it (an unrecoverable gap).
func (o *Orchestrator) checkpointMissingOrGapped(ctx context.Context) (bool, error) {
	ckpt, err := o.ckpt.Load(ctx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load applied checkpoint: %w", err)
	}

	earliest, err := o.store.Earliest(ctx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read oplog store earliest ts: %w", err)
	}

	return bsonutil.Less(ckpt, earliest), nil
}

// runFull executes the FULL phase over the given collection set.
func (o *Orchestrator) runFull(ctx context.Context, colls []string) error {
	metrics.ReplicatorPhase.WithLabelValues("full").Set(1)
	defer metrics.ReplicatorPhase.WithLabelValues("full").Set(0)

	oplogStart, err := o.store.Latest(ctx)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("record oplog_start: %w", err)
	}

	if err := o.fullEng.Sync(ctx, colls); err != nil {
		return err
	}

	earliest, err := o.store.Earliest(ctx)
	if err == nil && bsonutil.Less(oplogStart, earliest) {
		return fmt.Errorf("retention cleaner pruned entries needed for full sync: oplog_start %v < earliest %v", oplogStart, earliest)
	}

	if err := o.ckpt.Store(ctx, oplogStart); err != nil {
		return fmt.Errorf("persist applied checkpoint: %w", err)
	}
	if err := o.manifest.Store(ctx, colls); err != nil {
		return fmt.Errorf("persist subset manifest: %w", err)
	}
	return nil
}

// applyUntilNow drains the incremental apply loop against the old subset
// only, stopping once the checkpoint reaches the oplog store's latest
// timestamp observed at call time, so the new collections' FULL phase can
// start from a well-defined oplog_start.
func (o *Orchestrator) applyUntilNow(ctx context.Context, subset []string) error {
	now, err := o.store.Latest(ctx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.incrLoop(ctx, subset, &now)
}

// incrLoop implements the Incremental Apply Engine's loop. If until is
// non-nil, the loop returns once the checkpoint reaches or passes it
// instead of running forever.
func (o *Orchestrator) incrLoop(ctx context.Context, subset []string, until *primitive.Timestamp) error {
	log := logging.WithComponent("incr-apply")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s, err := o.ckpt.Load(ctx)
		if err != nil {
			return fmt.Errorf("load applied checkpoint: %w", err)
		}
		o.updateLagMetrics(ctx, s)
		if until != nil && !bsonutil.Less(s, *until) {
			return nil
		}

		entries, err := o.store.Range(ctx, s, nil, o.cfg.IncrBatch)
		if err != nil {
			return fmt.Errorf("fetch oplog range: %w", err)
		}
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.IncrDwell):
			}
			continue
		}

		decoded, err := o.decodeFiltered(entries, subset)
		if err != nil {
			return fmt.Errorf("decode batch: %w", err)
		}
		if len(decoded) == 0 {
			if err := o.ckpt.Store(ctx, entries[len(entries)-1].TS); err != nil {
				return fmt.Errorf("advance checkpoint over filtered-out batch: %w", err)
			}
			continue
		}

		o.applyEng.Load(decoded)
		for !o.applyEng.Done() {
			res, err := o.applyEng.ApplyNext(ctx)
			if err != nil {
				return fmt.Errorf("apply batch: %w", err)
			}
			if err := o.ckpt.Store(ctx, res.TS); err != nil {
				return fmt.Errorf("advance applied checkpoint: %w", err)
			}
			metrics.CheckpointCommitsTotal.Inc()
			if !res.MoreWork {
				break
			}
		}
		log.Debug().Int("entries", len(entries)).Msg("drained oplog store batch")

		if until != nil {
			latest, err := o.ckpt.Load(ctx)
			if err == nil && !bsonutil.Less(latest, *until) {
				return nil
			}
		}
	}
}

// updateLagMetrics refreshes the two gauges derived from the oplog store's
// current head and tail against the applied checkpoint. Either reading can
// be momentarily unavailable (empty store, transient read error); in that
// case the corresponding gauge is left at its last known value.
func (o *Orchestrator) updateLagMetrics(ctx context.Context, checkpoint primitive.Timestamp) {
	if latest, err := o.store.Latest(ctx); err == nil {
		metrics.IncrementalApplyLagSeconds.Set(secondsDiff(latest, checkpoint))
	}
	if earliest, err := o.store.Earliest(ctx); err == nil {
		metrics.OplogStoreRetentionMarginSeconds.Set(secondsDiff(checkpoint, earliest))
	}
}

// secondsDiff approximates the wall-clock gap between two oplog
// timestamps using their seconds component.
func secondsDiff(a, b primitive.Timestamp) float64 {
	return float64(a.T) - float64(b.T)
}

// decodeFiltered decodes entries, keeping only those in the sync set:
// ns.db == target db and (subset empty, or ns.coll in subset, or the
// entry is a command). Commands on the target db are always retained so
// schema changes are not lost when operating on a subset.
func (o *Orchestrator) decodeFiltered(entries []oplog.Entry, subset []string) ([]oplog.Decoded, error) {
	subsetSet := make(map[string]struct{}, len(subset))
	for _, c := range subset {
		subsetSet[c] = struct{}{}
	}
	hasSubset := len(subset) > 0

	out := make([]oplog.Decoded, 0, len(entries))
	for _, e := range entries {
		d, err := oplog.Decode(e)
		if err != nil {
			return nil, err
		}
		if d.Tag == oplog.TagNoop {
			continue
		}
		if d.NS.DB != o.cfg.TargetDB {
			continue
		}
		isCommand := d.Tag == oplog.TagDDL || d.Tag == oplog.TagIgnored
		if hasSubset && !isCommand {
			if _, ok := subsetSet[d.NS.Coll]; !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// resolveDesiredCollections returns cfg.Colls verbatim if set, or every
// collection currently in the source database otherwise.
func (o *Orchestrator) resolveDesiredCollections(ctx context.Context) ([]string, error) {
	if len(o.cfg.Colls) > 0 {
		return o.cfg.Colls, nil
	}
	return o.source.ListCollectionNames(ctx, bson.D{})
}

func widened(desired, manifest []string) bool {
	return len(diff(desired, manifest)) > 0
}

// diff returns the elements of a not present in b.
func diff(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, x := range b {
		inB[x] = struct{}{}
	}
	var out []string
	for _, x := range a {
		if _, ok := inB[x]; !ok {
			out = append(out, x)
		}
	}
	return out
}
