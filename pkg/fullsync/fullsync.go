// Package fullsync implements the Full-Sync Engine: a parallel bulk copier
// that drops and reloads each target collection from a source snapshot,
// sharding large collections across PK-range workers, then rebuilds
// secondary indexes.
package fullsync

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/partition"
)

// LargeThreshold is the estimated-document-count boundary above which a
// collection is partitioned across the doc pool instead of copied serially.
const LargeThreshold = 10_000

// PageSize is the find() batch size used while streaming documents from
// the source, and the bulk-insert flush threshold on the target.
const PageSize = 10_000

// Config controls the two nested worker pools the engine drives.
type Config struct {
	CollectionConcurrent int
	DocConcurrent        int
}

// Engine copies a set of collections from source to target.
type Engine struct {
	source *mongo.Database
	target *mongo.Database
	cfg    Config
}

// NewEngine binds an Engine to a source/target database pair.
func NewEngine(source, target *mongo.Database, cfg Config) *Engine {
	if cfg.CollectionConcurrent < 1 {
		cfg.CollectionConcurrent = 1
	}
	if cfg.DocConcurrent < 1 {
		cfg.DocConcurrent = 1
	}
	return &Engine{source: source, target: target, cfg: cfg}
}

// Sync rewrites every named target collection from the source snapshot and
// rebuilds its secondary indexes. The first collection failure cancels the
// remaining work; collections already in flight finish their current
// batch before returning.
func (e *Engine) Sync(ctx context.Context, collections []string) error {
	if len(collections) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.CollectionConcurrent)

	for _, name := range collections {
		name := name
		g.Go(func() error {
			return e.syncCollection(gctx, name)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, name := range collections {
		if err := e.rebuildIndexes(ctx, name); err != nil {
			return fmt.Errorf("rebuild indexes for %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) syncCollection(ctx context.Context, name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FullSyncCollectionDuration, name)

	log := logging.WithComponent("full-sync")
	src := e.source.Collection(name)
	dst := e.target.Collection(name)

	n, err := src.EstimatedDocumentCount(ctx)
	if err != nil {
		return fmt.Errorf("estimate count for %s: %w", name, err)
	}

	if err := dst.Drop(ctx); err != nil {
		return fmt.Errorf("drop target collection %s: %w", name, err)
	}

	if n == 0 {
		log.Info().Str("collection", name).Msg("empty collection, nothing to copy")
		return nil
	}

	if n <= LargeThreshold {
		return e.copyFiltered(ctx, src, dst, name, bson.D{})
	}

	ranges, err := partition.Split(ctx, src, e.cfg.DocConcurrent)
	if err != nil {
		return fmt.Errorf("partition %s: %w", name, err)
	}
	log.Info().Str("collection", name).Int64("estimated_docs", n).Int("shards", len(ranges)).Msg("partitioned large collection")
	metrics.FullSyncPartitionsTotal.Set(float64(len(ranges)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.DocConcurrent)
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			return e.copyFiltered(gctx, src, dst, name, r.Filter())
		})
	}
	return g.Wait()
}

// copyFiltered streams documents matching filter from src to dst in
// PageSize batches, sorted by _id for stable cursor behavior.
func (e *Engine) copyFiltered(ctx context.Context, src, dst *mongo.Collection, name string, filter bson.D) error {
	opts := options.Find().
		SetBatchSize(PageSize).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	cur, err := src.Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("find on %s: %w", name, err)
	}
	defer cur.Close(ctx)

	models := make([]mongo.WriteModel, 0, PageSize)
	var copied int64

	flush := func() error {
		if len(models) == 0 {
			return nil
		}
		if _, err := dst.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("bulk insert into %s: %w", name, err)
		}
		metrics.FullSyncDocumentsCopiedTotal.WithLabelValues(name).Add(float64(len(models)))
		models = models[:0]
		return nil
	}

	for cur.Next(ctx) {
		var doc bson.Raw
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode document from %s: %w", name, err)
		}
		idVal, err := doc.LookupErr("_id")
		if err != nil {
			return fmt.Errorf("document in %s missing _id: %w", name, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: idVal}}).
			SetReplacement(doc).
			SetUpsert(true))
		copied++
		if len(models) >= PageSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("cursor error on %s: %w", name, err)
	}
	return flush()
}

// rebuildIndexes mirrors every secondary index from the source collection
// onto the target via a single createIndexes command. The listIndexes
// cursor is iterated to exhaustion, so index metadata spread over several
// cursor batches is all included.
func (e *Engine) rebuildIndexes(ctx context.Context, name string) error {
	cur, err := e.source.Collection(name).Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("list indexes on %s: %w", name, err)
	}
	defer cur.Close(ctx)

	var specs []bson.Raw
	for cur.Next(ctx) {
		var doc bson.Raw
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		if nameVal, err := doc.LookupErr("name"); err == nil {
			if s, ok := nameVal.StringValueOK(); ok && s == "_id_" {
				continue // built in, never dropped
			}
		}
		specs = append(specs, doc)
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}

	cmd := bson.D{
		{Key: "createIndexes", Value: name},
		{Key: "indexes", Value: specs},
	}
	return e.target.RunCommand(ctx, cmd).Err()
}
