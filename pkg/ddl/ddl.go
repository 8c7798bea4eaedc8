// Package ddl implements the DDL Executor: applying schema-level oplog
// entries (create/drop/rename collection, create/drop index) to the
// target cluster idempotently, per the sub-kind table in the replication
// design.
package ddl

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cuemby/mongosync/pkg/errs"
	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/oplog"
)

// Executor applies decoded DDL entries to one target database.
type Executor struct {
	target *mongo.Database
}

// NewExecutor binds an Executor to the target database the DDL entries'
// namespace resolves to.
func NewExecutor(target *mongo.Database) *Executor {
	return &Executor{target: target}
}

// Apply executes one decoded DDL entry. Unknown sub-kinds are warned and
// ignored rather than treated as fatal, per the decoder's "ignored"
// sentinel.
func (x *Executor) Apply(ctx context.Context, d oplog.Decoded) error {
	log := logging.WithComponent("ddl-executor")

	if d.Tag == oplog.TagIgnored {
		log.Warn().
			Str("command", d.DDLCommand).
			Str("ns", d.NS.String()).
			Msg("unrecognized DDL command, ignoring")
		metrics.DDLUnknownTotal.Inc()
		return nil
	}

	var err error
	switch d.DDLKind {
	case oplog.DDLCreateCollection:
		err = x.createCollection(ctx, d)
	case oplog.DDLDropCollection:
		err = x.dropCollection(ctx, d)
	case oplog.DDLRenameCollection:
		err = x.renameCollection(ctx, d)
	case oplog.DDLCreateIndex:
		err = x.createIndex(ctx, d)
	case oplog.DDLDropIndex:
		err = x.dropIndex(ctx, d)
	default:
		log.Warn().Str("kind", string(d.DDLKind)).Msg("unhandled DDL kind, ignoring")
		metrics.DDLUnknownTotal.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	metrics.DDLOpsTotal.WithLabelValues(string(d.DDLKind)).Inc()
	return nil
}

func collectionName(obj bson.Raw, key string) (string, error) {
	val, err := obj.LookupErr(key)
	if err != nil {
		return "", err
	}
	s, ok := val.StringValueOK()
	if !ok {
		return "", fmt.Errorf("%q is not a string", key)
	}
	return s, nil
}

func (x *Executor) createCollection(ctx context.Context, d oplog.Decoded) error {
	name, err := collectionName(d.DDLObject, "create")
	if err != nil {
		return errs.Decode("createCollection missing collection name", err)
	}
	err = x.target.CreateCollection(ctx, name)
	if err != nil && !errs.IsIdempotentOK(err, "already exists") {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func (x *Executor) dropCollection(ctx context.Context, d oplog.Decoded) error {
	// dropDatabase has no collection name; drop applies to a single
	// collection named by the "drop" key.
	if name, err := collectionName(d.DDLObject, "drop"); err == nil {
		if err := x.target.Collection(name).Drop(ctx); err != nil && !errs.IsIdempotentOK(err) {
			return fmt.Errorf("drop collection %s: %w", name, err)
		}
		return nil
	}
	if err := x.target.Drop(ctx); err != nil && !errs.IsIdempotentOK(err) {
		return fmt.Errorf("drop database %s: %w", x.target.Name(), err)
	}
	return nil
}

func (x *Executor) renameCollection(ctx context.Context, d oplog.Decoded) error {
	from, err := collectionName(d.DDLObject, "renameCollection")
	if err != nil {
		return errs.Decode("renameCollection missing source namespace", err)
	}
	to, err := collectionName(d.DDLObject, "to")
	if err != nil {
		return errs.Decode("renameCollection missing target namespace", err)
	}
	cmd := bson.D{
		{Key: "renameCollection", Value: from},
		{Key: "to", Value: to},
	}
	err = x.target.Client().Database("admin").RunCommand(ctx, cmd).Err()
	if err != nil && !errs.IsIdempotentOK(err, "source namespace does not exist") {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

func (x *Executor) createIndex(ctx context.Context, d oplog.Decoded) error {
	val, err := d.DDLObject.LookupErr("createIndexes")
	if err != nil {
		return errs.Decode("createIndexes missing collection name", err)
	}
	coll, ok := val.StringValueOK()
	if !ok {
		return errs.Decode("createIndexes collection name is not a string", nil)
	}

	indexesVal, err := d.DDLObject.LookupErr("indexes")
	if err != nil {
		return errs.Decode("createIndexes missing indexes array", err)
	}
	indexes, ok := indexesVal.ArrayOK()
	if !ok {
		return errs.Decode("createIndexes indexes field is not an array", nil)
	}

	elems, err := indexes.Values()
	if err != nil {
		return errs.Decode("createIndexes could not read indexes array", err)
	}

	valid := make(bson.A, 0, len(elems))
	for _, elem := range elems {
		spec, ok := elem.DocumentOK()
		if !ok {
			continue
		}
		if _, err := spec.LookupErr("key"); err != nil {
			logging.WithComponent("ddl-executor").Warn().Msg("createIndexes entry missing key, skipping")
			continue
		}
		if _, err := spec.LookupErr("name"); err != nil {
			logging.WithComponent("ddl-executor").Warn().Msg("createIndexes entry missing name, skipping")
			continue
		}
		valid = append(valid, spec)
	}
	if len(valid) == 0 {
		return nil
	}

	cmd := bson.D{
		{Key: "createIndexes", Value: coll},
		{Key: "indexes", Value: valid},
	}
	err = x.target.RunCommand(ctx, cmd).Err()
	if err != nil && !errs.IsIdempotentOK(err) {
		return fmt.Errorf("createIndexes on %s: %w", coll, err)
	}
	return nil
}

func (x *Executor) dropIndex(ctx context.Context, d oplog.Decoded) error {
	// The collection name sits under the command's own key, which is any of
	// the drop-index aliases the decoder maps to DDLDropIndex.
	val, err := d.DDLObject.LookupErr(d.DDLCommand)
	if err != nil {
		return errs.Decode("dropIndexes missing collection name", err)
	}
	coll, ok := val.StringValueOK()
	if !ok {
		return errs.Decode("dropIndexes collection name is not a string", nil)
	}
	nameVal, err := d.DDLObject.LookupErr("index")
	if err != nil {
		return errs.Decode("dropIndexes missing index name", err)
	}

	cmd := bson.D{
		{Key: "dropIndexes", Value: coll},
		{Key: "index", Value: nameVal},
	}
	err = x.target.RunCommand(ctx, cmd).Err()
	if err != nil && !errs.IsIdempotentOK(err, "index not found") {
		return fmt.Errorf("dropIndexes on %s: %w", coll, err)
	}
	return nil
}
