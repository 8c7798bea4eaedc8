package replicator

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// CheckpointCollection holds the Applied-Checkpoint in the target
	// database: {ts: <Timestamp>}.
	CheckpointCollection = "oplog_records"

	// ManifestCollection holds the Subset Manifest in the target
	// database: {names: [<String>]}. An absent document means "all
	// collections".
	ManifestCollection = "colls_to_sync"
)

const checkpointDocID = "applied_checkpoint"
const manifestDocID = "subset_manifest"

// CheckpointStore persists the Applied-Checkpoint.
type CheckpointStore struct {
	coll *mongo.Collection
}

func NewCheckpointStore(target *mongo.Database) *CheckpointStore {
	return &CheckpointStore{coll: target.Collection(CheckpointCollection)}
}

type checkpointDoc struct {
	TS primitive.Timestamp `bson:"ts"`
}

// Load returns the current Applied-Checkpoint, or mongo.ErrNoDocuments if
// the replicator has never completed a FULL phase.
func (c *CheckpointStore) Load(ctx context.Context) (primitive.Timestamp, error) {
	var doc checkpointDoc
	err := c.coll.FindOne(ctx, bson.D{{Key: "_id", Value: checkpointDocID}}).Decode(&doc)
	if err != nil {
		return primitive.Timestamp{}, err
	}
	return doc.TS, nil
}

// Store upserts the Applied-Checkpoint. Callers must only advance it
// monotonically; advancing is not enforced here since the orchestrator is
// the single writer by deployment convention.
func (c *CheckpointStore) Store(ctx context.Context, ts primitive.Timestamp) error {
	_, err := c.coll.ReplaceOne(
		ctx,
		bson.D{{Key: "_id", Value: checkpointDocID}},
		bson.D{{Key: "_id", Value: checkpointDocID}, {Key: "ts", Value: ts}},
		options.Replace().SetUpsert(true),
	)
	return err
}

// ManifestStore persists the Subset Manifest.
type ManifestStore struct {
	coll *mongo.Collection
}

func NewManifestStore(target *mongo.Database) *ManifestStore {
	return &ManifestStore{coll: target.Collection(ManifestCollection)}
}

type manifestDoc struct {
	Names []string `bson:"names"`
}

// Load returns the persisted collection set, or (nil, false) if absent
// ("all collections").
func (m *ManifestStore) Load(ctx context.Context) ([]string, bool, error) {
	var doc manifestDoc
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: manifestDocID}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc.Names, true, nil
}

// Store rewrites the manifest. Called on every Replicator run once phase
// selection has decided: at the end of a FULL phase, after a
// subset-widening FULL phase completes, or before incremental apply
// resumes when neither was needed.
func (m *ManifestStore) Store(ctx context.Context, names []string) error {
	_, err := m.coll.ReplaceOne(
		ctx,
		bson.D{{Key: "_id", Value: manifestDocID}},
		bson.D{{Key: "_id", Value: manifestDocID}, {Key: "names", Value: names}},
		options.Replace().SetUpsert(true),
	)
	return err
}
