package apply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/cuemby/mongosync/pkg/ddl"
	"github.com/cuemby/mongosync/pkg/mongoutil"
	"github.com/cuemby/mongosync/pkg/oplog"
)

func rawDoc(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	data, err := bson.Marshal(d)
	require.NoError(t, err)
	return bson.Raw(data)
}

func TestOpClassString(t *testing.T) {
	assert.Equal(t, "upsert", classUpsert.String())
	assert.Equal(t, "delete", classDelete.String())
	assert.Equal(t, "none", classNone.String())
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, classUpsert, classOf(oplog.Decoded{Tag: oplog.TagInsert}))
	assert.Equal(t, classUpsert, classOf(oplog.Decoded{Tag: oplog.TagUpdate}))
	assert.Equal(t, classDelete, classOf(oplog.Decoded{Tag: oplog.TagDelete}))
	assert.Equal(t, classNone, classOf(oplog.Decoded{Tag: oplog.TagDDL}))
}

func TestWriteModelForInsert(t *testing.T) {
	doc := rawDoc(t, bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "a"}})
	model, err := writeModelFor(oplog.Decoded{Tag: oplog.TagInsert, Doc: doc})
	require.NoError(t, err)
	require.NotNil(t, model)
}

func TestWriteModelForInsertMissingID(t *testing.T) {
	doc := rawDoc(t, bson.D{{Key: "name", Value: "a"}})
	_, err := writeModelFor(oplog.Decoded{Tag: oplog.TagInsert, Doc: doc})
	assert.Error(t, err)
}

func TestWriteModelForDelete(t *testing.T) {
	id, err := bson.Marshal(bson.D{{Key: "_id", Value: 3}})
	require.NoError(t, err)
	idVal := bson.Raw(id).Lookup("_id")
	model, err := writeModelFor(oplog.Decoded{Tag: oplog.TagDelete, DeleteID: idVal})
	require.NoError(t, err)
	require.NotNil(t, model)
}

func TestEngineLoadAndDone(t *testing.T) {
	e := NewEngine(nil, nil)
	assert.True(t, e.Done())
	e.Load([]oplog.Decoded{{Tag: oplog.TagInsert}})
	assert.False(t, e.Done())
}

func TestApplyNextNoEntriesErrors(t *testing.T) {
	e := NewEngine(nil, nil)
	_, err := e.ApplyNext(nil)
	assert.Error(t, err)
}

func TestAllIdempotentEmptyIsNotIdempotent(t *testing.T) {
	assert.False(t, allIdempotent(nil))
}

func TestAllIdempotentAllNoOpsIsIdempotent(t *testing.T) {
	writeErrs := []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 0, Code: 26, Message: "ns not found"}},
		{WriteError: mongo.WriteError{Index: 1, Code: 26, Message: "collection does not exist"}},
	}
	assert.True(t, allIdempotent(writeErrs))
}

func TestAllIdempotentMixedIsNotIdempotent(t *testing.T) {
	writeErrs := []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 0, Code: 26, Message: "ns not found"}},
		{WriteError: mongo.WriteError{Index: 1, Code: 11000, Message: "E11000 duplicate key error"}},
	}
	assert.False(t, allIdempotent(writeErrs))
}

func TestApplyNextCrudRunThenDDLBarrier(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("run then barrier", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		ddlExec := ddl.NewExecutor(mt.DB)
		e := NewEngine(mt.DB, ddlExec)

		insertDoc := rawDoc(t, bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "a"}})
		createObj := rawDoc(t, bson.D{{Key: "create", Value: "widgets"}})
		laterDoc := rawDoc(t, bson.D{{Key: "_id", Value: 2}, {Key: "name", Value: "b"}})

		e.Load([]oplog.Decoded{
			{Tag: oplog.TagInsert, TS: primitive.Timestamp{T: 1}, NS: mongoutil.Namespace{DB: "app", Coll: "widgets"}, Doc: insertDoc},
			{Tag: oplog.TagDDL, TS: primitive.Timestamp{T: 2}, NS: mongoutil.Namespace{DB: "app", Coll: "$cmd"}, DDLKind: oplog.DDLCreateCollection, DDLCommand: "create", DDLObject: createObj},
			{Tag: oplog.TagInsert, TS: primitive.Timestamp{T: 3}, NS: mongoutil.Namespace{DB: "app", Coll: "widgets"}, Doc: laterDoc},
		})

		// The first call flushes the run before the barrier and applies the
		// barrier itself, reporting the barrier's timestamp.
		res, err := e.ApplyNext(mt.Ctx)
		require.NoError(t, err)
		assert.Equal(t, primitive.Timestamp{T: 2}, res.TS)
		assert.True(t, res.MoreWork)

		res, err = e.ApplyNext(mt.Ctx)
		require.NoError(t, err)
		assert.Equal(t, primitive.Timestamp{T: 3}, res.TS)
		assert.False(t, res.MoreWork)
		assert.True(t, e.Done())
	})
}
