package ddl

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/cuemby/mongosync/pkg/errs"
	"github.com/cuemby/mongosync/pkg/oplog"
)

func decodedCommand(t *testing.T, kind oplog.DDLKind, cmd string, obj bson.D) oplog.Decoded {
	t.Helper()
	raw, err := bson.Marshal(obj)
	require.NoError(t, err)
	return oplog.Decoded{Tag: oplog.TagDDL, DDLKind: kind, DDLCommand: cmd, DDLObject: raw}
}

func TestApplyCreateCollection(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("creates", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		x := NewExecutor(mt.DB)
		d := decodedCommand(t, oplog.DDLCreateCollection, "create", bson.D{{Key: "create", Value: "widgets"}})
		err := x.Apply(mt.Ctx, d)
		require.NoError(t, err)
	})

	mt.Run("tolerates already exists", func(mt *mtest.T) {
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 0},
			{Key: "errmsg", Value: "collection already exists"},
			{Key: "code", Value: 48},
		})
		x := NewExecutor(mt.DB)
		d := decodedCommand(t, oplog.DDLCreateCollection, "create", bson.D{{Key: "create", Value: "widgets"}})
		err := x.Apply(mt.Ctx, d)
		require.NoError(t, err)
	})
}

func TestApplyDropCollection(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("drops named collection", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		x := NewExecutor(mt.DB)
		d := decodedCommand(t, oplog.DDLDropCollection, "drop", bson.D{{Key: "drop", Value: "widgets"}})
		err := x.Apply(mt.Ctx, d)
		require.NoError(t, err)
	})
}

func TestApplyUnknownKindIsIgnored(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("ignores unrecognized command", func(mt *mtest.T) {
		x := NewExecutor(mt.DB)
		d := oplog.Decoded{Tag: oplog.TagIgnored, DDLKind: oplog.DDLUnknown, DDLCommand: "collMod"}
		err := x.Apply(mt.Ctx, d)
		require.NoError(t, err)
	})
}

func TestApplyRenameMissingFieldsIsDecodeError(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("missing to", func(mt *mtest.T) {
		x := NewExecutor(mt.DB)
		d := decodedCommand(t, oplog.DDLRenameCollection, "renameCollection",
			bson.D{{Key: "renameCollection", Value: "db.old"}})
		err := x.Apply(mt.Ctx, d)
		var decodeErr *errs.DecodeError
		require.ErrorAs(t, err, &decodeErr)
	})
}

func TestApplyCreateIndexDropsMalformedSpecs(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("sends only well-formed specs", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		x := NewExecutor(mt.DB)
		d := decodedCommand(t, oplog.DDLCreateIndex, "createIndexes", bson.D{
			{Key: "createIndexes", Value: "widgets"},
			{Key: "indexes", Value: bson.A{
				bson.D{{Key: "key", Value: bson.D{{Key: "a", Value: 1}}}, {Key: "name", Value: "a_1"}},
				bson.D{{Key: "key", Value: bson.D{{Key: "b", Value: 1}}}}, // missing name, must be dropped
			}},
		})

		err := x.Apply(mt.Ctx, d)
		require.NoError(t, err)

		ev := mt.GetStartedEvent()
		require.NotNil(t, ev)
		require.Equal(t, "createIndexes", ev.CommandName)

		indexesVal, err := ev.Command.LookupErr("indexes")
		require.NoError(t, err)
		sentArray, ok := indexesVal.ArrayOK()
		require.True(t, ok)
		elems, err := sentArray.Values()
		require.NoError(t, err)
		require.Len(t, elems, 1)

		sentDoc, ok := elems[0].DocumentOK()
		require.True(t, ok)
		name, err := sentDoc.LookupErr("name")
		require.NoError(t, err)
		require.Equal(t, "a_1", name.StringValue())
	})

	mt.Run("all specs malformed sends no command", func(mt *mtest.T) {
		x := NewExecutor(mt.DB)
		d := decodedCommand(t, oplog.DDLCreateIndex, "createIndexes", bson.D{
			{Key: "createIndexes", Value: "widgets"},
			{Key: "indexes", Value: bson.A{
				bson.D{{Key: "key", Value: bson.D{{Key: "a", Value: 1}}}},
			}},
		})

		err := x.Apply(mt.Ctx, d)
		require.NoError(t, err)
		require.Nil(t, mt.GetStartedEvent())
	})
}

func TestCollectionName(t *testing.T) {
	raw, err := bson.Marshal(bson.D{{Key: "create", Value: "widgets"}})
	require.NoError(t, err)

	name, err := collectionName(raw, "create")
	require.NoError(t, err)
	require.Equal(t, "widgets", name)

	_, err = collectionName(raw, "missing")
	require.Error(t, err)
}
