package oplogstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/cuemby/mongosync/pkg/oplog"
)

func newStore(mt *mtest.T) *Store {
	return Open(mt.Client, mt.DB.Name())
}

func TestAppendEmptyBatchIsNoOp(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("no-op", func(mt *mtest.T) {
		s := newStore(mt)
		require.NoError(t, s.Append(mt.Ctx, nil))
	})
}

func TestAppendInsertsBatch(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("inserts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		s := newStore(mt)
		batch := []oplog.Entry{
			{TS: primitive.Timestamp{T: 1}, Op: oplog.OpInsert, NS: "app.widgets"},
		}
		require.NoError(t, s.Append(mt.Ctx, batch))
	})
}

func TestRangeDecodesEntries(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("range", func(mt *mtest.T) {
		first := mtest.CreateCursorResponse(1, "testdb.source_oplog", mtest.FirstBatch, bson.D{
			{Key: "ts", Value: primitive.Timestamp{T: 2}},
			{Key: "op", Value: "i"},
			{Key: "ns", Value: "app.widgets"},
		})
		killCursors := mtest.CreateCursorResponse(0, "testdb.source_oplog", mtest.NextBatch)
		mt.AddMockResponses(first, killCursors)

		s := newStore(mt)
		entries, err := s.Range(mt.Ctx, primitive.Timestamp{T: 1}, nil, 100)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, oplog.OpInsert, entries[0].Op)
		require.Equal(t, "app.widgets", entries[0].NS)
	})
}

func TestDeleteGE(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("reports deleted count", func(mt *mtest.T) {
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "n", Value: 3},
		})
		s := newStore(mt)
		n, err := s.DeleteGE(mt.Ctx, primitive.Timestamp{T: 5})
		require.NoError(t, err)
		require.Equal(t, int64(3), n)
	})
}

func TestLoadResumePointNotFound(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "testdb.oplog_truncate_after_point", mtest.FirstBatch))
		s := newStore(mt)
		_, err := s.LoadResumePoint(mt.Ctx)
		require.ErrorIs(t, err, mongo.ErrNoDocuments)
	})
}

func TestStoreResumePointUpserts(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("upsert", func(mt *mtest.T) {
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "n", Value: 1},
			{Key: "nModified", Value: 0},
		})
		s := newStore(mt)
		require.NoError(t, s.StoreResumePoint(mt.Ctx, primitive.Timestamp{T: 9}))
	})
}
