package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func mustRaw(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	data, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(data)
}

func TestDecodeNoop(t *testing.T) {
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpNoop}
	d, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, TagNoop, d.Tag)
}

func TestDecodeInsert(t *testing.T) {
	doc := mustRaw(t, bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "a"}})
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpInsert, NS: "mydb.coll", O: doc}
	d, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, TagInsert, d.Tag)
	assert.Equal(t, "mydb", d.NS.DB)
	assert.Equal(t, "coll", d.NS.Coll)
	assert.Equal(t, doc, d.Doc)
}

func TestDecodeInsertMissingDoc(t *testing.T) {
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpInsert, NS: "mydb.coll"}
	_, err := Decode(e)
	assert.Error(t, err)
}

func TestDecodeUpdateReplacement(t *testing.T) {
	o2 := mustRaw(t, bson.D{{Key: "_id", Value: 7}})
	o := mustRaw(t, bson.D{{Key: "$v", Value: 2}, {Key: "_id", Value: 7}, {Key: "name", Value: "b"}})
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpUpdate, NS: "mydb.coll", O: o, O2: o2}

	d, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, TagUpdate, d.Tag)
	assert.True(t, d.IsReplacement)
	_, err = d.Modifier.LookupErr("$v")
	assert.Error(t, err, "$v should be stripped")
}

func TestDecodeUpdateModifier(t *testing.T) {
	o2 := mustRaw(t, bson.D{{Key: "_id", Value: 7}})
	o := mustRaw(t, bson.D{{Key: "$set", Value: bson.D{{Key: "name", Value: "c"}}}})
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpUpdate, NS: "mydb.coll", O: o, O2: o2}

	d, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, TagUpdate, d.Tag)
	assert.False(t, d.IsReplacement)
}

func TestDecodeDelete(t *testing.T) {
	o := mustRaw(t, bson.D{{Key: "_id", Value: 3}})
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpDelete, NS: "mydb.coll", O: o}

	d, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, TagDelete, d.Tag)
	assert.Equal(t, int32(3), d.DeleteID.Int32())
}

func TestDecodeCommandKnownKind(t *testing.T) {
	o := mustRaw(t, bson.D{{Key: "create", Value: "newcoll"}})
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpCommand, NS: "mydb.$cmd", O: o}

	d, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, TagDDL, d.Tag)
	assert.Equal(t, DDLCreateCollection, d.DDLKind)
	assert.Equal(t, "create", d.DDLCommand)
}

func TestDecodeCommandUnknownKind(t *testing.T) {
	o := mustRaw(t, bson.D{{Key: "collMod", Value: "coll"}})
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpCommand, NS: "mydb.$cmd", O: o}

	d, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, TagIgnored, d.Tag)
	assert.Equal(t, DDLUnknown, d.DDLKind)
}

func TestDecodeUnknownOp(t *testing.T) {
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: "x", NS: "mydb.coll"}
	_, err := Decode(e)
	assert.Error(t, err)
}

func TestDecodeMalformedNamespace(t *testing.T) {
	doc := mustRaw(t, bson.D{{Key: "_id", Value: 1}})
	e := Entry{TS: primitive.Timestamp{T: 1}, Op: OpInsert, NS: "nodotnamespace", O: doc}
	_, err := Decode(e)
	assert.Error(t, err)
}
