package mongoutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		name    string
		ns      string
		wantDB  string
		wantColl string
		wantErr bool
	}{
		{"simple", "mydb.coll", "mydb", "coll", false},
		{"dotted collection", "mydb.system.indexes", "mydb", "system.indexes", false},
		{"command namespace", "mydb.$cmd", "mydb", "$cmd", false},
		{"no separator", "nodotnamespace", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns, err := ParseNamespace(tt.ns)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDB, ns.DB)
			assert.Equal(t, tt.wantColl, ns.Coll)
		})
	}
}

func TestNamespaceString(t *testing.T) {
	ns := Namespace{DB: "mydb", Coll: "coll"}
	assert.Equal(t, "mydb.coll", ns.String())
}

func TestNamespaceIsCommand(t *testing.T) {
	assert.True(t, Namespace{DB: "mydb", Coll: "$cmd"}.IsCommand())
	assert.False(t, Namespace{DB: "mydb", Coll: "coll"}.IsCommand())
}

func TestIsReserved(t *testing.T) {
	tests := []struct {
		name         string
		db           string
		oplogStoreDB string
		want         bool
	}{
		{"admin", "admin", "", true},
		{"local", "local", "", true},
		{"config", "config", "", true},
		{"oplog store db", "mongosync_oplog_store", "mongosync_oplog_store", true},
		{"ordinary db", "app", "mongosync_oplog_store", false},
		{"empty oplog store db never matches", "app", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReserved(tt.db, tt.oplogStoreDB))
		})
	}
}

func TestDefaultCollectionConcurrency(t *testing.T) {
	assert.Equal(t, 1, DefaultCollectionConcurrency(0))
	assert.Equal(t, 1, DefaultCollectionConcurrency(-3))
	assert.Equal(t, 8, DefaultCollectionConcurrency(8))
}

func TestDefaultDocConcurrency(t *testing.T) {
	assert.Equal(t, 1, DefaultDocConcurrency(0))
	assert.Equal(t, 1, DefaultDocConcurrency(1))
	assert.Equal(t, 4, DefaultDocConcurrency(8))
}
