package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/cuemby/mongosync/pkg/bsonutil"
	"github.com/cuemby/mongosync/pkg/errs"
	"github.com/cuemby/mongosync/pkg/mongoutil"
)

// Tag is the decoded entry's classification; the decoder is the only
// producer of a Decoded value, and every downstream consumer switches on
// Tag rather than re-inspecting the raw entry.
type Tag int

const (
	TagNoop Tag = iota
	TagInsert
	TagUpdate
	TagDelete
	TagDDL
	TagIgnored // unknown DDL sub-kind: warned, not fatal
)

// DDLKind enumerates the schema-level sub-kinds the DDL Executor knows how
// to apply idempotently.
type DDLKind string

const (
	DDLCreateCollection DDLKind = "createCollection"
	DDLDropCollection   DDLKind = "dropCollection"
	DDLRenameCollection DDLKind = "renameCollection"
	DDLCreateIndex      DDLKind = "createIndex"
	DDLDropIndex        DDLKind = "dropIndex"
	DDLUnknown          DDLKind = "unknown"
)

// ddlCommandKinds maps the raw server command name found in a Command
// entry's "o" document to the DDL sub-kind table in the DDL Executor.
// Command names not present here are reported as DDLUnknown.
var ddlCommandKinds = map[string]DDLKind{
	"create":           DDLCreateCollection,
	"createIndexes":    DDLCreateIndex,
	"drop":             DDLDropCollection,
	"dropDatabase":     DDLDropCollection,
	"renameCollection": DDLRenameCollection,
	"deleteIndex":      DDLDropIndex,
	"deleteIndexes":    DDLDropIndex,
	"dropIndex":        DDLDropIndex,
	"dropIndexes":      DDLDropIndex,
}

// Decoded is the tagged-variant output of Decode: exactly the fields the
// table in the Log Entry Decoder design names for each tag.
type Decoded struct {
	Tag Tag
	TS  primitive.Timestamp
	NS  mongoutil.Namespace

	// Insert
	Doc bson.Raw

	// Update
	ID           bson.RawValue
	Modifier     bson.Raw
	IsReplacement bool

	// Delete
	DeleteID bson.RawValue

	// DDL
	DDLKind    DDLKind
	DDLCommand string
	DDLObject  bson.Raw
}

// Decode classifies a raw captured entry. It never mutates e.
func Decode(e Entry) (Decoded, error) {
	if e.IsNoop() {
		return Decoded{Tag: TagNoop, TS: e.TS}, nil
	}

	ns, err := mongoutil.ParseNamespace(e.NS)
	if err != nil {
		return Decoded{}, errs.Decode("entry has malformed namespace", err)
	}

	switch e.Op {
	case OpInsert:
		if e.O == nil {
			return Decoded{}, errs.Decode("insert entry missing \"o\"", nil)
		}
		return Decoded{Tag: TagInsert, TS: e.TS, NS: ns, Doc: e.O}, nil

	case OpUpdate:
		return decodeUpdate(e, ns)

	case OpDelete:
		if e.O == nil {
			return Decoded{}, errs.Decode("delete entry missing \"o\"", nil)
		}
		id, err := e.O.LookupErr("_id")
		if err != nil {
			return Decoded{}, errs.Decode("delete entry missing _id", err)
		}
		return Decoded{Tag: TagDelete, TS: e.TS, NS: ns, DeleteID: id}, nil

	case OpCommand:
		return decodeCommand(e, ns)

	default:
		return Decoded{}, errs.Decode(fmt.Sprintf("unknown op value %q", e.Op), nil)
	}
}

func decodeUpdate(e Entry, ns mongoutil.Namespace) (Decoded, error) {
	if e.O2 == nil {
		return Decoded{}, errs.Decode("update entry missing \"o2\"", nil)
	}
	if e.O == nil {
		return Decoded{}, errs.Decode("update entry missing \"o\"", nil)
	}
	id, err := e.O2.LookupErr("_id")
	if err != nil {
		return Decoded{}, errs.Decode("update entry's o2 missing _id", err)
	}

	payload := bsonutil.StripReplicationVersion(e.O)
	isReplacement := !bsonutil.IsModifierDocument(payload)

	return Decoded{
		Tag:           TagUpdate,
		TS:            e.TS,
		NS:            ns,
		ID:            id,
		Modifier:      payload,
		IsReplacement: isReplacement,
	}, nil
}

func decodeCommand(e Entry, ns mongoutil.Namespace) (Decoded, error) {
	if e.O == nil {
		return Decoded{}, errs.Decode("command entry missing \"o\"", nil)
	}
	name, err := commandName(e.O)
	if err != nil {
		return Decoded{}, errs.Decode("command entry has no recognizable command name", err)
	}

	kind, known := ddlCommandKinds[name]
	if !known {
		return Decoded{
			Tag:        TagIgnored,
			TS:         e.TS,
			NS:         ns,
			DDLKind:    DDLUnknown,
			DDLCommand: name,
			DDLObject:  e.O,
		}, nil
	}

	return Decoded{
		Tag:        TagDDL,
		TS:         e.TS,
		NS:         ns,
		DDLKind:    kind,
		DDLCommand: name,
		DDLObject:  e.O,
	}, nil
}

// commandName returns the first key of a command document, which by
// MongoDB convention names the command itself (e.g. {create: "coll"} ->
// "create").
func commandName(doc bson.Raw) (string, error) {
	elems, err := doc.Elements()
	if err != nil {
		return "", err
	}
	if len(elems) == 0 {
		return "", fmt.Errorf("empty command document")
	}
	return elems[0].Key(), nil
}
