// Package partition implements the PK-Range Partitioner: splitting a
// collection into P disjoint, roughly-equal-population primary-key ranges
// so the Full-Sync Engine's doc pool can copy them concurrently.
package partition

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Range is a closed interval [Min, Max] in primary-key space. Successive
// ranges from the same Split call abut but never overlap.
type Range struct {
	Min interface{}
	Max interface{}
}

// Split counts the documents in coll and divides them into up to desired
// ranges of roughly step = N/desired documents each, per the offset-based
// algorithm: the boundary of range i is the _id found at sorted offset
// i*step, and the final range's upper bound is the collection's last _id.
//
// If N < desired, a single range covering all keys is returned. An empty
// collection yields a nil slice; callers skip the collection entirely.
func Split(ctx context.Context, coll *mongo.Collection, desired int) ([]Range, error) {
	if desired < 1 {
		desired = 1
	}

	n, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate document count: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if n < int64(desired) {
		desired = 1
	}

	step := n / int64(desired)
	if step < 1 {
		step = 1
	}

	ranges := make([]Range, 0, desired)
	for i := 0; i < desired; i++ {
		lo, err := idAtOffset(ctx, coll, int64(i)*step)
		if err != nil {
			return nil, fmt.Errorf("boundary at offset %d: %w", int64(i)*step, err)
		}

		var hi interface{}
		if i == desired-1 {
			hi, err = lastID(ctx, coll)
		} else {
			hi, err = idAtOffset(ctx, coll, (int64(i+1)*step)-1)
		}
		if err != nil {
			return nil, fmt.Errorf("boundary at offset %d: %w", (int64(i+1)*step)-1, err)
		}

		ranges = append(ranges, Range{Min: lo, Max: hi})
	}
	return ranges, nil
}

func idAtOffset(ctx context.Context, coll *mongo.Collection, offset int64) (interface{}, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(offset).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	var doc bson.Raw
	if err := coll.FindOne(ctx, bson.D{}, opts).Decode(&doc); err != nil {
		return nil, err
	}
	val, err := doc.LookupErr("_id")
	if err != nil {
		return nil, err
	}
	return val, nil
}

func lastID(ctx context.Context, coll *mongo.Collection) (interface{}, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	var doc bson.Raw
	if err := coll.FindOne(ctx, bson.D{}, opts).Decode(&doc); err != nil {
		return nil, err
	}
	val, err := doc.LookupErr("_id")
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Filter builds the query fragment selecting documents whose _id falls
// within r, inclusive at both ends.
func (r Range) Filter() bson.D {
	return bson.D{{Key: "_id", Value: bson.D{
		{Key: "$gte", Value: r.Min},
		{Key: "$lte", Value: r.Max},
	}}}
}
