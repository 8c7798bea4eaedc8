package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestRangeFilter(t *testing.T) {
	r := Range{Min: 10, Max: 20}
	assert.Equal(t, bson.D{{Key: "_id", Value: bson.D{
		{Key: "$gte", Value: 10},
		{Key: "$lte", Value: 20},
	}}}, r.Filter())
}
