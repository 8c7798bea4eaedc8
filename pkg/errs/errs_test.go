package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsIdempotentOK(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		additional []string
		want       bool
	}{
		{"nil error", nil, nil, true},
		{"already exists", errors.New("collection already exists"), nil, true},
		{"namespace not found mixed case", errors.New("NamespaceNotFound: ns not found"), nil, true},
		{"caller-specific substring", errors.New("source namespace does not exist"), []string{"source namespace does not exist"}, true},
		{"unrelated error", errors.New("connection refused"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsIdempotentOK(tt.err, tt.additional...))
		})
	}
}

func TestAsGap(t *testing.T) {
	gapErr := Gap("follower", "resume point older than source earliest")
	assert.True(t, AsGap(gapErr))
	assert.False(t, AsGap(errors.New("plain error")))

	wrapped := Transport("dial", gapErr)
	assert.True(t, AsGap(wrapped), "AsGap should see through Unwrap chains")
}

func TestTransportUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transport("dial", cause)
	assert.ErrorIs(t, err, cause)
}

func TestDecodeNilCause(t *testing.T) {
	err := Decode("missing op", nil)
	assert.EqualError(t, err, "decode error: missing op")
}
