package uuid

import (
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsTimeOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		id, err := gen.NewID()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i, id := range ids {
		parsed, err := googleuuid.Parse(id)
		require.NoError(t, err)
		assert.EqualValues(t, 7, parsed.Version())
		if i > 0 {
			assert.Less(t, ids[i-1], id, "task ids sort by creation")
		}
	}
}

func TestNewRequestIDIsV4(t *testing.T) {
	t.Parallel()

	a, b := New().NewRequestID(), New().NewRequestID()
	assert.NotEqual(t, a, b)
	parsed, err := googleuuid.Parse(a)
	require.NoError(t, err)
	assert.EqualValues(t, 4, parsed.Version())
}
