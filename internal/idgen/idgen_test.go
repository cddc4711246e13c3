package idgen

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
	assert.NotEqual(t, New(), New())
}

func TestHex(t *testing.T) {
	h := Hex(4)
	assert.Regexp(t, `^[0-9a-f]{8}$`, h)
	assert.NotEqual(t, h, Hex(4))
}

func TestBatchID_Monotonic(t *testing.T) {
	now := time.Now()
	var prev int64
	for i := 0; i < 50; i++ {
		id := BatchID(now)
		require.True(t, strings.HasPrefix(id, "BATCH-"))
		n, err := strconv.ParseInt(strings.TrimPrefix(id, "BATCH-"), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}
