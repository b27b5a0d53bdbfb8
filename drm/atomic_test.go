package drm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicRequestPackGroupsByObject(t *testing.T) {
	req := NewAtomicRequest()
	req.Add(40, 7, 1)
	req.Add(31, 2, 100)
	req.Add(40, 3, 2)
	req.Add(31, 1, 200)

	objs, counts, props, values := req.pack()
	assert.Equal(t, []uint32{31, 40}, objs)
	assert.Equal(t, []uint32{2, 2}, counts)
	assert.Equal(t, []uint32{1, 2, 3, 7}, props)
	assert.Equal(t, []uint64{200, 100, 2, 1}, values)
}

func TestAtomicRequestLastWriteWins(t *testing.T) {
	req := NewAtomicRequest()
	req.Add(10, 1, 5)
	req.Add(10, 1, 6)
	req.Add(10, 2, 7)
	require.Equal(t, 3, req.Len())

	v, ok := req.Value(10, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(6), v)

	objs, counts, props, values := req.pack()
	assert.Equal(t, []uint32{10}, objs)
	assert.Equal(t, []uint32{2}, counts)
	assert.Equal(t, []uint32{1, 2}, props)
	assert.Equal(t, []uint64{6, 7}, values)
}

func TestAtomicRequestEmpty(t *testing.T) {
	req := NewAtomicRequest()
	objs, counts, props, values := req.pack()
	assert.Empty(t, objs)
	assert.Empty(t, counts)
	assert.Empty(t, props)
	assert.Empty(t, values)

	req.Add(1, 1, 1)
	req.Reset()
	assert.Zero(t, req.Len())
	_, ok := req.Value(1, 1)
	assert.False(t, ok)
}
