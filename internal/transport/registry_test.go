package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingCloser struct {
	closed bool
}

func (r *recordingCloser) Close() error {
	r.closed = true
	return nil
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry()
	a := &recordingCloser{}
	b := &recordingCloser{}
	reg.Add(a)
	idB := reg.Add(b)
	assert.Equal(t, 2, reg.Len())

	reg.Remove(idB)
	assert.Equal(t, 1, reg.Len())

	reg.CloseAll()
	assert.Equal(t, 0, reg.Len())
	assert.True(t, a.closed)
	assert.False(t, b.closed, "removed connections are not touched")
}
