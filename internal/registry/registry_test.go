package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_RegisterAndGet(t *testing.T) {
	r := New("")
	r.Register("sess1", "target1")

	id, ok := r.GetTargetID("sess1")
	require.True(t, ok)
	assert.Equal(t, "target1", id)

	_, ok = r.GetTargetID("missing")
	assert.False(t, ok)
}

func TestInMemory_Unregister(t *testing.T) {
	r := New("")
	r.Register("sess1", "target1")
	r.Unregister("sess1")

	_, ok := r.GetTargetID("sess1")
	assert.False(t, ok)
}

func TestInMemory_FlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	r1 := New(path)
	r1.Register("sess1", "target1")

	r2 := New(path)
	id, ok := r2.GetTargetID("sess1")
	require.True(t, ok)
	assert.Equal(t, "target1", id)
}

func TestInMemory_List(t *testing.T) {
	r := New("")
	r.Register("a", "ta")
	r.Register("b", "tb")
	assert.Len(t, r.List(), 2)
}
