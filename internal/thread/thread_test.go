//go:build linux || windows

package thread

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadsIncludesCurrent(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := Default()
	ids, err := c.Threads(make([]ID, 0, 64))
	require.NoError(t, err)
	assert.Contains(t, ids, c.Current())
}

func TestThreadsReusesBuffer(t *testing.T) {
	c := Default()
	buf := make([]ID, 3, 256)
	ids, err := c.Threads(buf)
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
	if len(ids) <= cap(buf) {
		assert.Same(t, &buf[0], &ids[0])
	}
}
