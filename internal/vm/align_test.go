package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlign(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uintptr(0x1000), AlignDown(0x1fff, 0x1000))
	assert.Equal(uintptr(0x2000), AlignUp(0x1001, 0x1000))
	assert.Equal(uintptr(0x2000), AlignUp(0x2000, 0x1000))

	start, size := pageSpan(4196, 10, 4096)
	assert.Equal(uintptr(4096), start)
	assert.Equal(uintptr(4096), size)

	start, size = pageSpan(8190, 10, 4096)
	assert.Equal(uintptr(4096), start)
	assert.Equal(uintptr(8192), size)
}

func TestAccessString(t *testing.T) {
	assert.Equal(t, "r-x", AccessRX.String())
	assert.Equal(t, "rw-", AccessRW.String())
	assert.Equal(t, "---", AccessNone.String())
}
