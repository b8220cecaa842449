package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuspendUnsupported(t *testing.T) {
	c := Default()
	_, err := c.Suspend(c.Current())
	assert.ErrorIs(t, err, ErrUnsupported)
}
