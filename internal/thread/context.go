//go:build !windows

package thread

// Context is a saved register snapshot. Only the instruction pointer is kept
// where threads cannot be suspended.
type Context struct {
	Rip uint64
}

func (c *Context) IP() uintptr {
	return uintptr(c.Rip)
}

func (c *Context) SetIP(ip uintptr) {
	c.Rip = uint64(ip)
}
