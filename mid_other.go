//go:build !amd64

package hotpatch

// Context is empty on architectures without mid hook support.
type Context struct{}

func midStub() (code []byte, destSlot, trampSlot int) {
	return nil, 0, 0
}
