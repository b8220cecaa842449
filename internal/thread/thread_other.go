//go:build !linux && !windows

package thread

type osController struct{}

func newController() Controller {
	return osController{}
}

func (osController) Current() ID {
	return 0
}

func (osController) Threads(dst []ID) ([]ID, error) {
	return dst[:0], nil
}

func (osController) Suspend(id ID) (Handle, error) {
	return 0, ErrUnsupported
}

func (osController) Resume(h Handle) error {
	return ErrUnsupported
}

func (osController) GetContext(h Handle, ctx *Context) error {
	return ErrUnsupported
}

func (osController) SetContext(h Handle, ctx *Context) error {
	return ErrUnsupported
}
