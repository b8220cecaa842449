package hotpatch

// Option configures hook creation.
type Option func(*options)

type options struct {
	allocator *Allocator
}

// WithAllocator sets the allocator a hook takes its trampoline and stub
// memory from. GlobalAllocator is used otherwise.
func WithAllocator(a *Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.allocator == nil {
		o.allocator = GlobalAllocator()
	}
	return o
}
