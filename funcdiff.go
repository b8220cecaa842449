package hotpatch

import (
	"errors"
	"fmt"
	"reflect"
)

type funcDifferences struct {
	In       []*argDifference
	Out      []*argDifference
	Variadic bool
}

func (d *funcDifferences) Error() error {
	errs := []error{}
	if d.Variadic {
		errs = append(errs, errors.New("only one function is variadic"))
	}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}

	return errors.Join(errs...)
}

// argDifference is a mismatched argument or result. A nil type means the
// function has no parameter at that position.
type argDifference struct {
	A reflect.Type
	B reflect.Type
}

func diffFuncs(a, b reflect.Value) *funcDifferences {
	at := a.Type()
	bt := b.Type()

	return &funcDifferences{
		In:       diffTypes(at.NumIn(), at.In, bt.NumIn(), bt.In),
		Out:      diffTypes(at.NumOut(), at.Out, bt.NumOut(), bt.Out),
		Variadic: at.IsVariadic() != bt.IsVariadic(),
	}
}

func diffTypes(na int, a func(int) reflect.Type, nb int, b func(int) reflect.Type) []*argDifference {
	diffs := make([]*argDifference, max(na, nb))
	for i := range diffs {
		var at, bt reflect.Type
		if i < na {
			at = a(i)
		}
		if i < nb {
			bt = b(i)
		}
		if at != bt {
			diffs[i] = &argDifference{A: at, B: bt}
		}
	}
	return diffs
}
