package hotpatch

import (
	"errors"
	"slices"
	"sync"

	"github.com/pboyd/hotpatch/internal/vm"
)

// fakeSpace is an address space that only keeps books; nothing is mapped.
type fakeSpace struct {
	mu     sync.Mutex
	info   vm.SystemInfo
	mapped []vm.Region
	refuse map[uintptr]bool
	freed  int
}

func newFakeSpace() *fakeSpace {
	return &fakeSpace{
		info: vm.SystemInfo{
			PageSize:              0x1000,
			AllocationGranularity: 0x10000,
			MinAddress:            0x10000,
			MaxAddress:            0x7fffffff0000,
		},
		refuse: map[uintptr]bool{},
	}
}

// occupy marks [base, base+size) as mapped by someone else.
func (s *fakeSpace) occupy(base, size uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(base, size)
}

func (s *fakeSpace) add(base, size uintptr) {
	s.mapped = append(s.mapped, vm.Region{Base: base, Size: size, Access: vm.AccessRWX})
	slices.SortFunc(s.mapped, func(a, b vm.Region) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
}

func (s *fakeSpace) isFree(base, size uintptr) bool {
	if base < s.info.MinAddress || base+size > s.info.MaxAddress {
		return false
	}
	for _, r := range s.mapped {
		if base < r.End() && r.Base < base+size {
			return false
		}
	}
	return true
}

func (s *fakeSpace) Allocate(hint, size uintptr, access vm.Access) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hint == 0 {
		for p := s.info.MinAddress; p+size <= s.info.MaxAddress; p += s.info.AllocationGranularity {
			if s.isFree(p, size) {
				s.add(p, size)
				return p, nil
			}
		}
		return 0, errors.New("out of memory")
	}

	if s.refuse[hint] || !s.isFree(hint, size) {
		return 0, errors.New("address in use")
	}
	s.add(hint, size)
	return hint, nil
}

func (s *fakeSpace) Free(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.mapped {
		if r.Base == addr {
			s.mapped = slices.Delete(s.mapped, i, i+1)
			s.freed++
			return nil
		}
	}
	return errors.New("not mapped")
}

func (s *fakeSpace) Protect(addr, size uintptr, access vm.Access) (vm.Access, error) {
	return vm.AccessRWX, nil
}

func (s *fakeSpace) Query(addr uintptr) (vm.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr >= s.info.MaxAddress {
		return vm.Region{}, errors.New("out of range")
	}

	freeStart := uintptr(0)
	for _, r := range s.mapped {
		if addr < r.Base {
			return vm.Region{Base: freeStart, Size: r.Base - freeStart, Free: true}, nil
		}
		if addr < r.End() {
			return r, nil
		}
		freeStart = r.End()
	}
	return vm.Region{Base: freeStart, Size: s.info.MaxAddress - freeStart, Free: true}, nil
}

func (s *fakeSpace) Info() vm.SystemInfo {
	return s.info
}
