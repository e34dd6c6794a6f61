package filter

import "slices"

// idRange is an inclusive run of context ids.
type idRange struct {
	lo, hi uint32
}

// idSet records retired context ids as sorted, disjoint, non-adjacent
// ranges. Request ids retire roughly in allocation order, so the set stays
// a handful of ranges however many requests have passed.
type idSet struct {
	ranges []idRange
}

func (s *idSet) search(id uint32) (int, bool) {
	return slices.BinarySearchFunc(s.ranges, id, func(r idRange, id uint32) int {
		switch {
		case r.hi < id:
			return -1
		case r.lo > id:
			return 1
		}
		return 0
	})
}

func (s *idSet) has(id uint32) bool {
	_, ok := s.search(id)
	return ok
}

func (s *idSet) add(id uint32) {
	i, ok := s.search(id)
	if ok {
		return
	}

	joinPrev := i > 0 && s.ranges[i-1].hi+1 == id
	joinNext := i < len(s.ranges) && s.ranges[i].lo-1 == id
	switch {
	case joinPrev && joinNext:
		s.ranges[i-1].hi = s.ranges[i].hi
		s.ranges = slices.Delete(s.ranges, i, i+1)
	case joinPrev:
		s.ranges[i-1].hi = id
	case joinNext:
		s.ranges[i].lo = id
	default:
		s.ranges = slices.Insert(s.ranges, i, idRange{lo: id, hi: id})
	}
}

func (s *idSet) len() int {
	n := 0
	for _, r := range s.ranges {
		n += int(r.hi-r.lo) + 1
	}
	return n
}
