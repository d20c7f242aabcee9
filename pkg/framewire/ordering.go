package framewire

import "math"

// DefaultWrapThreshold is a quarter of the 32-bit frame id space.
const DefaultWrapThreshold uint32 = math.MaxUint32/4 + 1

// Ordering compares wrapping 32-bit frame ids.
//
// Two ids whose plain difference is at most Threshold compare numerically.
// A larger gap is read as the counter having wrapped, so the numerically
// smaller id is the newer one. Reordering that spans more than Threshold ids
// is misclassified; that is an accepted limit of the heuristic.
type Ordering struct {
	Threshold uint32
}

// NewOrdering returns an Ordering with the given threshold, or the default
// when threshold is zero.
func NewOrdering(threshold uint32) Ordering {
	if threshold == 0 {
		threshold = DefaultWrapThreshold
	}
	return Ordering{Threshold: threshold}
}

// Less reports whether frame a was produced before frame b.
func (o Ordering) Less(a, b uint32) bool {
	switch {
	case a == b:
		return false
	case a < b:
		return b-a <= o.threshold()
	default:
		return a-b > o.threshold()
	}
}

// Distance returns how many ids b is ahead of a, modulo 2^32.
func (o Ordering) Distance(a, b uint32) uint32 {
	return b - a
}

func (o Ordering) threshold() uint32 {
	if o.Threshold == 0 {
		return DefaultWrapThreshold
	}
	return o.Threshold
}
