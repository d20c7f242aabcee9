package framewire

import (
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderingAcrossWraparound(t *testing.T) {
	o := NewOrdering(0)

	require.True(t, o.Less(4294967294, 4294967295))
	require.True(t, o.Less(4294967295, 0))
	require.True(t, o.Less(4294967294, 0))
	require.False(t, o.Less(0, 4294967294))
	require.True(t, o.Less(5, 6))
	require.False(t, o.Less(6, 5))
	require.False(t, o.Less(9, 9))
}

func TestOrderingSortsWrappedSequence(t *testing.T) {
	o := NewOrdering(0)
	ids := []uint32{0, 4294967295, 1, 4294967294, 2}
	sort.Slice(ids, func(i, j int) bool { return o.Less(ids[i], ids[j]) })
	require.Equal(t, []uint32{4294967294, 4294967295, 0, 1, 2}, ids)
}

func TestOrderingDefaultThresholdIsQuarter(t *testing.T) {
	require.Equal(t, uint32(1<<30), DefaultWrapThreshold)
	require.Equal(t, DefaultWrapThreshold, Ordering{}.threshold())
}

// For any base and gap within the threshold, base precedes base+gap and the
// relation is antisymmetric, regardless of where the pair sits in the space.
func TestOrderingPropertyWithinThreshold(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	thresholds := []uint32{16, 1 << 20, DefaultWrapThreshold, math.MaxUint32 / 2}

	for _, threshold := range thresholds {
		o := NewOrdering(threshold)
		for i := 0; i < 5000; i++ {
			base := rng.Uint32()
			gap := 1 + rng.Uint32N(threshold)
			next := base + gap

			require.Truef(t, o.Less(base, next), "threshold %d: %d should precede %d", threshold, base, next)
			require.Falsef(t, o.Less(next, base), "threshold %d: %d should not precede %d", threshold, next, base)
			require.Equal(t, gap, o.Distance(base, next))
		}
	}
}

// Gaps beyond the threshold are read as wraparound: the pair flips.
func TestOrderingPropertyBeyondThreshold(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	threshold := uint32(1 << 20)
	o := NewOrdering(threshold)

	for i := 0; i < 5000; i++ {
		base := rng.Uint32N(math.MaxUint32 - 2*threshold)
		gap := threshold + 1 + rng.Uint32N(threshold)
		far := base + gap

		require.Truef(t, o.Less(far, base), "%d should be treated as older than %d", far, base)
		require.False(t, o.Less(base, far))
	}
}
