package reassembly

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/framewire"
	"github.com/antmicro/farshow/pkg/metrics"
	"github.com/stretchr/testify/require"
)

// rawCodec accepts any buffer so tests can use arbitrary payload bytes.
type rawCodec struct{}

func (rawCodec) Encode(image.Image, codec.EncodeOptions) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (rawCodec) Decode(data []byte) (image.Image, codec.Format, error) {
	return image.NewGray(image.Rect(0, 0, 1, 1)), "raw", nil
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31) ^ seed
	}
	return b
}

// split fragments data the way a sender does.
func split(t *testing.T, stream string, id uint32, data []byte, maxDatagram int) [][]byte {
	t.Helper()
	nameLen := framewire.WireNameLength(stream)
	capacity := framewire.PartCapacity(maxDatagram, nameLen)
	require.Positive(t, capacity)

	total := (len(data) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	parts := make([][]byte, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*capacity, len(data))
		payload := data[i*capacity : end]
		buf := make([]byte, framewire.HeaderLen+nameLen+len(payload))
		n, err := framewire.EncodeDatagram(buf, framewire.PartHeader{
			FrameID:    id,
			PartIndex:  uint32(i),
			TotalParts: uint32(total),
		}, stream, payload)
		require.NoError(t, err)
		parts[i] = buf[:n]
	}
	return parts
}

func newRaw(maxDatagram int, mc *metrics.FrameCollector) *Reassembler {
	return New(Options{MaxDatagramSize: maxDatagram, Codec: rawCodec{}, Metrics: mc, RestartAfter: 64})
}

func TestSinglePartFrameRoundTripsThroughCodec(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 32), B: 7, A: 0xff})
		}
	}
	data, err := codec.NewImageCodec().Encode(src, codec.EncodeOptions{Format: codec.FormatPNG})
	require.NoError(t, err)

	r := New(Options{})
	parts := split(t, "input", 1, data, framewire.DefaultDatagramSize)
	require.Len(t, parts, 1)

	frame, err := r.OnPart(parts[0])
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, "input", frame.Stream)
	require.Equal(t, uint32(1), frame.FrameID)
	require.Equal(t, codec.FormatPNG, frame.Format)
	require.Equal(t, data, frame.Data)
	require.Equal(t, src.Bounds(), frame.Image.Bounds())
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			r1, g1, b1, _ := src.At(x, y).RGBA()
			r2, g2, b2, _ := frame.Image.At(x, y).RGBA()
			require.Equal(t, [3]uint32{r1, g1, b1}, [3]uint32{r2, g2, b2})
		}
	}
}

func TestFourPartsDeliveredInReverse(t *testing.T) {
	// "cam" plus its NUL takes 4 bytes: capacity is exactly 65000.
	maxDatagram := 65000 + framewire.HeaderLen + 4
	data := pattern(200000, 0x5a)

	r := newRaw(maxDatagram, nil)
	parts := split(t, "cam", 42, data, maxDatagram)
	require.Len(t, parts, 4)

	for _, i := range []int{3, 2, 1} {
		frame, err := r.OnPart(parts[i])
		require.NoError(t, err)
		require.Nil(t, frame)
	}
	require.Equal(t, []uint32{42}, r.Pending("cam"))

	frame, err := r.OnPart(parts[0])
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Len(t, frame.Data, 200000)
	require.True(t, bytes.Equal(data, frame.Data))
	require.Empty(t, r.Pending("cam"))
}

func TestDefaultsAcceptFixedSizeDatagrams(t *testing.T) {
	// Existing senders always transmit whole 65504-byte messages, padding
	// the final part.
	const size = 65504
	nameLen := framewire.WireNameLength("input")
	capacity := size - framewire.HeaderLen - nameLen
	data := pattern(capacity+1000, 0x33)

	r := New(Options{Codec: rawCodec{}})
	var got *CompletedFrame
	for i := 0; i < 2; i++ {
		dg := make([]byte, size)
		payload := data[i*capacity : min((i+1)*capacity, len(data))]
		_, err := framewire.EncodeDatagram(dg, framewire.PartHeader{FrameID: 5, PartIndex: uint32(i), TotalParts: 2}, "input", payload)
		require.NoError(t, err)

		frame, err := r.OnPart(dg)
		require.NoError(t, err)
		if frame != nil {
			got = frame
		}
	}
	require.NotNil(t, got)
	require.Len(t, got.Data, 2*capacity)
	require.Equal(t, data, got.Data[:len(data)])
}

func TestAnyPermutationCompletesExactlyOnce(t *testing.T) {
	const maxDatagram = 1024
	rng := rand.New(rand.NewPCG(7, 11))
	mc := metrics.NewFrameCollector("")
	r := newRaw(maxDatagram, mc)

	for id := uint32(1); id <= 50; id++ {
		data := pattern(1+rng.IntN(8000), byte(id))
		parts := split(t, "perm", id, data, maxDatagram)

		order := rng.Perm(len(parts))
		// Redeliver a few parts that already arrived.
		for k := 0; k < 3 && len(order) > 1; k++ {
			at := 1 + rng.IntN(len(order)-1)
			order = append(order[:at], append([]int{order[rng.IntN(at)]}, order[at:]...)...)
		}

		seen := map[int]bool{}
		completions := 0
		for _, i := range order {
			frame, err := r.OnPart(parts[i])
			require.NoError(t, err)
			seen[i] = true
			if frame != nil {
				completions++
				require.Len(t, seen, len(parts), "completed before every part arrived")
				require.Equal(t, data, frame.Data)
			}
		}
		require.Equal(t, 1, completions, "frame %d", id)
	}
	require.Equal(t, uint64(50), mc.Snapshot().FramesCompleted)
}

func TestOlderIncompleteFrameIsEvicted(t *testing.T) {
	const maxDatagram = 256
	mc := metrics.NewFrameCollector("")
	r := newRaw(maxDatagram, mc)

	five := split(t, "cam", 5, pattern(600, 5), maxDatagram)
	six := split(t, "cam", 6, pattern(600, 6), maxDatagram)
	require.Len(t, five, 3)
	require.Len(t, six, 3)

	for _, p := range five[:2] {
		frame, err := r.OnPart(p)
		require.NoError(t, err)
		require.Nil(t, frame)
	}
	require.Equal(t, []uint32{5}, r.Pending("cam"))

	var got *CompletedFrame
	for _, p := range six {
		frame, err := r.OnPart(p)
		require.NoError(t, err)
		if frame != nil {
			got = frame
		}
	}
	require.NotNil(t, got)
	require.Equal(t, uint32(6), got.FrameID)
	require.Empty(t, r.Pending("cam"))
	require.Equal(t, uint64(1), mc.Snapshot().FramesEvicted)

	// The missing part of frame 5 arriving late does not resurrect it.
	frame, err := r.OnPart(five[2])
	require.NoError(t, err)
	require.Nil(t, frame)
	require.Empty(t, r.Pending("cam"))
	require.Equal(t, uint64(1), mc.Snapshot().StaleParts)
}

func TestCompletedFrameIsNotEmittedTwice(t *testing.T) {
	r := newRaw(256, nil)
	parts := split(t, "cam", 9, pattern(500, 1), 256)

	completions := 0
	for round := 0; round < 2; round++ {
		for _, p := range parts {
			frame, err := r.OnPart(p)
			require.NoError(t, err)
			if frame != nil {
				completions++
			}
		}
	}
	require.Equal(t, 1, completions)
}

// feed delivers every part of frame id and reports whether it completed.
func feed(t *testing.T, r *Reassembler, stream string, id uint32, size, maxDatagram int) bool {
	t.Helper()
	completed := false
	for _, p := range split(t, stream, id, pattern(size, byte(id)), maxDatagram) {
		frame, err := r.OnPart(p)
		require.NoError(t, err)
		if frame != nil {
			require.Equal(t, id, frame.FrameID)
			completed = true
		}
	}
	return completed
}

func TestLongDelayedDuplicateIsNotEmittedAgain(t *testing.T) {
	const maxDatagram = 256
	mc := metrics.NewFrameCollector("")
	r := newRaw(maxDatagram, mc)

	require.True(t, feed(t, r, "cam", 9, 500, maxDatagram))
	for id := uint32(10); id < 110; id++ {
		require.True(t, feed(t, r, "cam", id, 100, maxDatagram))
	}

	// Every part of frame 9 again, 100 frames late.
	require.False(t, feed(t, r, "cam", 9, 500, maxDatagram))
	require.Empty(t, r.Pending("cam"))

	st, ok := r.Table().Lookup("cam")
	require.True(t, ok)
	last, ok := st.LastCompleted()
	require.True(t, ok)
	require.Equal(t, uint32(109), last)
	require.Equal(t, uint64(3), mc.Snapshot().StaleParts)

	require.True(t, feed(t, r, "cam", 110, 100, maxDatagram))
}

func TestSenderRestartResetsStream(t *testing.T) {
	const maxDatagram = 256
	mc := metrics.NewFrameCollector("")
	r := New(Options{MaxDatagramSize: maxDatagram, Codec: rawCodec{}, Metrics: mc, RestartAfter: 3})

	for id := uint32(500); id < 503; id++ {
		require.True(t, feed(t, r, "cam", id, 100, maxDatagram))
	}

	// Two old ids are rejected, the third in a row restarts the stream.
	require.False(t, feed(t, r, "cam", 0, 100, maxDatagram))
	require.False(t, feed(t, r, "cam", 1, 100, maxDatagram))
	require.True(t, feed(t, r, "cam", 2, 100, maxDatagram))
	require.False(t, feed(t, r, "cam", 2, 100, maxDatagram))
	require.Equal(t, uint64(3), mc.Snapshot().StaleParts)

	frame, err := r.OnPart(split(t, "cam", 3, pattern(100, 3), maxDatagram)[0])
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, uint32(1), frame.Generation)
	require.True(t, frame.Newer(&CompletedFrame{FrameID: 502}, framewire.NewOrdering(0)))
}

func TestNewerComparesGenerationThenID(t *testing.T) {
	o := framewire.NewOrdering(0)
	f := &CompletedFrame{FrameID: 7}
	require.True(t, f.Newer(nil, o))
	require.True(t, f.Newer(&CompletedFrame{FrameID: 6}, o))
	require.False(t, f.Newer(&CompletedFrame{FrameID: 7}, o))
	require.False(t, f.Newer(&CompletedFrame{FrameID: 8}, o))
	require.True(t, (&CompletedFrame{FrameID: 0}).Newer(&CompletedFrame{FrameID: 4294967295}, o))
	require.False(t, f.Newer(&CompletedFrame{FrameID: 1, Generation: 1}, o))
}

func TestInterleavedStaleIdsDoNotRestart(t *testing.T) {
	const maxDatagram = 256
	r := New(Options{MaxDatagramSize: maxDatagram, Codec: rawCodec{}, RestartAfter: 2})

	require.True(t, feed(t, r, "cam", 50, 100, maxDatagram))
	require.False(t, feed(t, r, "cam", 10, 100, maxDatagram))
	require.True(t, feed(t, r, "cam", 51, 100, maxDatagram))
	require.False(t, feed(t, r, "cam", 11, 100, maxDatagram))
	require.True(t, feed(t, r, "cam", 52, 100, maxDatagram))
}

func TestPendingOrderAcrossWraparound(t *testing.T) {
	const maxDatagram = 128
	r := newRaw(maxDatagram, nil)

	ids := []uint32{0, 4294967295, 4294967294}
	frames := map[uint32][][]byte{}
	for _, id := range ids {
		frames[id] = split(t, "wrap", id, pattern(200, byte(id)), maxDatagram)
		require.Greater(t, len(frames[id]), 1)
		frame, err := r.OnPart(frames[id][0])
		require.NoError(t, err)
		require.Nil(t, frame)
	}
	require.Equal(t, []uint32{4294967294, 4294967295, 0}, r.Pending("wrap"))

	var got *CompletedFrame
	for _, p := range frames[0][1:] {
		frame, err := r.OnPart(p)
		require.NoError(t, err)
		if frame != nil {
			got = frame
		}
	}
	require.NotNil(t, got)
	require.Equal(t, uint32(0), got.FrameID)
	require.Empty(t, r.Pending("wrap"))
}

func TestWrapThresholdIsConfigurable(t *testing.T) {
	const maxDatagram = 128
	r := New(Options{MaxDatagramSize: maxDatagram, Codec: rawCodec{}, WrapThreshold: 100})

	for _, id := range []uint32{1000, 10} {
		frame, err := r.OnPart(split(t, "s", id, pattern(200, 0), maxDatagram)[0])
		require.NoError(t, err)
		require.Nil(t, frame)
	}
	// A gap of 990 exceeds the threshold, so 10 is read as wrapped past 1000.
	require.Equal(t, []uint32{1000, 10}, r.Pending("s"))
}

func TestDuplicatePartDoesNotCorruptFrame(t *testing.T) {
	const maxDatagram = 256
	mc := metrics.NewFrameCollector("")
	r := newRaw(maxDatagram, mc)

	data := pattern(700, 3)
	parts := split(t, "dup", 77, data, maxDatagram)
	require.Len(t, parts, 3)

	_, err := r.OnPart(parts[1])
	require.NoError(t, err)

	// Same (frame_id, part_index) with different bytes.
	forged := bytes.Clone(parts[1])
	for i := framewire.HeaderLen + 4; i < len(forged); i++ {
		forged[i] = 0xff
	}
	frame, err := r.OnPart(forged)
	require.NoError(t, err)
	require.Nil(t, frame)

	_, err = r.OnPart(parts[0])
	require.NoError(t, err)
	frame, err = r.OnPart(parts[2])
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, data, frame.Data)
	require.Equal(t, uint64(1), mc.Snapshot().DuplicateParts)
}

func TestStreamsReassembleIndependently(t *testing.T) {
	const maxDatagram = 300
	r := newRaw(maxDatagram, nil)

	a := pattern(1000, 0xaa)
	b := pattern(1300, 0xbb)
	pa := split(t, "a", 1, a, maxDatagram)
	pb := split(t, "blur", 1, b, maxDatagram)

	got := map[string][]byte{}
	for i := 0; i < max(len(pa), len(pb)); i++ {
		for _, p := range [][][]byte{pa, pb} {
			if i >= len(p) {
				continue
			}
			frame, err := r.OnPart(p[i])
			require.NoError(t, err)
			if frame != nil {
				got[frame.Stream] = frame.Data
			}
		}
	}
	require.Equal(t, a, got["a"])
	require.Equal(t, b, got["blur"])
	require.Equal(t, []string{"a", "blur"}, r.Streams())
}

func TestMalformedPartsLeaveStateUntouched(t *testing.T) {
	const maxDatagram = 256
	mc := metrics.NewFrameCollector("")
	r := New(Options{MaxDatagramSize: maxDatagram, Codec: rawCodec{}, Metrics: mc, MaxParts: 4})

	parts := split(t, "cam", 3, pattern(600, 0), maxDatagram)
	_, err := r.OnPart(parts[0])
	require.NoError(t, err)

	badIndex := bytes.Clone(parts[1])
	framewire.ByteOrder.PutUint32(badIndex[8:12], 3)

	otherGeometry := split(t, "cam", 3, pattern(900, 0), maxDatagram)[1]

	tooMany := split(t, "cam", 4, pattern(1200, 0), maxDatagram)[0]

	for name, dg := range map[string][]byte{
		"short":          parts[0][:10],
		"index":          badIndex,
		"geometry":       otherGeometry,
		"too many parts": tooMany,
	} {
		frame, err := r.OnPart(dg)
		require.Nil(t, frame, name)
		require.True(t, framewire.IsProtocolError(err), "%s: %v", name, err)
	}
	require.Equal(t, []uint32{3}, r.Pending("cam"))
	require.Equal(t, []string{"cam"}, r.Streams())
	require.Equal(t, uint64(4), mc.Snapshot().ProtocolErrors)
}

func TestDecodeErrorIsScopedToOneFrame(t *testing.T) {
	const maxDatagram = 512
	r := New(Options{MaxDatagramSize: maxDatagram})

	newer := split(t, "cam", 12, pattern(1000, 12), maxDatagram)
	_, err := r.OnPart(newer[0])
	require.NoError(t, err)

	other := split(t, "other", 1, pattern(1000, 1), maxDatagram)
	_, err = r.OnPart(other[0])
	require.NoError(t, err)

	frame, err := r.OnPart(split(t, "cam", 11, []byte("not an image"), maxDatagram)[0])
	require.Nil(t, frame)
	var de *codec.DecodeError
	require.ErrorAs(t, err, &de)

	require.Equal(t, []uint32{12}, r.Pending("cam"))
	require.Equal(t, []uint32{1}, r.Pending("other"))
}

func TestConcurrentStreams(t *testing.T) {
	const maxDatagram = 200
	r := newRaw(maxDatagram, nil)

	inputs := make([][][]byte, 8)
	for w := range inputs {
		stream := fmt.Sprintf("s%d", w)
		for id := uint32(1); id <= 20; id++ {
			inputs[w] = append(inputs[w], split(t, stream, id, pattern(900, byte(w)), maxDatagram)...)
		}
	}

	var wg sync.WaitGroup
	results := make([]int, len(inputs))
	for w := range inputs {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for _, p := range inputs[w] {
				frame, err := r.OnPart(p)
				if err == nil && frame != nil {
					results[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	for w, n := range results {
		require.Equal(t, 20, n, "stream s%d", w)
	}
	require.Len(t, r.Streams(), 8)
}
