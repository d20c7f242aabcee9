// Package fragmenter splits compressed frames into datagram-sized parts and
// writes them to a channel.
package fragmenter

import (
	"context"
	"fmt"
	"image"
	"net"
	"sync"
	"time"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/framewire"
	"github.com/antmicro/farshow/pkg/metrics"
)

const DefaultPartDelay = 500 * time.Microsecond

// Transport is the sending half of a datagram channel.
type Transport interface {
	Send(b []byte, dest *net.UDPAddr) error
}

// SendError reports a frame aborted part-way. Parts before PartIndex were
// already written and are not retracted.
type SendError struct {
	Stream    string
	FrameID   uint32
	PartIndex uint32
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send frame %d of %q: part %d: %v", e.FrameID, e.Stream, e.PartIndex, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Options struct {
	// MaxDatagramSize caps every datagram. Zero means framewire.DefaultDatagramSize.
	MaxDatagramSize int
	// PartDelay is slept between consecutive parts of one frame. A negative
	// value disables pacing; zero means DefaultPartDelay.
	PartDelay time.Duration
	// FirstFrameID is the id given to the first frame.
	FirstFrameID uint32

	Codec   codec.Codec
	Metrics *metrics.FrameCollector
}

// Fragmenter is safe for concurrent use; frames are written one at a time so
// parts of different frames never interleave on the wire.
type Fragmenter struct {
	tr          Transport
	dest        *net.UDPAddr
	maxDatagram int
	partDelay   time.Duration
	codec       codec.Codec
	metrics     *metrics.FrameCollector

	mu     sync.Mutex
	nextID uint32
	buf    []byte
}

func New(tr Transport, dest *net.UDPAddr, opts Options) *Fragmenter {
	switch {
	case opts.MaxDatagramSize <= 0:
		opts.MaxDatagramSize = framewire.DefaultDatagramSize
	case opts.MaxDatagramSize > framewire.MaxDatagramSize:
		opts.MaxDatagramSize = framewire.MaxDatagramSize
	}
	switch {
	case opts.PartDelay == 0:
		opts.PartDelay = DefaultPartDelay
	case opts.PartDelay < 0:
		opts.PartDelay = 0
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewImageCodec()
	}
	return &Fragmenter{
		tr:          tr,
		dest:        dest,
		maxDatagram: opts.MaxDatagramSize,
		partDelay:   opts.PartDelay,
		codec:       opts.Codec,
		metrics:     opts.Metrics,
		nextID:      opts.FirstFrameID,
		buf:         make([]byte, opts.MaxDatagramSize),
	}
}

// Send compresses img and sends it on stream. It returns the frame id used.
func (f *Fragmenter) Send(ctx context.Context, img image.Image, stream string, opts codec.EncodeOptions) (uint32, error) {
	data, err := f.codec.Encode(img, opts)
	if err != nil {
		internal.Error("frame encode failed", internal.Fields{
			internal.FieldStream: stream,
			internal.FieldFormat: string(opts.Format),
			internal.FieldError:  err.Error(),
		})
		return 0, err
	}
	return f.SendEncoded(ctx, data, stream)
}

// SendEncoded sends an already compressed frame on stream.
func (f *Fragmenter) SendEncoded(ctx context.Context, data []byte, stream string) (uint32, error) {
	if stream == "" {
		return 0, &framewire.ProtocolError{Reason: "empty stream name"}
	}
	nameLen := framewire.WireNameLength(stream)
	capacity := framewire.PartCapacity(f.maxDatagram, nameLen)
	if capacity <= 0 {
		return 0, &framewire.ProtocolError{Reason: fmt.Sprintf("stream name %q too long for %d byte datagrams", stream, f.maxDatagram)}
	}
	total := PartCount(len(data), capacity)

	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++

	h := framewire.PartHeader{
		NameLength: uint32(nameLen),
		FrameID:    id,
		TotalParts: total,
	}
	for i := uint32(0); i < total; i++ {
		if i > 0 {
			if err := f.pace(ctx); err != nil {
				f.metrics.ObserveSendFailure()
				return id, &SendError{Stream: stream, FrameID: id, PartIndex: i, Err: err}
			}
		}

		start := int(i) * capacity
		end := min(start+capacity, len(data))
		h.PartIndex = i
		n, err := framewire.EncodeDatagram(f.buf, h, stream, data[start:end])
		if err != nil {
			return id, err
		}
		if err := f.tr.Send(f.buf[:n], f.dest); err != nil {
			f.metrics.ObserveSendFailure()
			internal.Error("frame part send failed", internal.Fields{
				internal.FieldStream:     stream,
				internal.FieldFrameID:    id,
				internal.FieldPart:       i,
				internal.FieldTotalParts: total,
				internal.FieldError:      err.Error(),
			})
			return id, &SendError{Stream: stream, FrameID: id, PartIndex: i, Err: err}
		}
		f.metrics.ObservePartSent(n)
		if internal.DebugEnabled() {
			internal.Debug("frame part sent", internal.Fields{
				internal.FieldStream:     stream,
				internal.FieldFrameID:    id,
				internal.FieldPart:       i + 1,
				internal.FieldTotalParts: total,
			})
		}
	}
	f.metrics.ObserveFrameSent()
	return id, nil
}

// NextFrameID returns the id the next frame will carry.
func (f *Fragmenter) NextFrameID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

func (f *Fragmenter) pace(ctx context.Context) error {
	if f.partDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(f.partDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PartCount is the number of parts a frame of n bytes needs at the given
// capacity. An empty frame still takes one part.
func PartCount(n, capacity int) uint32 {
	if n == 0 {
		return 1
	}
	return uint32((n + capacity - 1) / capacity)
}
