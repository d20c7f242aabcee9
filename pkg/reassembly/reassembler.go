// Package reassembly turns datagrams carrying frame parts back into whole
// frames, one independent state per stream name.
package reassembly

import (
	"image"
	"time"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/framewire"
	"github.com/antmicro/farshow/pkg/metrics"
)

const DefaultMaxParts = 1024

// CompletedFrame is a fully reassembled and decoded frame. The caller owns it.
type CompletedFrame struct {
	Stream     string
	FrameID    uint32
	Format     codec.Format
	Data       []byte
	Image      image.Image
	ReceivedAt time.Time
	// Generation counts the restarts of the stream before this frame.
	Generation uint32
}

// Newer reports whether f supersedes prev on the same stream.
func (f *CompletedFrame) Newer(prev *CompletedFrame, o framewire.Ordering) bool {
	switch {
	case prev == nil:
		return true
	case f.Generation != prev.Generation:
		return f.Generation > prev.Generation
	default:
		return o.Less(prev.FrameID, f.FrameID)
	}
}

type Options struct {
	// MaxDatagramSize must match the sender's limit; part capacity derives
	// from it. Zero means framewire.DefaultDatagramSize.
	MaxDatagramSize int
	// WrapThreshold is the frame-id gap beyond which ids are treated as
	// wrapped. Zero means framewire.DefaultWrapThreshold.
	WrapThreshold uint32
	// MaxParts caps total_parts, bounding a single frame's buffer.
	MaxParts uint32
	// RestartAfter is how many distinct frame ids in a row, all at or behind
	// the last completed frame, make the stream start over as if its sender
	// had restarted its counter. Zero never resets; such a sender is ignored
	// until its ids pass the last completed one.
	RestartAfter uint32

	Codec   codec.Codec
	Metrics *metrics.FrameCollector
	Table   *Table
}

type Reassembler struct {
	maxDatagram  int
	maxParts     uint32
	restartAfter uint32
	ordering     framewire.Ordering
	codec        codec.Codec
	metrics      *metrics.FrameCollector
	table        *Table
}

func New(opts Options) *Reassembler {
	switch {
	case opts.MaxDatagramSize <= 0:
		opts.MaxDatagramSize = framewire.DefaultDatagramSize
	case opts.MaxDatagramSize > framewire.MaxDatagramSize:
		opts.MaxDatagramSize = framewire.MaxDatagramSize
	}
	if opts.MaxParts == 0 {
		opts.MaxParts = DefaultMaxParts
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewImageCodec()
	}
	if opts.Table == nil {
		opts.Table = NewTable()
	}
	return &Reassembler{
		maxDatagram:  opts.MaxDatagramSize,
		maxParts:     opts.MaxParts,
		restartAfter: opts.RestartAfter,
		ordering:     framewire.NewOrdering(opts.WrapThreshold),
		codec:        opts.Codec,
		metrics:      opts.Metrics,
		table:        opts.Table,
	}
}

func (r *Reassembler) Table() *Table { return r.table }

// Pending lists the incomplete frame ids of stream, oldest first.
func (r *Reassembler) Pending(stream string) []uint32 {
	st, ok := r.table.Lookup(stream)
	if !ok {
		return nil
	}
	return st.PendingIDs()
}

func (r *Reassembler) Streams() []string {
	return r.table.Names()
}

// OnPart consumes one datagram. It returns the completed frame when this part
// was the last one missing, nil otherwise. A malformed datagram yields a
// *framewire.ProtocolError and leaves all state untouched; a completed frame
// that fails to decode yields a *codec.DecodeError.
//
// datagram is not retained.
func (r *Reassembler) OnPart(datagram []byte) (*CompletedFrame, error) {
	r.metrics.ObservePartReceived(len(datagram))

	d, err := framewire.ParseDatagram(datagram, r.maxDatagram)
	if err != nil {
		r.metrics.ObserveProtocolError()
		return nil, err
	}
	h := d.Header
	if h.TotalParts > r.maxParts {
		r.metrics.ObserveProtocolError()
		return nil, &framewire.ProtocolError{Reason: "frame declares more parts than allowed"}
	}
	capacity := framewire.PartCapacity(r.maxDatagram, int(h.NameLength))

	st := r.table.Stream(d.Name)
	st.mu.Lock()

	// A frame at or behind the last completed one never completes again.
	if st.completedAny && !r.ordering.Less(st.lastCompleted, h.FrameID) {
		if !st.noteStale(h.FrameID, r.restartAfter) {
			st.mu.Unlock()
			r.metrics.ObserveStale()
			return nil, nil
		}
		last := st.lastCompleted
		dropped := st.reset()
		r.metrics.ObserveEvicted(d.Name, dropped)
		internal.Info("stream restarted", internal.Fields{
			internal.FieldStream:            d.Name,
			internal.FieldFrameID:           h.FrameID,
			internal.FieldKey("last_frame"): last,
		})
	} else {
		st.staleRun = 0
	}

	idx, found := r.locate(st, h.FrameID)
	var pf *pendingFrame
	if found {
		pf = st.pending[idx]
		if pf.totalParts != h.TotalParts || pf.capacity != capacity {
			st.mu.Unlock()
			r.metrics.ObserveProtocolError()
			return nil, &framewire.ProtocolError{Reason: "part geometry differs from earlier parts of the frame"}
		}
	} else {
		pf = newPendingFrame(h.FrameID, h.TotalParts, capacity)
		st.insertAt(idx, pf)
	}

	if pf.received[h.PartIndex] {
		st.mu.Unlock()
		r.metrics.ObserveDuplicate()
		return nil, nil
	}
	off := int(h.PartIndex) * capacity
	copy(pf.buf[off:off+len(d.Payload)], d.Payload)
	if d.IsLast() {
		pf.lastLen = len(d.Payload)
	}
	pf.received[h.PartIndex] = true
	pf.count++

	if !pf.complete() {
		st.mu.Unlock()
		return nil, nil
	}

	evicted := st.removeThrough(idx)
	if !st.completedAny || r.ordering.Less(st.lastCompleted, pf.id) {
		st.completedAny = true
		st.lastCompleted = pf.id
	}
	generation := st.generation
	st.mu.Unlock()

	r.metrics.ObserveEvicted(d.Name, evicted)
	data := pf.bytes()
	if internal.DebugEnabled() {
		internal.Debug("frame reassembled", internal.Fields{
			internal.FieldStream:         d.Name,
			internal.FieldFrameID:        pf.id,
			internal.FieldTotalParts:     pf.totalParts,
			internal.FieldBytes:          len(data),
			internal.FieldKey("evicted"): evicted,
		})
	}

	img, format, err := r.codec.Decode(data)
	if err != nil {
		r.metrics.ObserveDecodeError()
		fields := internal.FrameFields(d.Name, pf.id)
		fields[internal.FieldError] = err.Error()
		internal.WarnEvery("decode/"+d.Name, time.Second, "frame decode failed", fields)
		return nil, err
	}
	r.metrics.ObserveFrameCompleted(d.Name, pf.id, len(data))

	return &CompletedFrame{
		Stream:     d.Name,
		FrameID:    pf.id,
		Format:     format,
		Data:       data,
		Image:      img,
		ReceivedAt: time.Now(),
		Generation: generation,
	}, nil
}

// locate returns the index of the pending frame with id, or the index a new
// frame with id should be inserted at: before the oldest frame newer than id,
// or at the tail.
func (r *Reassembler) locate(st *Stream, id uint32) (int, bool) {
	insert := -1
	for i, pf := range st.pending {
		if pf.id == id {
			return i, true
		}
		if insert < 0 && r.ordering.Less(id, pf.id) {
			insert = i
		}
	}
	if insert < 0 {
		insert = len(st.pending)
	}
	return insert, false
}
