// Package receiver drives a Reassembler from a blocking datagram source and
// hands completed frames to renderers.
package receiver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/framewire"
	"github.com/antmicro/farshow/pkg/metrics"
	"github.com/antmicro/farshow/pkg/reassembly"
	"github.com/antmicro/farshow/pkg/udpchan"
)

// Renderer consumes completed frames. Render is called from the receive
// path and must not block for long.
type Renderer interface {
	Render(frame *reassembly.CompletedFrame)
}

type RendererFunc func(frame *reassembly.CompletedFrame)

func (f RendererFunc) Render(frame *reassembly.CompletedFrame) { f(frame) }

// Source is the receiving half of a datagram channel.
type Source interface {
	Receive(buf []byte) (int, net.Addr, error)
	Close() error
}

type Options struct {
	MaxDatagramSize int
	// Workers above one moves reassembly off the read loop onto a pool.
	Workers int
	// QueueDepth bounds datagrams waiting for a worker; zero picks 4 per worker.
	QueueDepth int
	Metrics    *metrics.FrameCollector
}

type Receiver struct {
	src       Source
	asm       *reassembly.Reassembler
	opts      Options
	renderers []Renderer

	running atomic.Bool
	once    sync.Once
}

func New(src Source, asm *reassembly.Reassembler, opts Options, renderers ...Renderer) *Receiver {
	switch {
	case opts.MaxDatagramSize <= 0:
		opts.MaxDatagramSize = framewire.DefaultDatagramSize
	case opts.MaxDatagramSize > framewire.MaxDatagramSize:
		opts.MaxDatagramSize = framewire.MaxDatagramSize
	}
	return &Receiver{
		src:       src,
		asm:       asm,
		opts:      opts,
		renderers: renderers,
	}
}

func (r *Receiver) Running() bool { return r.running.Load() }

// Run blocks receiving datagrams until Stop is called, ctx is cancelled or
// the source reports end of stream, all of which return nil. A socket failure
// is returned as is.
func (r *Receiver) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)

	detach := context.AfterFunc(ctx, r.Stop)
	defer detach()

	handle := r.handle
	if r.opts.Workers > 1 {
		p := newPump(r.opts.Workers, r.opts.QueueDepth, r.opts.MaxDatagramSize, r.handle, r.opts.Metrics)
		p.start()
		defer p.stop()
		handle = p.submit
	}

	internal.Info("receiver started", internal.Fields{
		internal.FieldKey("workers"): max(r.opts.Workers, 1),
	})

	buf := make([]byte, r.opts.MaxDatagramSize)
	for {
		n, _, err := r.src.Receive(buf)
		if !r.running.Load() {
			return nil
		}
		if err != nil {
			if errors.Is(err, udpchan.ErrEndOfStream) {
				internal.Info("receiver reached end of stream", nil)
				return nil
			}
			internal.Error("receive failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			return err
		}
		handle(buf[:n])
	}
}

// Stop clears the running flag and closes the source so a blocked Run returns.
func (r *Receiver) Stop() {
	r.once.Do(func() {
		r.running.Store(false)
		_ = r.src.Close()
	})
}

func (r *Receiver) handle(datagram []byte) {
	frame, err := r.asm.OnPart(datagram)
	if err != nil {
		var de *codec.DecodeError
		switch {
		case errors.As(err, &de):
			// logged by the reassembler
		case internal.DebugEnabled():
			internal.Debug("datagram discarded", internal.Fields{
				internal.FieldBytes: len(datagram),
				internal.FieldError: err.Error(),
			})
		}
		return
	}
	if frame == nil {
		return
	}
	for _, rd := range r.renderers {
		rd.Render(frame)
	}
}
