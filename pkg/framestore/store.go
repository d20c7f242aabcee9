// Package framestore keeps the most recent completed frame of every stream
// for consumers that run at their own pace.
package framestore

import (
	"context"
	"image"
	"image/draw"
	"sort"
	"sync"
	"time"

	"github.com/antmicro/farshow/pkg/framewire"
	"github.com/antmicro/farshow/pkg/reassembly"
)

// Entry is the latest frame of one stream.
type Entry struct {
	Frame *reassembly.CompletedFrame
	// Version is the store version at which Frame was published.
	Version uint64
	// Replaced counts frames overwritten on this stream before any Wait
	// call observed them.
	Replaced  uint64
	Published uint64
	// Outdated counts frames refused for being older than Frame.
	Outdated uint64
}

// Store is a single-slot mailbox per stream: publishing overwrites, readers
// never block the receive path. The mutex is held only for map updates.
type Store struct {
	ordering framewire.Ordering

	mu       sync.Mutex
	cond     *sync.Cond
	entries  map[string]*Entry
	version  uint64
	observed uint64
}

func New() *Store {
	s := &Store{
		ordering: framewire.NewOrdering(0),
		entries:  make(map[string]*Entry),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// WithOrdering sets how frame ids of one stream are compared. It must match
// the reassembler's ordering.
func (s *Store) WithOrdering(o framewire.Ordering) *Store {
	s.ordering = o
	return s
}

// Publish stores frame as the latest of its stream and wakes waiters. A frame
// the stored one supersedes is refused; several workers can finish decoding
// out of order.
func (s *Store) Publish(frame *reassembly.CompletedFrame) bool {
	if frame == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[frame.Stream]
	switch {
	case !ok:
		e = &Entry{}
		s.entries[frame.Stream] = e
	case e.Frame != nil && !frame.Newer(e.Frame, s.ordering):
		e.Outdated++
		return false
	case e.Version > s.observed:
		e.Replaced++
	}
	s.version++
	e.Frame = frame
	e.Version = s.version
	e.Published++
	s.cond.Broadcast()
	return true
}

// Render makes the store usable as a receiver renderer.
func (s *Store) Render(frame *reassembly.CompletedFrame) { s.Publish(frame) }

func (s *Store) Latest(stream string) (*reassembly.CompletedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[stream]
	if !ok {
		return nil, false
	}
	return e.Frame, true
}

// Snapshot copies the entries, keyed by stream.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.entries))
	for name, e := range s.entries {
		out[name] = *e
	}
	return out
}

func (s *Store) Streams() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Wait blocks until the store version moves past since, ctx is done or
// timeout elapses, and returns the current version. The bounded timeout lets
// a render loop do its own housekeeping between frames. changed is false when
// nothing new was published.
func (s *Store) Wait(ctx context.Context, since uint64, timeout time.Duration) (version uint64, changed bool) {
	wake := func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	stopCtx := context.AfterFunc(ctx, wake)
	defer stopCtx()

	var expired bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			s.mu.Lock()
			expired = true
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.version <= since && !expired && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.version > s.observed {
		s.observed = s.version
	}
	return s.version, s.version > since
}

// ToRGBA returns img as *image.RGBA, converting grayscale and paletted
// frames so display consumers handle a single pixel layout.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
