package receiver

import (
	"sync"

	"github.com/antmicro/farshow/pkg/metrics"
)

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{pool: sync.Pool{
		New: func() any {
			b := make([]byte, size)
			return &b
		},
	}}
}

func (bp *bufferPool) get() *[]byte  { return bp.pool.Get().(*[]byte) }
func (bp *bufferPool) put(b *[]byte) { bp.pool.Put(b) }

type pkt struct {
	buf *[]byte
	n   int
}

// pump hands datagrams from the read loop to a fixed set of workers. Per
// stream ordering of mutations still comes from the reassembler's locks.
type pump struct {
	workers int
	queue   chan pkt
	bufs    *bufferPool
	handle  func([]byte)
	metrics *metrics.FrameCollector
	wg      sync.WaitGroup
}

func newPump(workers, depth, bufSize int, handle func([]byte), mc *metrics.FrameCollector) *pump {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = workers * 4
	}
	return &pump{
		workers: workers,
		queue:   make(chan pkt, depth),
		bufs:    newBufferPool(bufSize),
		handle:  handle,
		metrics: mc,
	}
}

func (p *pump) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for pk := range p.queue {
				p.handle((*pk.buf)[:pk.n])
				p.bufs.put(pk.buf)
			}
		}()
	}
}

// submit copies datagram and queues it. A full queue drops the datagram.
func (p *pump) submit(datagram []byte) {
	b := p.bufs.get()
	n := copy(*b, datagram)
	select {
	case p.queue <- pkt{buf: b, n: n}:
	default:
		p.bufs.put(b)
		p.metrics.ObserveQueueDrop()
	}
}

// stop lets workers drain the queue and waits for them. submit must not be
// called afterwards.
func (p *pump) stop() {
	close(p.queue)
	p.wg.Wait()
}
