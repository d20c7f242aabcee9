package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace = "farshow"
	subsystemSend    = "send"
	subsystemRecv    = "reassembly"

	// gapWindow bounds the frame-id jump still counted as skipped frames.
	// Larger jumps are sender restarts or late stragglers, not loss.
	gapWindow = 1 << 16
)

// FrameCollector tracks the send and reassembly paths and exposes them as
// Prometheus collectors. All Observe methods are safe on a nil collector.
type FrameCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime time.Time

	partsSent    uint64
	bytesSent    uint64
	framesSent   uint64
	sendFailures uint64

	partsReceived   uint64
	bytesReceived   uint64
	protocolErrors  uint64
	duplicateParts  uint64
	staleParts      uint64
	framesCompleted uint64
	framesEvicted   uint64
	decodeErrors    uint64
	queueDrops      uint64

	streams map[string]*streamStats
}

type streamStats struct {
	completed uint64
	skipped   uint64
	evicted   uint64
	lastID    uint32
	stride    uint32
	lastBytes int
	lastAt    time.Time
}

// StreamSnapshot is the per-stream part of a FrameSnapshot.
type StreamSnapshot struct {
	Name        string
	Completed   uint64
	Skipped     uint64
	Evicted     uint64
	LossRatio   float64
	LastFrameID uint32
	LastBytes   int
	LastAt      time.Time
}

// FrameSnapshot is a point-in-time copy of the collected counters.
type FrameSnapshot struct {
	Elapsed time.Duration

	PartsSent    uint64
	BytesSent    uint64
	FramesSent   uint64
	SendFailures uint64

	PartsReceived   uint64
	BytesReceived   uint64
	ProtocolErrors  uint64
	DuplicateParts  uint64
	StaleParts      uint64
	FramesCompleted uint64
	FramesEvicted   uint64
	DecodeErrors    uint64
	QueueDrops      uint64

	SendFps        float64
	ReceiveFps     float64
	ThroughputBps  float64
	ThroughputMbps float64

	Streams []StreamSnapshot
}

func NewFrameCollector(namespace string) *FrameCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &FrameCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		streams:   make(map[string]*streamStats),
	}
	c.registerMetrics()
	return c
}

func (c *FrameCollector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *FrameCollector) ObservePartSent(bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ensureStartTimeLocked()
	c.partsSent++
	if bytes > 0 {
		c.bytesSent += uint64(bytes)
	}
	c.mu.Unlock()
}

func (c *FrameCollector) ObserveFrameSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesSent++
	c.mu.Unlock()
}

func (c *FrameCollector) ObserveSendFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sendFailures++
	c.mu.Unlock()
}

// ObservePartReceived records a datagram handed to the reassembler.
func (c *FrameCollector) ObservePartReceived(bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ensureStartTimeLocked()
	c.partsReceived++
	if bytes > 0 {
		c.bytesReceived += uint64(bytes)
	}
	c.mu.Unlock()
}

func (c *FrameCollector) ObserveProtocolError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.protocolErrors++
	c.mu.Unlock()
}

func (c *FrameCollector) ObserveDuplicate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.duplicateParts++
	c.mu.Unlock()
}

// ObserveStale records a part for a frame at or behind the last completed id.
func (c *FrameCollector) ObserveStale() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.staleParts++
	c.mu.Unlock()
}

func (c *FrameCollector) ObserveDecodeError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.decodeErrors++
	c.mu.Unlock()
}

func (c *FrameCollector) ObserveQueueDrop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueDrops++
	c.mu.Unlock()
}

// ObserveEvicted records incomplete frames dropped from stream.
func (c *FrameCollector) ObserveEvicted(stream string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	c.framesEvicted += uint64(n)
	c.streamLocked(stream).evicted += uint64(n)
	c.mu.Unlock()
}

// ObserveFrameCompleted records a reassembled frame. The jump from the last
// completed id of the same stream, in units of the smallest jump seen so far,
// estimates how many frames never arrived. A sender interleaving several
// streams on one id counter advances each stream by a fixed stride.
func (c *FrameCollector) ObserveFrameCompleted(stream string, id uint32, size int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.framesCompleted++
	st := c.streamLocked(stream)
	if st.completed > 0 {
		if gap := id - st.lastID; gap > 0 && gap < gapWindow {
			if st.stride == 0 || gap < st.stride {
				st.stride = gap
			}
			if n := gap / st.stride; n > 1 {
				st.skipped += uint64(n - 1)
			}
		}
	}
	st.completed++
	st.lastID = id
	st.lastBytes = size
	st.lastAt = time.Now()
}

func (c *FrameCollector) Snapshot() FrameSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *FrameCollector) streamLocked(name string) *streamStats {
	st, ok := c.streams[name]
	if !ok {
		st = &streamStats{}
		c.streams[name] = st
	}
	return st
}

func (c *FrameCollector) buildSnapshotLocked(now time.Time) FrameSnapshot {
	elapsed := time.Duration(0)
	if !c.startTime.IsZero() {
		elapsed = now.Sub(c.startTime)
	}
	throughput := rateFrom(c.bytesSent+c.bytesReceived, elapsed)

	streams := make([]StreamSnapshot, 0, len(c.streams))
	for name, st := range c.streams {
		var loss float64
		if total := st.completed + st.skipped + st.evicted; total > 0 {
			loss = float64(st.skipped+st.evicted) / float64(total)
		}
		streams = append(streams, StreamSnapshot{
			Name:        name,
			Completed:   st.completed,
			Skipped:     st.skipped,
			Evicted:     st.evicted,
			LossRatio:   loss,
			LastFrameID: st.lastID,
			LastBytes:   st.lastBytes,
			LastAt:      st.lastAt,
		})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })

	return FrameSnapshot{
		Elapsed:         elapsed,
		PartsSent:       c.partsSent,
		BytesSent:       c.bytesSent,
		FramesSent:      c.framesSent,
		SendFailures:    c.sendFailures,
		PartsReceived:   c.partsReceived,
		BytesReceived:   c.bytesReceived,
		ProtocolErrors:  c.protocolErrors,
		DuplicateParts:  c.duplicateParts,
		StaleParts:      c.staleParts,
		FramesCompleted: c.framesCompleted,
		FramesEvicted:   c.framesEvicted,
		DecodeErrors:    c.decodeErrors,
		QueueDrops:      c.queueDrops,
		SendFps:         rateFrom(c.framesSent, elapsed),
		ReceiveFps:      rateFrom(c.framesCompleted, elapsed),
		ThroughputBps:   throughput,
		ThroughputMbps:  throughput * 8 / 1e6,
		Streams:         streams,
	}
}

func (c *FrameCollector) registerMetrics() {
	makeGauge := func(subsystem, name, help string, valueFn func(FrameSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	makeCounter := func(subsystem, name, help string, field *uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(*field)
		})
	}

	c.registry.MustRegister(
		makeCounter(subsystemSend, "parts_total", "Datagrams written by the fragmenter.", &c.partsSent),
		makeCounter(subsystemSend, "bytes_total", "Datagram bytes written by the fragmenter.", &c.bytesSent),
		makeCounter(subsystemSend, "frames_total", "Frames fully handed to the socket.", &c.framesSent),
		makeCounter(subsystemSend, "failures_total", "Frames aborted by a transport error.", &c.sendFailures),
		makeGauge(subsystemSend, "frames_per_second", "Average frames sent per second.",
			func(s FrameSnapshot) float64 { return s.SendFps }),

		makeCounter(subsystemRecv, "parts_total", "Datagrams handed to the reassembler.", &c.partsReceived),
		makeCounter(subsystemRecv, "bytes_total", "Datagram bytes handed to the reassembler.", &c.bytesReceived),
		makeCounter(subsystemRecv, "protocol_errors_total", "Datagrams rejected as malformed.", &c.protocolErrors),
		makeCounter(subsystemRecv, "duplicate_parts_total", "Parts dropped because they were already received.", &c.duplicateParts),
		makeCounter(subsystemRecv, "stale_parts_total", "Parts for frames already completed or superseded.", &c.staleParts),
		makeCounter(subsystemRecv, "frames_completed_total", "Frames fully reassembled.", &c.framesCompleted),
		makeCounter(subsystemRecv, "frames_evicted_total", "Incomplete frames evicted by a newer completion.", &c.framesEvicted),
		makeCounter(subsystemRecv, "decode_errors_total", "Completed frames that failed to decode.", &c.decodeErrors),
		makeCounter(subsystemRecv, "queue_drops_total", "Datagrams dropped because the worker queue was full.", &c.queueDrops),
		makeGauge(subsystemRecv, "frames_per_second", "Average frames completed per second.",
			func(s FrameSnapshot) float64 { return s.ReceiveFps }),
		makeGauge(subsystemRecv, "throughput_bytes_per_second", "Average datagram throughput.",
			func(s FrameSnapshot) float64 { return s.ThroughputBps }),
		&streamCollector{c: c},
	)
}

func (c *FrameCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}

func rateFrom(n uint64, elapsed time.Duration) float64 {
	if n == 0 || elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

// streamCollector emits per-stream series labelled by stream name.
type streamCollector struct {
	c *FrameCollector
}

func (s *streamCollector) descs() (completed, loss, last *prometheus.Desc) {
	ns := s.c.namespace
	completed = prometheus.NewDesc(prometheus.BuildFQName(ns, subsystemRecv, "stream_frames_total"),
		"Frames completed per stream.", []string{"stream"}, nil)
	loss = prometheus.NewDesc(prometheus.BuildFQName(ns, subsystemRecv, "stream_loss_ratio"),
		"Estimated share of frames lost per stream.", []string{"stream"}, nil)
	last = prometheus.NewDesc(prometheus.BuildFQName(ns, subsystemRecv, "stream_last_frame_bytes"),
		"Compressed size of the last completed frame per stream.", []string{"stream"}, nil)
	return
}

func (s *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	completed, loss, last := s.descs()
	ch <- completed
	ch <- loss
	ch <- last
}

func (s *streamCollector) Collect(ch chan<- prometheus.Metric) {
	completed, loss, last := s.descs()
	for _, st := range s.c.Snapshot().Streams {
		ch <- prometheus.MustNewConstMetric(completed, prometheus.CounterValue, float64(st.Completed), st.Name)
		ch <- prometheus.MustNewConstMetric(loss, prometheus.GaugeValue, st.LossRatio, st.Name)
		ch <- prometheus.MustNewConstMetric(last, prometheus.GaugeValue, float64(st.LastBytes), st.Name)
	}
}
