package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/antmicro/farshow/pkg/metrics"
	"github.com/pterm/pterm"
)

// FrameDisplay renders live frame telemetry using pterm primitives.
type FrameDisplay struct {
	title     string
	collector *metrics.FrameCollector
	interval  time.Duration

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	ticker *time.Ticker
	cancel context.CancelFunc
	active bool
	writer io.Writer
}

func NewFrameDisplay(title string, collector *metrics.FrameCollector) *FrameDisplay {
	if strings.TrimSpace(title) == "" {
		title = "Frames"
	}
	return &FrameDisplay{
		title:     title,
		collector: collector,
		interval:  500 * time.Millisecond,
	}
}

// WithWriter renders into w instead of a live terminal area.
func (d *FrameDisplay) WithWriter(w io.Writer) *FrameDisplay {
	d.writer = w
	return d
}

// Start begins rendering the live dashboard. No-op when collector is nil.
func (d *FrameDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil || d.active {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(d.interval)
	d.mu.Lock()
	d.ticker = ticker
	d.cancel = cancel
	d.active = true
	useArea := d.writer == nil
	d.mu.Unlock()

	if useArea {
		area, err := pterm.DefaultArea.WithRemoveWhenDone(false).Start()
		if err != nil {
			d.cleanup()
			return err
		}
		d.mu.Lock()
		d.area = area
		d.mu.Unlock()
	}

	go d.loop(ctx, ticker.C)
	return nil
}

func (d *FrameDisplay) loop(ctx context.Context, tick <-chan time.Time) {
	d.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			d.render()
		}
	}
}

// Stop clears the live board and prints a final snapshot.
func (d *FrameDisplay) Stop() {
	if d == nil {
		return
	}
	d.cleanup()
	d.printFinal()
}

func (d *FrameDisplay) cleanup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.area != nil {
		_ = d.area.Stop()
	}
	d.area = nil
	d.ticker = nil
	d.cancel = nil
	d.active = false
	return true
}

func (d *FrameDisplay) render() {
	if d.collector == nil {
		return
	}
	content := d.renderContent(d.collector.Snapshot())

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.writer != nil:
		_, _ = fmt.Fprintf(d.writer, "%s\r", content)
	case d.area != nil:
		d.area.Update(content)
	}
}

func (d *FrameDisplay) renderContent(snap metrics.FrameSnapshot) string {
	header := pterm.DefaultHeader.
		WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
		WithFullWidth().
		Sprint(d.title)

	parts := []string{header, SummaryTable(snap)}
	if len(snap.Streams) > 0 {
		parts = append(parts, StreamTable(snap.Streams))
	}
	parts = append(parts, "Elapsed: "+formatDuration(snap.Elapsed))
	return strings.Join(parts, "\n")
}

// SummaryTable shows only the directions that saw traffic.
func SummaryTable(snap metrics.FrameSnapshot) string {
	data := pterm.TableData{{"Metric", "Value"}}
	if snap.PartsSent > 0 || snap.SendFailures > 0 {
		data = append(data,
			[]string{"Frames Sent", fmt.Sprintf("%d", snap.FramesSent)},
			[]string{"Send FPS", formatRate(snap.SendFps, "fps")},
			[]string{"Parts Sent", fmt.Sprintf("%d", snap.PartsSent)},
			[]string{"Bytes Sent", formatBytes(snap.BytesSent)},
			[]string{"Send Failures", fmt.Sprintf("%d", snap.SendFailures)},
		)
	}
	if snap.PartsReceived > 0 || snap.ProtocolErrors > 0 {
		data = append(data,
			[]string{"Frames Completed", fmt.Sprintf("%d", snap.FramesCompleted)},
			[]string{"Receive FPS", formatRate(snap.ReceiveFps, "fps")},
			[]string{"Parts Received", fmt.Sprintf("%d", snap.PartsReceived)},
			[]string{"Bytes Received", formatBytes(snap.BytesReceived)},
			[]string{"Frames Evicted", fmt.Sprintf("%d", snap.FramesEvicted)},
			[]string{"Duplicate / Stale Parts", fmt.Sprintf("%d / %d", snap.DuplicateParts, snap.StaleParts)},
			[]string{"Protocol / Decode Errors", fmt.Sprintf("%d / %d", snap.ProtocolErrors, snap.DecodeErrors)},
			[]string{"Queue Drops", fmt.Sprintf("%d", snap.QueueDrops)},
		)
	}
	data = append(data, []string{"Throughput", formatMbps(snap.ThroughputMbps)})
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func StreamTable(streams []metrics.StreamSnapshot) string {
	data := pterm.TableData{{"Stream", "Last Frame", "Completed", "Evicted", "Loss", "Size", "Age"}}
	now := time.Now()
	for _, s := range streams {
		age := "--"
		if !s.LastAt.IsZero() {
			age = formatDuration(now.Sub(s.LastAt))
		}
		data = append(data, []string{
			s.Name,
			fmt.Sprintf("%d", s.LastFrameID),
			fmt.Sprintf("%d", s.Completed),
			fmt.Sprintf("%d", s.Evicted),
			formatPercent(s.LossRatio),
			formatBytes(uint64(s.LastBytes)),
			age,
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func (d *FrameDisplay) printFinal() {
	if d.collector == nil {
		return
	}
	snap := d.collector.Snapshot()
	if snap.PartsSent == 0 && snap.PartsReceived == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer != nil {
		fmt.Fprintf(d.writer, "%s\nElapsed: %s\r", SummaryTable(snap), formatDuration(snap.Elapsed))
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println(d.title)
	fmt.Println(SummaryTable(snap))
	if len(snap.Streams) > 0 {
		fmt.Println(StreamTable(snap.Streams))
	}
	fmt.Printf("Elapsed: %s\n", formatDuration(snap.Elapsed))
}

func formatMbps(mbps float64) string {
	if mbps <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.2f Mb/s", mbps)
}

func formatRate(v float64, unit string) string {
	if v <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.1f %s", v, unit)
}

func formatBytes(b uint64) string {
	const kb = 1024
	const mb = kb * 1024
	const gb = mb * 1024
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	case b > 0:
		return fmt.Sprintf("%d B", b)
	default:
		return "0 B"
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	return d.Truncate(100 * time.Millisecond).String()
}

func formatPercent(ratio float64) string {
	if ratio <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}
