package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

// Printer renders command results as a prefixed headline followed by
// aligned key/value lines. It bypasses the logger so results reach stdout
// whatever the log level.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewPrinter() *Printer {
	return &Printer{out: os.Stdout}
}

// WithWriter sends output to w.
func (p *Printer) WithWriter(w io.Writer) *Printer {
	p.out = w
	return p
}

func (p *Printer) Info(msg string, fields map[string]any) {
	p.print(pterm.Info, msg, fields)
}

func (p *Printer) Success(msg string, fields map[string]any) {
	p.print(pterm.Success, msg, fields)
}

func (p *Printer) Warn(msg string, fields map[string]any) {
	p.print(pterm.Warning, msg, fields)
}

func (p *Printer) print(prefix pterm.PrefixPrinter, msg string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	b.WriteString(prefix.Sprintln(msg))
	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		width = max(width, len(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-*s  %v\n", width, k, fields[k])
	}
	_, _ = io.WriteString(p.out, b.String())
}
