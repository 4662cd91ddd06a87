package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/pterm/pterm"
)

// Printer renders CLI results with the same field keys the logger uses, but
// always to the terminal regardless of the configured log level.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter() *Printer {
	return &Printer{w: os.Stdout}
}

func (p *Printer) WithWriter(w io.Writer) *Printer {
	p.w = w
	return p
}

func (p *Printer) Info(msg string, fields internal.Fields) {
	p.printWith(pterm.Info, msg, fields)
}

func (p *Printer) Success(msg string, fields internal.Fields) {
	p.printWith(pterm.Success, msg, fields)
}

func (p *Printer) Error(msg string, fields internal.Fields) {
	p.printWith(pterm.Error, msg, fields)
}

func (p *Printer) Warn(msg string, fields internal.Fields) {
	p.printWith(pterm.Warning, msg, fields)
}

func (p *Printer) printWith(prefix pterm.PrefixPrinter, msg string, fields internal.Fields) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprint(p.w, prefix.Sprintln(msg))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(p.w, "  %s: %v\n", k, fields[internal.FieldKey(k)])
	}
}
