package output

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/t2hproxy/pkg/metrics"
	"github.com/pterm/pterm"
)

// MetricsDisplay renders live gateway statistics using pterm primitives.
type MetricsDisplay struct {
	title     string
	collector *metrics.GatewayCollector
	interval  time.Duration

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	ticker *time.Ticker
	cancel context.CancelFunc
	active bool
	writer io.Writer
}

func NewMetricsDisplay(title string, collector *metrics.GatewayCollector) *MetricsDisplay {
	if strings.TrimSpace(title) == "" {
		title = "Gateway Metrics"
	}
	return &MetricsDisplay{
		title:     title,
		collector: collector,
		interval:  500 * time.Millisecond,
	}
}

// WithWriter allows rendering into an existing writer (e.g. MultiPrinter section).
func (d *MetricsDisplay) WithWriter(w io.Writer) *MetricsDisplay {
	d.writer = w
	return d
}

// Start begins rendering the live dashboard. No-op when collector is nil.
func (d *MetricsDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil || d.active {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.ticker = time.NewTicker(d.interval)
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

	go d.loop(ctx)
	return nil
}

func (d *MetricsDisplay) loop(ctx context.Context) {
	d.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ticker.C:
			d.render()
		}
	}
}

// Stop clears the live board and prints a final snapshot.
func (d *MetricsDisplay) Stop() {
	if d == nil {
		return
	}
	d.cleanup()
	d.printFinal()
}

func (d *MetricsDisplay) cleanup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false
	}
	cancel := d.cancel
	ticker := d.ticker
	area := d.area
	d.area = nil
	d.ticker = nil
	d.cancel = nil
	d.active = false
	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}
	if area != nil {
		_ = area.Stop()
	}
	return true
}

func (d *MetricsDisplay) render() {
	if d.collector == nil {
		return
	}
	snapshot := d.collector.Snapshot()
	content := d.renderContent(snapshot)

	d.mu.Lock()
	area := d.area
	writer := d.writer
	d.mu.Unlock()
	switch {
	case writer != nil:
		_, _ = fmt.Fprintf(writer, "%s\r", content)
	case area != nil:
		area.Update(content)
	}
}

func (d *MetricsDisplay) renderContent(snap metrics.GatewaySnapshot) string {
	table := d.tableString(snap)
	header := pterm.DefaultHeader.
		WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
		WithFullWidth().
		Sprint(d.title)

	meta := fmt.Sprintf("Uptime: %s    Active sessions: %d",
		formatDuration(snap.Uptime),
		snap.SessionsActive)

	return fmt.Sprintf("%s\n%s\n%s", header, table, meta)
}

func (d *MetricsDisplay) tableString(snap metrics.GatewaySnapshot) string {
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Sessions Started", fmt.Sprintf("%d", snap.SessionsStarted)},
		{"Sessions Active", fmt.Sprintf("%d", snap.SessionsActive)},
		{"Throughput", formatMbps(snap.ThroughputBps * 8 / 1e6)},
		{"Blocks Sent", fmt.Sprintf("%d", snap.BlocksSent)},
		{"Bytes Sent", formatBytes(snap.BytesSent)},
		{"Retransmissions", fmt.Sprintf("%d (%s)", snap.Retransmissions, formatPercent(snap.RetransmitRate))},
		{"Ack Timeouts", fmt.Sprintf("%d", snap.AckTimeouts)},
		{"Fetch Failures", fmt.Sprintf("%d", snap.FetchFailures)},
		{"Illegal Requests", fmt.Sprintf("%d", snap.IllegalRequests)},
	}
	outcomes := make([]string, 0, len(snap.SessionsByResult))
	for o := range snap.SessionsByResult {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		data = append(data, []string{"Finished: " + o, fmt.Sprintf("%d", snap.SessionsByResult[metrics.Outcome(o)])})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func (d *MetricsDisplay) printFinal() {
	if d.collector == nil {
		return
	}
	snap := d.collector.Snapshot()
	if snap.SessionsStarted == 0 && snap.IllegalRequests == 0 {
		return
	}
	table := d.tableString(snap)
	d.mu.Lock()
	writer := d.writer
	d.mu.Unlock()
	if writer != nil {
		fmt.Fprintf(writer, "%s\nUptime: %s\r", table, formatDuration(snap.Uptime))
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println(d.title)
	fmt.Println(table)
	fmt.Printf("Uptime: %s\n", formatDuration(snap.Uptime))
}

func formatMbps(mbps float64) string {
	if mbps <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.2f Mb/s", mbps)
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
	rounded := d.Truncate(100 * time.Millisecond)
	return rounded.String()
}

func formatPercent(ratio float64) string {
	if ratio <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}

