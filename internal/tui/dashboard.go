package tui

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

const rateWindow = 60

type dashboard struct {
	cfg    Config
	client *http.Client

	header *widgets.Paragraph
	gauge  *widgets.Gauge
	spark  *widgets.Sparkline
	sparkG *widgets.SparklineGroup
	bars   *widgets.BarChart
	table  *widgets.Table

	lastJobsTotal uint64
	havePrev      bool
	rates         []float64
}

func newDashboard(cfg Config) *dashboard {
	d := &dashboard{
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Second},
	}

	d.header = widgets.NewParagraph()
	d.header.Title = "nodebooks kernel"

	d.gauge = widgets.NewGauge()
	d.gauge.Title = "pool busy"
	d.gauge.BarColor = ui.ColorGreen

	d.spark = widgets.NewSparkline()
	d.spark.LineColor = ui.ColorCyan
	d.sparkG = widgets.NewSparklineGroup(d.spark)
	d.sparkG.Title = "throughput (jobs per poll)"

	d.bars = widgets.NewBarChart()
	d.bars.Title = "jobs by outcome"
	d.bars.BarWidth = 12
	d.bars.NumFormatter = func(v float64) string { return strconv.FormatInt(int64(v), 10) }

	d.table = widgets.NewTable()
	d.table.Title = "sessions"
	d.table.RowSeparator = false
	d.table.Rows = [][]string{sessionHeader()}

	return d
}

func sessionHeader() []string {
	return []string{"session", "notebook", "state", "subs", "queue", "in-flight"}
}

func (d *dashboard) layout() {
	w, h := ui.TerminalDimensions()
	if w < 40 {
		w = 40
	}
	if h < 16 {
		h = 16
	}
	half := w / 2

	d.header.SetRect(0, 0, w, 3)
	d.gauge.SetRect(0, 3, half, 6)
	d.sparkG.SetRect(half, 3, w, 6)
	d.bars.SetRect(0, 6, w, 12)
	d.table.SetRect(0, 12, w, h)
}

func (d *dashboard) refresh() {
	s, err := fetchStatsz(d.client, d.cfg.BaseURL)
	if err != nil {
		d.header.Text = fmt.Sprintf("%s unreachable: %v  (q to quit)", d.cfg.BaseURL, err)
		d.render()
		return
	}
	d.apply(s)
	d.render()
}

func (d *dashboard) apply(s *statsz) {
	up := (time.Duration(s.UptimeMs) * time.Millisecond).Truncate(time.Second)
	head := fmt.Sprintf("%s  up %s  workers %d/%d live  respawns %d",
		d.cfg.BaseURL, up, s.Pool.Live, s.Pool.Size, s.Pool.Respawns)
	if s.Transport != nil {
		head += fmt.Sprintf("  streamed %s  protocol errors %d",
			byteCount(s.Transport.StreamBytes), s.Transport.ProtocolErrors)
	}
	d.header.Text = head + "  (q to quit)"

	pct := 0
	if s.Pool.Size > 0 {
		pct = 100 * s.Pool.Reserved / s.Pool.Size
	}
	if pct > 100 {
		pct = 100
	}
	d.gauge.Percent = pct
	d.gauge.Label = fmt.Sprintf("%d%% (%d/%d reserved)", pct, s.Pool.Reserved, s.Pool.Size)

	var total uint64
	for _, n := range s.Pool.Jobs {
		total += n
	}
	if d.havePrev {
		var delta float64
		if total >= d.lastJobsTotal {
			delta = float64(total - d.lastJobsTotal)
		}
		d.rates = append(d.rates, delta)
		if len(d.rates) > rateWindow {
			d.rates = d.rates[len(d.rates)-rateWindow:]
		}
	}
	d.lastJobsTotal = total
	d.havePrev = true
	d.spark.Data = d.rates

	keys := make([]string, 0, len(s.Pool.Jobs))
	for k := range s.Pool.Jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	labels := make([]string, len(keys))
	data := make([]float64, len(keys))
	for i, k := range keys {
		labels[i] = k
		data[i] = float64(s.Pool.Jobs[k])
	}
	d.bars.Labels = labels
	d.bars.Data = data

	rows := [][]string{sessionHeader()}
	for _, sess := range s.Sessions {
		inFlight := ""
		if sess.InFlight {
			inFlight = "yes"
		}
		rows = append(rows, []string{
			sess.ID,
			sess.NotebookID,
			string(sess.State),
			strconv.Itoa(sess.Subscribers),
			strconv.Itoa(sess.QueueDepth),
			inFlight,
		})
	}
	d.table.Rows = rows
}

func (d *dashboard) render() {
	ui.Render(d.header, d.gauge, d.sparkG, d.bars, d.table)
}

func byteCount(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
