package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Adaptive status colors, tuned for light and dark terminals.
var (
	colorPass = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorDim  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorInfo = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	entityStyle = lipgloss.NewStyle().Foreground(colorInfo)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
)

const (
	iconPass = "✓"
	iconWarn = "⚠"
	iconFail = "✗"
)

var phaseTitles = map[Phase]string{
	PhaseAnalyzing: "Analyzing",
	PhaseExporting: "Exporting",
	PhaseImporting: "Importing",
	PhaseDeferred:  "Deferred references",
	PhaseM2M:       "Relationships",
}

// ConsoleSink renders events as human-readable terminal lines.
type ConsoleSink struct {
	mu   sync.Mutex
	w    io.Writer
	last Phase
}

// NewConsole builds a console sink writing to w.
func NewConsole(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Phase != c.last && ev.Phase != PhaseError && ev.Phase != PhaseComplete {
		c.last = ev.Phase
		title := phaseTitles[ev.Phase]
		if title == "" {
			title = string(ev.Phase)
		}
		fmt.Fprintf(c.w, "%s %s\n", dimStyle.Render("==>"), headerStyle.Render(title))
	}

	switch {
	case ev.Err != nil:
		c.printError(ev)
	case ev.Phase == PhaseComplete:
		fmt.Fprintf(c.w, "%s %s\n", passStyle.Render(iconPass), ev.Message)
	case ev.Message != "":
		c.printWarning(ev)
	case ev.Entity != "" || ev.Relationship != "":
		c.printProgress(ev)
	}
}

func (c *ConsoleSink) printProgress(ev Event) {
	name := ev.Entity
	if name == "" {
		name = ev.Relationship
	}
	line := fmt.Sprintf("  %s  %s", entityStyle.Render(fmt.Sprintf("%-24s", name)), counts(ev))
	if ev.RPS > 0 {
		line += dimStyle.Render(fmt.Sprintf("  (%.0f rec/s)", ev.RPS))
	}
	if ev.Tier > 0 {
		line += dimStyle.Render(fmt.Sprintf("  tier %d", ev.Tier))
	}
	fmt.Fprintln(c.w, line)
}

func (c *ConsoleSink) printWarning(ev Event) {
	prefix := ""
	if ev.Entity != "" {
		prefix = ev.Entity + ": "
	}
	fmt.Fprintf(c.w, "  %s %s%s\n", warnStyle.Render(iconWarn), prefix, ev.Message)
}

func (c *ConsoleSink) printError(ev Event) {
	d := ev.Err
	where := ""
	if d.Entity != "" {
		where = d.Entity + ": "
	}
	fmt.Fprintf(c.w, "  %s %s %s%s\n", failStyle.Render(iconFail), failStyle.Render(string(d.Kind)), where, d.Message)
}

func counts(ev Event) string {
	cur := humanize.Comma(int64(ev.Current))
	if ev.Total <= 0 {
		return cur
	}
	return fmt.Sprintf("%s / %s", cur, humanize.Comma(int64(ev.Total)))
}
