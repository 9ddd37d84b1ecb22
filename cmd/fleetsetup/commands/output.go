package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Every status gets a basic ANSI color so styled cells keep equal widths
// inside a tabwriter.
var statusStyles = map[string]lipgloss.Style{
	"pending":          lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
	"approved":         lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	"rejected":         lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	"in_progress":      lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	"completed":        lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	"failed":           lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	"partially_failed": lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	"skipped":          lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	"warning":          lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
}

var headerStyle = lipgloss.NewStyle().Bold(true)

func styleStatus(status string) string {
	style, ok := statusStyles[status]
	if !ok {
		return status
	}
	return style.Render(status)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeRow(tw *tabwriter.Writer, cells ...string) {
	fmt.Fprintln(tw, strings.Join(cells, "\t"))
}

func writeHeader(w io.Writer, title string) {
	fmt.Fprintln(w, headerStyle.Render(title))
}

// progressBar renders p (0-100) as a fixed-width bar.
func progressBar(p float64, width int) string {
	p = math.Max(0, math.Min(100, p))
	filled := int(math.Round(p / 100 * float64(width)))
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), p)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), humanize.Time(*t))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
