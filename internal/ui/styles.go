// Package ui renders terminal output for the pgsync CLI.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	// Honors NO_COLOR and CLICOLOR_FORCE.
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"})
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as an error.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent highlights s.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted dims s.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// Row is one line of a Table.
type Row []string

// Table writes rows under a header with columns padded to the widest cell.
// Widths are measured without styling so colored cells line up.
func Table(w io.Writer, header Row, rows []Row) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			if n := lipgloss.Width(r[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(r Row, style func(string) string) {
		cells := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(r) {
				cell = r[i]
			}
			pad := widths[i] - lipgloss.Width(cell)
			cells[i] = style(cell) + strings.Repeat(" ", pad)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}

	line(header, func(s string) string { return headerStyle.Render(s) })
	for _, r := range rows {
		line(r, func(s string) string { return s })
	}
}

// Age renders how long ago t was, coarsely ("3m ago", "2d ago").
func Age(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "in the future"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
