package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/core-tools/hsu-supervisor/pkg/manifest"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	statusHealthy  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	statusStarting = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	statusWarning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	statusIdle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

func colorEnabled() bool {
	return os.Getenv("NO_COLOR") == ""
}

func styleForStatus(status supervisor.Status) lipgloss.Style {
	switch status {
	case supervisor.StatusHealthy, supervisor.StatusCompleted:
		return statusHealthy
	case supervisor.StatusStarting, supervisor.StatusPending:
		return statusStarting
	case supervisor.StatusUnhealthy:
		return statusWarning
	case supervisor.StatusFailed:
		return statusFailed
	default:
		return statusIdle
	}
}

var statusColumns = []string{"SERVICE", "KIND", "STATUS", "PID", "PORT", "RESTARTS", "UPTIME", "LAST ERROR"}

// renderStatus prints one aligned row per service. Styles are applied after
// padding so escape sequences never shift the columns.
func renderStatus(w io.Writer, snap *supervisor.Snapshot, now time.Time, color bool) {
	rows := make([][]string, 0, len(snap.Services))
	for _, st := range snap.Services {
		rows = append(rows, []string{
			st.ID,
			string(st.Kind),
			string(st.Status),
			dashIfZero(st.PID),
			dashIfZero(st.Port),
			strconv.Itoa(st.RestartCount),
			uptime(st, now),
			st.LastError,
		})
	}

	widths := make([]int, len(statusColumns))
	for i, h := range statusColumns {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	render := func(style lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return style.Render(text)
	}
	line := func(cells []string, styleFor func(col int) lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			padded := cell
			if i < len(cells)-1 {
				padded = fmt.Sprintf("%-*s", widths[i], cell)
			}
			parts[i] = render(styleFor(i), padded)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(statusColumns, func(int) lipgloss.Style { return headerStyle })
	for i, row := range rows {
		status := snap.Services[i].Status
		line(row, func(col int) lipgloss.Style {
			switch col {
			case 2:
				return styleForStatus(status)
			case 7:
				return detailStyle
			}
			return lipgloss.NewStyle()
		})
	}

	state := "stopped"
	if snap.Running {
		state = "running"
	}
	fmt.Fprintf(w, "\nsupervisor %s, %d services\n", state, len(snap.Services))
}

func renderSummary(w io.Writer, summary *manifest.Summary) {
	fmt.Fprintf(w, "manifest OK: %d services (%d daemon, %d once), %d with HTTP health checks, %d restartable\n",
		summary.TotalServices,
		summary.ServicesByKind[string(manifest.KindDaemon)],
		summary.ServicesByKind[string(manifest.KindOnce)],
		summary.HTTPProbed,
		summary.Restartable)

	delays := make([]int, 0, len(summary.StartDelays))
	for d := range summary.StartDelays {
		delays = append(delays, d)
	}
	sort.Ints(delays)
	for _, d := range delays {
		var ids []string
		for _, s := range summary.Services {
			if s.StartDelaySeconds == d {
				ids = append(ids, s.ID)
			}
		}
		fmt.Fprintf(w, "  +%ds: %s\n", d, strings.Join(ids, ", "))
	}
}

func dashIfZero(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func uptime(st supervisor.ServiceState, now time.Time) string {
	if st.StartedAt == nil || st.PID == 0 {
		return "-"
	}
	return now.Sub(*st.StartedAt).Truncate(time.Second).String()
}
