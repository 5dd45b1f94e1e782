package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ductile-worker/internal/activity"
)

// HealthState tracks worker health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueDepths   map[string]int
	Processes     map[string]int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, act activity.Status, spin string, pulse Pulse, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptimeStr := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !pulse.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(pulse.LastEvent()).Round(time.Second))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" DUCTILE WORKER %s", spin)
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Queues: %s  Processes: %s",
		statusText,
		uptimeStr,
		formatCounts(health.QueueDepths),
		formatCounts(health.Processes),
	)

	stateStyle := theme.StatusOK
	if act.State == activity.StatePendingShutdown {
		stateStyle = theme.StatusFailed
	}
	activityLine := fmt.Sprintf(" Activity: %s  shutdown in %s  idle timeout %s",
		stateStyle.Render(string(act.State)),
		formatDuration(act.TimeLeft()),
		formatDuration(time.Duration(act.ShutdownTimeoutSeconds)*time.Second),
	)

	eventLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, pulse.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
		eventLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

// formatCounts renders a map as "a=1 b=2" in key order.
func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
