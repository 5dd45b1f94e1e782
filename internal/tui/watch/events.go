package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ductile-worker/internal/activity"
	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/process"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := eventStyle(e, theme).Render(fmt.Sprintf("%-24s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func eventStyle(e events.Event, theme Theme) lipgloss.Style {
	if e.Type == activity.EventPendingShutdown {
		return theme.Highlight
	}
	var data struct {
		Status process.Status `json:"status"`
	}
	_ = json.Unmarshal(e.Data, &data)
	switch data.Status {
	case process.StatusSuccess:
		return theme.StatusOK
	case process.StatusError:
		return theme.StatusFailed
	case process.StatusCancelled:
		return theme.StatusCancelled
	}
	return theme.Dim
}

// describeEvent extracts a one-line summary from the event payload.
func describeEvent(e events.Event) string {
	var data struct {
		ID         string `json:"process_reference_id"`
		Status     string `json:"status"`
		Message    string `json:"message"`
		InstanceID string `json:"instance_id"`
	}
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if data.ID != "" {
		id := data.ID
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if data.InstanceID != "" {
		parts = append(parts, data.InstanceID)
	}
	if data.Status != "" {
		parts = append(parts, data.Status)
	}
	if data.Message != "" {
		parts = append(parts, data.Message)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

// FormatPlain renders e for non-interactive output.
func FormatPlain(e events.Event) string {
	return fmt.Sprintf("%s %d %-24s %s", e.At.Format("15:04:05"), e.ID, e.Type, describeEvent(e))
}
