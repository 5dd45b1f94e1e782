package watch

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/process"
)

const maxProcesses = 50

// ProcessState is a finished process seen on the event stream.
type ProcessState struct {
	ID        string
	Domain    string
	Operation string
	Status    process.Status
	Message   string
	At        time.Time
}

// processLog keeps the most recent processes, newest first.
type processLog struct {
	items []ProcessState
}

// apply records e if it describes a process. It reports whether the log
// changed.
func (l *processLog) apply(e events.Event) bool {
	var rec process.Record
	if err := json.Unmarshal(e.Data, &rec); err != nil || rec.ID == "" {
		return false
	}

	st := ProcessState{
		ID:      rec.ID,
		Domain:  rec.Kind,
		Status:  rec.Status,
		Message: rec.Message,
		At:      e.At,
	}
	if domain, op, ok := strings.Cut(e.Type, "."); ok && domain == rec.Kind {
		st.Operation = op
	}
	if !rec.UpdatedAt.IsZero() {
		st.At = rec.UpdatedAt
	}

	for i, p := range l.items {
		if p.ID == rec.ID {
			if st.Operation == "" {
				st.Operation = p.Operation
			}
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	l.items = append([]ProcessState{st}, l.items...)
	if len(l.items) > maxProcesses {
		l.items = l.items[:maxProcesses]
	}
	return true
}

func newProcessTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(processColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.Header.GetForeground())
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#874BFD"))
	t.SetStyles(styles)
	return t
}

func processColumns(width int) []table.Column {
	msg := width - 8 - 8 - 10 - 12 - 10 - 12
	if msg < 10 {
		msg = 10
	}
	return []table.Column{
		{Title: "ID", Width: 8},
		{Title: "DOMAIN", Width: 8},
		{Title: "OP", Width: 10},
		{Title: "STATUS", Width: 12},
		{Title: "AT", Width: 10},
		{Title: "MESSAGE", Width: msg},
	}
}

func processRows(items []ProcessState) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		id := p.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id,
			p.Domain,
			p.Operation,
			string(p.Status),
			p.At.Local().Format("15:04:05"),
			p.Message,
		})
	}
	return rows
}

func renderProcesses(t table.Model, empty bool, theme Theme, width int) string {
	innerWidth := width - 4

	if empty {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("PROCESSES"),
			theme.Dim.Render("  No finished processes yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("PROCESSES"),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
