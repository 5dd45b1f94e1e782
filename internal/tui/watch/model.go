package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ductile-worker/internal/activity"
	"github.com/mattjoyce/ductile-worker/internal/api"
	"github.com/mattjoyce/ductile-worker/internal/events"
)

const (
	pollInterval = 5 * time.Second
	adjustStep   = 15 * time.Minute
	maxEventLog  = 50
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type activityMsg activity.Status

// adjustedMsg carries the status returned by a deadline adjustment. Unlike
// activityMsg it does not schedule another poll.
type adjustedMsg activity.Status

type tickMsg time.Time

// errMsg reports a failed request. retry, when set, is run again after the
// poll interval.
type errMsg struct {
	err   error
	retry func() tea.Msg
}

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client
	types  string

	width  int
	height int

	health      HealthState
	activity    activity.Status
	processes   processLog
	eventLog    []events.Event
	lastEventID int64

	spinner spinner.Model
	pulse   Pulse
	table   table.Model
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model. types is an optional event type filter.
func New(client *Client, types string) Model {
	theme := NewDefaultTheme()
	return Model{
		client:    client,
		types:     types,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.Highlight)),
		table:     newProcessTable(theme),
		theme:     theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		receiveNextEvent(m.hubEvents),
		m.fetchHealth,
		m.fetchActivity,
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "+":
			return m, m.adjust(adjustStep)
		case "-":
			return m, m.adjust(-adjustStep)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(processColumns(msg.Width - 8))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.pulse.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.pulse.OnEvent(time.Now())
		if m.processes.apply(e) {
			m.table.SetRows(processRows(m.processes.items))
		}

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepths = msg.QueueDepths
		m.health.Processes = msg.Processes
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.fetchHealth() })

	case activityMsg:
		m.activity = activity.Status(msg)
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.fetchActivity() })

	case adjustedMsg:
		m.activity = activity.Status(msg)
		m.lastError = ""

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading from hubEvents, so the
		// new subscription only has to feed the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe()

	case errMsg:
		m.lastError = msg.err.Error()
		if msg.retry == nil {
			return m, nil
		}
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return msg.retry() })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to worker..."
	}

	header := renderHeader(m.health, m.activity, m.spinner.View(), m.pulse, m.theme, m.width)
	procs := renderProcesses(m.table, len(m.processes.items) == 0, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, procs, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Processes • [+/-] Shutdown deadline ±15m"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// subscribe streams events into hubEvents until the connection drops.
func (m Model) subscribe() tea.Cmd {
	client, types, lastID, ch := m.client, m.types, m.lastEventID, m.hubEvents
	return func() tea.Msg {
		_ = client.Stream(context.Background(), types, lastID, func(e events.Event) {
			ch <- e
		})
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (m Model) fetchHealth() tea.Msg {
	h, err := m.client.Health(context.Background())
	if err != nil {
		return errMsg{err: err, retry: m.fetchHealth}
	}
	return healthMsg(h)
}

func (m Model) fetchActivity() tea.Msg {
	st, err := m.client.Activity(context.Background())
	if err != nil {
		return errMsg{err: err, retry: m.fetchActivity}
	}
	return activityMsg(st)
}

func (m Model) adjust(delta time.Duration) tea.Cmd {
	return func() tea.Msg {
		st, err := m.client.Adjust(context.Background(), delta)
		if err != nil {
			return errMsg{err: err}
		}
		return adjustedMsg(st)
	}
}
