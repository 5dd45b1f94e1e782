// Package inspect renders journaled processes for the CLI.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/ductile-worker/internal/journal"
)

// EntrySource is satisfied by *journal.Journal.
type EntrySource interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
}

// Report is the structured JSON representation of a finished process.
type Report struct {
	ID          string          `json:"process_reference_id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// BuildReport renders a terminal-friendly report for process id.
func BuildReport(ctx context.Context, src EntrySource, id string) (string, error) {
	report, err := gatherReport(ctx, src, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Process Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.ID)
	fmt.Fprintf(&out, "Kind        : %s\n", report.Kind)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.Message != "" {
		fmt.Fprintf(&out, "Message     : %s\n", report.Message)
	}
	if report.CreatedAt != nil {
		fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&out, "Created     : <unknown>\n")
	}
	fmt.Fprintf(&out, "Completed   : %s\n", report.CompletedAt.Format(time.RFC3339))
	if report.DurationMS != nil {
		fmt.Fprintf(&out, "Duration    : %s\n", time.Duration(*report.DurationMS)*time.Millisecond)
	}

	if len(report.Payload) == 0 {
		fmt.Fprintf(&out, "Payload     : <none>\n")
	} else {
		fmt.Fprintf(&out, "Payload     :\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(report.Payload)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report for process id.
func BuildJSONReport(ctx context.Context, src EntrySource, id string) (string, error) {
	report, err := gatherReport(ctx, src, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// RenderHistory renders entries as a table, one row per process.
func RenderHistory(entries []*journal.Entry) string {
	if len(entries) == 0 {
		return "No journaled processes.\n"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "KIND", "STATUS", "COMPLETED", "MESSAGE")
	for _, e := range entries {
		t.Row(e.ID, e.Kind, string(e.Status), e.CompletedAt.Local().Format("2006-01-02 15:04:05"), truncate(e.Message, 60))
	}
	return t.Render() + "\n"
}

func gatherReport(ctx context.Context, src EntrySource, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("process id is required")
	}

	e, err := src.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:          e.ID,
		Kind:        e.Kind,
		Status:      string(e.Status),
		Message:     e.Message,
		CreatedAt:   e.CreatedAt,
		CompletedAt: e.CompletedAt,
		Payload:     e.Payload,
	}
	if e.CreatedAt != nil {
		ms := e.CompletedAt.Sub(*e.CreatedAt).Milliseconds()
		report.DurationMS = &ms
	}
	return report, nil
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
