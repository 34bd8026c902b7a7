package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"gopkg.in/yaml.v3"

	"agentnet/internal/domain"
)

// definitionFromInput treats the input as a definition file when it names
// one, and otherwise wraps it in a single content-generation step.
func definitionFromInput(input string) (domain.TaskDefinition, error) {
	if fileExists(input) {
		raw, err := os.ReadFile(input)
		if err != nil {
			return domain.TaskDefinition{}, err
		}
		var def domain.TaskDefinition
		if strings.EqualFold(filepath.Ext(input), ".json") {
			err = json.Unmarshal(raw, &def)
		} else {
			err = yaml.Unmarshal(raw, &def)
		}
		if err != nil {
			return domain.TaskDefinition{}, fmt.Errorf("decode %s: %w", input, err)
		}
		return def, nil
	}
	return domain.TaskDefinition{
		Name: trimLine(input, 48),
		Steps: []domain.StepDefinition{{
			ID:                   "generate",
			Action:               "generate",
			RequiredCapabilities: []string{"content"},
			Input:                map[string]any{"prompt": input},
		}},
	}, nil
}

func renderTasksTable(table *tview.Table, tasks []domain.TaskSnapshot, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Prio", "Progress", "Name"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.TaskID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(string(t.Status))))
		table.SetCell(row, 2, tview.NewTableCell(t.Priority.String()))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%3.0f%%", t.Progress)))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(t.Name, 48)))
		if t.TaskID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(status string) tcell.Color {
	switch status {
	case "completed":
		return tcell.ColorGreen
	case "failed":
		return tcell.ColorRed
	case "cancelled":
		return tcell.ColorYellow
	case "in_progress", "assigned":
		return tcell.ColorAqua
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func statusTag(status string) string {
	switch status {
	case "completed":
		return "[green]" + status + "[-]"
	case "failed":
		return "[red]" + status + "[-]"
	case "cancelled":
		return "[yellow]" + status + "[-]"
	case "in_progress", "assigned":
		return "[aqua]" + status + "[-]"
	default:
		return status
	}
}

func renderSteps(snap domain.TaskSnapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Task %s  %s  progress=%.0f%%", shortID(snap.TaskID), statusTag(string(snap.Status)), snap.Progress))
	if snap.Cause != domain.CauseNone {
		b.WriteString("  cause=" + string(snap.Cause))
	}
	b.WriteString("\n")
	if snap.FirstError != "" {
		b.WriteString("  error: " + trimLine(tview.Escape(snap.FirstError), 120) + "\n")
	}
	for _, s := range snap.Steps {
		agent := s.AssignedAgent
		if agent == "" {
			agent = "-"
		}
		b.WriteString(fmt.Sprintf("%-14s %-10s %-22s agent=%-10s retries=%d/%d\n",
			trimLine(s.StepID, 14), trimLine(s.Action, 10), statusTag(string(s.Status)), agent, s.RetryCount, s.MaxRetries))
		if len(s.Dependencies) > 0 {
			b.WriteString("  after: " + strings.Join(s.Dependencies, ", ") + "\n")
		}
		if len(s.Result) > 0 {
			b.WriteString("  result: " + trimLine(tview.Escape(string(s.Result)), 100) + "\n")
		}
		if s.Error != "" {
			b.WriteString("  error: " + trimLine(tview.Escape(s.Error), 100) + "\n")
		}
	}
	return b.String()
}

func renderAgents(dash domain.Dashboard) string {
	if len(dash.Agents) == 0 {
		return "No agents registered"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("bus sent=%d delivered=%d failed=%d avg=%.2fms | tasks pending=%d running=%d done=%d failed=%d cancelled=%d\n",
		dash.Bus.Sent, dash.Bus.Delivered, dash.Bus.Failed, dash.Bus.AvgLatencyMS,
		dash.Tasks.Pending, dash.Tasks.InProgress, dash.Tasks.Completed, dash.Tasks.Failed, dash.Tasks.Cancelled))
	for _, a := range dash.Agents {
		b.WriteString(fmt.Sprintf("%-12s load=%d/%d util=%3.0f%% reliability=%.2f ok=%d failed=%d caps=%s\n",
			trimLine(a.AgentID, 12), a.CurrentLoad, a.MaxConcurrent, a.Utilization*100,
			a.ReliabilityScore, a.Completed, a.Failed, strings.Join(a.Capabilities, ",")))
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		step := ""
		if d.StepID != "" {
			step = " step=" + d.StepID
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s%s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			step,
			trimLine(tview.Escape(d.Reason), 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(tview.Escape(detail), 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}
	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err != nil {
		return trimmed
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
	}
	return strings.Join(parts, ", ")
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
