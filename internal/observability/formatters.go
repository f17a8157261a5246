// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for the run command
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintPlan outputs the hypothesis, strategy and focus of a plan.
func (p *Printer) PrintPlan(plan *types.Plan) {
	if plan == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Hypothesis: %s\n", plan.Hypothesis))

	if len(plan.ResearchStrategy) > 0 {
		sb.WriteString("\nStrategy:\n")
		count := min(len(plan.ResearchStrategy), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", plan.ResearchStrategy[i]))
		}
		if len(plan.ResearchStrategy) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(plan.ResearchStrategy)-maxItemsToShow))
		}
	}

	if len(plan.PriorityAreas) > 0 {
		sb.WriteString("\nPriority areas:\n")
		for _, area := range plan.PriorityAreas {
			sb.WriteString(fmt.Sprintf("  • %s (%s)\n", area.Focus, area.Priority))
		}
	}

	if len(plan.AvoidedPaths) > 0 {
		sb.WriteString(fmt.Sprintf("\nAvoiding: %s\n", strings.Join(plan.AvoidedPaths, ", ")))
	}

	p.printBox("INVESTIGATION PLAN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintSubTasks outputs each subtask with its status marker.
func (p *Printer) PrintSubTasks(tasks []types.SubTask) {
	if len(tasks) == 0 {
		return
	}

	var sb strings.Builder
	counts := types.CountSubTasks(tasks)
	sb.WriteString(fmt.Sprintf("%d completed, %d failed, %d pending\n\n", counts.Completed, counts.Failed, counts.Pending+counts.InProgress))

	for i, t := range tasks {
		marker := "…"
		switch t.Status {
		case types.SubTaskCompleted:
			marker = "✓"
		case types.SubTaskFailed:
			marker = "✗"
		}
		sb.WriteString(fmt.Sprintf("%s [%d] %s\n", marker, t.Order, t.Description))
		if t.Status == types.SubTaskCompleted {
			sb.WriteString(fmt.Sprintf("    %s, confidence %.2f\n", t.TaskType, t.Confidence))
		} else if t.LastError != "" {
			sb.WriteString(fmt.Sprintf("    after %d attempts: %s\n", t.AttemptCount, t.LastError))
		}
		if i < len(tasks)-1 {
			sb.WriteString("\n")
		}
	}

	p.printBox("SUBTASKS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintGraph outputs the most confident entities and the discovered relationships.
func (p *Printer) PrintGraph(entities []types.Entity, relationships []types.Relationship) {
	if len(entities) == 0 {
		return
	}

	names := make(map[string]string, len(entities))
	for _, e := range entities {
		names[e.ID.String()] = e.Name
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Entities: %d  Relationships: %d\n\n", len(entities), len(relationships)))

	count := min(len(entities), maxItemsToShow)
	for i := 0; i < count; i++ {
		e := entities[i]
		sb.WriteString(fmt.Sprintf("• %s (%s) %.2f\n", e.Name, e.EntityType, e.Confidence))
	}
	if len(entities) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(entities)-maxItemsToShow))
	}

	if len(relationships) > 0 {
		sb.WriteString("\n")
		count = min(len(relationships), maxItemsToShow)
		for i := 0; i < count; i++ {
			r := relationships[i]
			sb.WriteString(fmt.Sprintf("%s -[%s]-> %s\n", names[r.SourceEntityID.String()], r.RelationshipType, names[r.TargetEntityID.String()]))
		}
		if len(relationships) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("... and %d more\n", len(relationships)-maxItemsToShow))
		}
	}

	p.printBox("KNOWLEDGE GRAPH", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintReport outputs a generated report.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintReport(r *types.Report) {
	if r == nil {
		return
	}
	p.printBox(strings.ToUpper(r.ReportType), r.Title)
	fmt.Fprintln(p.out, r.Content)
}

// PrintSnapshot outputs the final status of an investigation.
func (p *Printer) PrintSnapshot(s lifecycle.Snapshot) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status:     %s (%s)\n", s.Status, s.Phase))
	sb.WriteString(fmt.Sprintf("Progress:   %d%%\n", s.ProgressPercentage))
	sb.WriteString(fmt.Sprintf("Confidence: %.2f\n", s.ConfidenceScore))
	sb.WriteString(fmt.Sprintf("API calls:  %d ($%.4f)", s.TotalAPICalls, s.TotalCostUSD))
	p.printBox("INVESTIGATION STATUS", sb.String())
}

// PrintEvent writes a one-line summary of an event. Unknown events are skipped.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(ev events.Event) {
	line := describe(ev)
	if line == "" {
		return
	}
	fmt.Fprintf(p.out, "%s  %-24s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, line)
}

func describe(ev events.Event) string {
	switch d := ev.Data.(type) {
	case lifecycle.Snapshot:
		return fmt.Sprintf("%s %s %d%%", d.Status, d.Phase, d.ProgressPercentage)
	case events.SubtaskPayload:
		return fmt.Sprintf("%s [%d] %s", d.Status, d.Order, truncate(d.Description, 50))
	case events.ThoughtPayload:
		return fmt.Sprintf("#%d %s: %s", d.Sequence, d.ThoughtType, truncate(d.Content, 60))
	case events.EntityPayload:
		return fmt.Sprintf("%s (%s)", d.Name, d.EntityType)
	case events.RelationshipPayload:
		return fmt.Sprintf("%s -[%s]-> %s", d.SourceName, d.RelationshipType, d.TargetName)
	case events.EvidencePayload:
		return truncate(d.Title, 60)
	case events.ErrorPayload:
		return fmt.Sprintf("%s: %s", d.ErrorType, d.Message)
	case events.ReportPayload:
		return d.Title
	}
	return ""
}
