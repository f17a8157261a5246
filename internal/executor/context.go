package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/gateway"
	"github.com/jonathan/investigator/internal/research"
	"github.com/jonathan/investigator/internal/types"
)

// maxPagesPerTask bounds how many cited pages a document_analysis subtask reads
const maxPagesPerTask = 3

// BuildContext snapshots what the gateway needs to know about the investigation.
// Grounding (search results, cited pages) is best effort and never fails the call.
func (x *Executor) BuildContext(ctx context.Context, inv *types.Investigation, task *types.SubTask) (gateway.ExecContext, error) {
	ec := gateway.ExecContext{
		TaskType: task.TaskType,
		Query:    inv.InitialQuery,
		Phase:    inv.Phase,
	}

	plan, err := x.store.GetPlan(ctx, inv.ID)
	if err != nil {
		return ec, fmt.Errorf("failed to load plan: %w", err)
	}
	if plan != nil {
		ec.Hypothesis = plan.Hypothesis
		ec.FocusAreas = plan.FocusAreas()
		ec.AvoidedPaths = append([]string(nil), plan.AvoidedPaths...)
	}

	counts, err := x.store.GraphCounts(ctx, inv.ID)
	if err != nil {
		return ec, fmt.Errorf("failed to count graph: %w", err)
	}
	ec.EntityCount = counts.Entities
	ec.RelationshipCount = counts.Relationships

	if counts.Entities > 0 {
		entities, err := x.store.ListEntities(ctx, inv.ID)
		if err != nil {
			return ec, fmt.Errorf("failed to list entities: %w", err)
		}
		for i := range entities {
			if len(ec.KnownEntities) >= x.config.KnownEntityLimit {
				break
			}
			ec.KnownEntities = append(ec.KnownEntities, entities[i].Name)
		}
	}

	ec.SearchResults = x.ground(ctx, inv, task)
	return ec, nil
}

func (x *Executor) ground(ctx context.Context, inv *types.Investigation, task *types.SubTask) string {
	log := x.logger.With(zap.String("investigation_id", inv.ID.String()), zap.String("subtask_id", task.ID.String()))

	switch task.TaskType {
	case types.TaskWebSearch:
		if x.searcher == nil {
			return ""
		}
		results, err := x.searcher.Search(ctx, SearchQuery(inv, task), x.config.SearchResults)
		if err != nil {
			log.Warn("search grounding failed", zap.Error(err))
			return ""
		}
		return research.FormatResults(results)

	case types.TaskDocumentAnalysis:
		if x.pages == nil {
			return ""
		}
		urls := research.FindURLs(task.Description)
		if len(urls) > maxPagesPerTask {
			urls = urls[:maxPagesPerTask]
		}
		var sections []string
		for _, u := range urls {
			text, err := x.pages.Read(ctx, u)
			if err != nil {
				log.Warn("page grounding failed", zap.String("url", u), zap.Error(err))
				continue
			}
			sections = append(sections, fmt.Sprintf("SOURCE %s:\n%s", u, text))
		}
		return strings.Join(sections, "\n\n")
	}
	return ""
}

// SearchQuery is the web query for a web_search subtask: its description scoped by
// the investigation query
func SearchQuery(inv *types.Investigation, task *types.SubTask) string {
	desc := strings.TrimSpace(task.Description)
	query := strings.TrimSpace(inv.InitialQuery)
	switch {
	case desc == "":
		return query
	case query == "" || strings.Contains(strings.ToLower(desc), strings.ToLower(query)):
		return desc
	}
	q := desc + " " + query
	if r := []rune(q); len(r) > 256 {
		q = string(r[:256])
	}
	return q
}
