package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/llm"
	"github.com/jonathan/investigator/internal/schemas"
	"github.com/jonathan/investigator/internal/types"
)

// defaultEntityConfidence applies when a response omits an entity's confidence
const defaultEntityConfidence = 0.5

// ParsePlan validates and normalizes a plan response.
// Subtasks with an unknown type are dropped and the rest are sorted by order.
func ParsePlan(text string) (*PlanResult, error) {
	doc, err := validated(OpPlan, schemas.Plan, text)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Hypothesis string   `json:"hypothesis"`
		Strategy   []string `json:"strategy"`
		SubTasks   []struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Order       *int   `json:"order"`
		} `json:"subtasks"`
		ExpectedEntities []string `json:"expected_entities"`
		EstimatedMinutes float64  `json:"estimated_duration_minutes"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, &Error{Operation: OpPlan, Message: "failed to decode response", Cause: err}
	}

	plan := &PlanResult{
		Hypothesis:       strings.TrimSpace(raw.Hypothesis),
		Strategy:         nonEmpty(raw.Strategy),
		ExpectedEntities: nonEmpty(raw.ExpectedEntities),
		EstimatedMinutes: int(math.Round(raw.EstimatedMinutes)),
	}
	for i, st := range raw.SubTasks {
		taskType := types.TaskType(strings.ToLower(strings.TrimSpace(st.Type)))
		desc := strings.TrimSpace(st.Description)
		if !taskType.Valid() || desc == "" {
			continue
		}
		order := i + 1
		if st.Order != nil {
			order = *st.Order
		}
		plan.SubTasks = append(plan.SubTasks, PlannedSubTask{Type: taskType, Description: desc, Order: order})
	}
	sort.SliceStable(plan.SubTasks, func(i, j int) bool {
		return plan.SubTasks[i].Order < plan.SubTasks[j].Order
	})
	return plan, nil
}

type rawEntity struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Aliases     []string       `json:"aliases"`
	Description string         `json:"description"`
	Confidence  *float64       `json:"confidence"`
	Metadata    map[string]any `json:"metadata"`
}

type rawRelationship struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Confidence  *float64 `json:"confidence"`
	Strength    *float64 `json:"strength"`
}

// rawEntityLink accepts either a bare entity name or {"name", "relevance", "quote"}
type rawEntityLink graph.EntityLinkInput

func (l *rawEntityLink) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &l.Name)
	}
	var obj graph.EntityLinkInput
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*l = rawEntityLink(obj)
	return nil
}

type rawEvidence struct {
	Type          string                        `json:"type"`
	Title         string                        `json:"title"`
	Content       string                        `json:"content"`
	Source        string                        `json:"source"`
	Credibility   string                        `json:"credibility"`
	Metadata      map[string]any                `json:"metadata"`
	Entities      []rawEntityLink               `json:"entities"`
	Relationships []graph.RelationshipLinkInput `json:"relationships"`
}

// ParseExecResult validates and normalizes a subtask response.
// Confidences are clamped to [0, 1], entities with an unknown type or no name are
// dropped and unknown relationship types become connected_to.
func ParseExecResult(text string) (*ExecResult, error) {
	doc, err := validated(OpExecute, schemas.SubtaskResult, text)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Entities      []rawEntity       `json:"entities"`
		Relationships []rawRelationship `json:"relationships"`
		Evidence      []rawEvidence     `json:"evidence"`
		Confidence    float64           `json:"confidence"`
		NextSteps     []string          `json:"next_steps"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, &Error{Operation: OpExecute, Message: "failed to decode response", Cause: err}
	}

	res := &ExecResult{
		Confidence: clamp(raw.Confidence),
		NextSteps:  nonEmpty(raw.NextSteps),
		Raw:        doc,
	}

	for _, e := range raw.Entities {
		name := strings.TrimSpace(e.Name)
		entityType := types.EntityType(strings.ToLower(strings.TrimSpace(e.Type)))
		if name == "" || !entityType.Valid() {
			continue
		}
		confidence := defaultEntityConfidence
		if e.Confidence != nil {
			confidence = clamp(*e.Confidence)
		}
		res.Entities = append(res.Entities, graph.EntityInput{
			Name:        name,
			Type:        entityType,
			Aliases:     nonEmpty(e.Aliases),
			Description: strings.TrimSpace(e.Description),
			Confidence:  confidence,
			Metadata:    e.Metadata,
		})
	}

	for _, r := range raw.Relationships {
		source, target := strings.TrimSpace(r.Source), strings.TrimSpace(r.Target)
		if source == "" || target == "" {
			continue
		}
		relType := types.RelationshipType(strings.ToLower(strings.TrimSpace(r.Type)))
		if !relType.Valid() {
			relType = types.RelConnectedTo
		}
		confidence := defaultEntityConfidence
		if r.Confidence != nil {
			confidence = clamp(*r.Confidence)
		}
		strength := confidence
		if r.Strength != nil {
			strength = clamp(*r.Strength)
		}
		res.Relationships = append(res.Relationships, graph.RelationshipInput{
			Source:      source,
			Target:      target,
			Type:        relType,
			Description: strings.TrimSpace(r.Description),
			Confidence:  confidence,
			Strength:    strength,
		})
	}

	for _, ev := range raw.Evidence {
		in := graph.EvidenceInput{
			Type:        types.EvidenceType(strings.ToLower(strings.TrimSpace(ev.Type))),
			Title:       strings.TrimSpace(ev.Title),
			Content:     strings.TrimSpace(ev.Content),
			SourceURL:   strings.TrimSpace(ev.Source),
			Credibility: types.Credibility(strings.ToLower(strings.TrimSpace(ev.Credibility))),
			Metadata:    ev.Metadata,
		}
		if in.Title == "" && in.Content == "" {
			continue
		}
		for _, l := range ev.Entities {
			if l.Name = strings.TrimSpace(l.Name); l.Name != "" {
				in.EntityLinks = append(in.EntityLinks, graph.EntityLinkInput(l))
			}
		}
		for _, l := range ev.Relationships {
			l.Source = strings.TrimSpace(l.Source)
			l.Target = strings.TrimSpace(l.Target)
			l.Strength = clamp(l.Strength)
			l.Type = types.RelationshipType(strings.ToLower(string(l.Type)))
			in.RelationshipLinks = append(in.RelationshipLinks, l)
		}
		res.Evidence = append(res.Evidence, in)
	}

	return res, nil
}

// ParseThought validates and normalizes a thought response.
// An unknown thought type becomes observation.
func ParseThought(text string) (*ThoughtResult, error) {
	doc, err := validated(OpThought, schemas.Thought, text)
	if err != nil {
		return nil, err
	}

	var raw struct {
		ThoughtType      string   `json:"thought_type"`
		Content          string   `json:"content"`
		ConfidenceBefore *float64 `json:"confidence_before"`
		ConfidenceAfter  *float64 `json:"confidence_after"`
		NextAction       string   `json:"next_action"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, &Error{Operation: OpThought, Message: "failed to decode response", Cause: err}
	}

	th := &ThoughtResult{
		Type:             types.ThoughtType(strings.ToLower(strings.TrimSpace(raw.ThoughtType))),
		Content:          strings.TrimSpace(raw.Content),
		ConfidenceBefore: 0.5,
		NextAction:       strings.TrimSpace(raw.NextAction),
	}
	if !th.Type.Valid() {
		th.Type = types.ThoughtObservation
	}
	if raw.ConfidenceBefore != nil {
		th.ConfidenceBefore = clamp(*raw.ConfidenceBefore)
	}
	th.ConfidenceAfter = th.ConfidenceBefore
	if raw.ConfidenceAfter != nil {
		th.ConfidenceAfter = clamp(*raw.ConfidenceAfter)
	}
	if th.Content == "" {
		return nil, &Error{Operation: OpThought, Message: "empty thought content"}
	}
	return th, nil
}

// validated strips any markdown fence and checks the document against a schema
func validated(op, schema, text string) (json.RawMessage, error) {
	cleaned := llm.CleanJSONBlock(text)
	if cleaned == "" {
		return nil, &Error{Operation: op, Message: "empty response"}
	}
	if err := schemas.Validate(schema, cleaned); err != nil {
		return nil, &Error{Operation: op, Message: "response failed schema validation", Cause: err}
	}
	return json.RawMessage(cleaned), nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// summarizeByKind renders "  - Kind: n" lines for report prompts
func summarizeByKind(kinds []string, empty string) string {
	if len(kinds) == 0 {
		return empty
	}
	counts := make(map[string]int)
	var order []string
	for _, k := range kinds {
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}
	var sb strings.Builder
	for i, k := range order {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("  - %s: %d", strings.ReplaceAll(k, "_", " "), counts[k]))
	}
	return sb.String()
}
