package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/investigator/internal/llm"
	"github.com/jonathan/investigator/internal/types"
)

// stubClient is an llm.Client that answers from a queue of replies
type stubClient struct {
	mu      sync.Mutex
	replies []string
	err     error
	block   bool
	prompts []string
	tiers   []llm.ModelTier
}

func (s *stubClient) next(ctx context.Context, prompt string, tier llm.ModelTier) (*llm.Response, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.tiers = append(s.tiers, tier)
	block, err := s.block, s.err
	var text string
	if len(s.replies) > 0 {
		text, s.replies = s.replies[0], s.replies[1:]
	}
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: "stub-model", InputTokens: 100, OutputTokens: 50, CostUSD: 0.001}, nil
}

func (s *stubClient) GenerateContent(ctx context.Context, prompt string, tier llm.ModelTier) (*llm.Response, error) {
	return s.next(ctx, prompt, tier)
}

func (s *stubClient) GenerateJSON(ctx context.Context, prompt string, tier llm.ModelTier) (*llm.Response, error) {
	resp, err := s.next(ctx, prompt, tier)
	if err != nil {
		return nil, err
	}
	resp.Text = llm.CleanJSONBlock(resp.Text)
	return resp, nil
}

func (s *stubClient) GetModel(llm.ModelTier) string { return "stub-model" }
func (s *stubClient) Close() error                  { return nil }

func TestParsePlan(t *testing.T) {
	text := "```json\n" + `{
		"hypothesis": "  Acme Corp is controlled by a holding company ",
		"strategy": ["search registries", ""],
		"subtasks": [
			{"type": "web_search", "description": "Search filings", "order": 2},
			{"type": "Entity_Extraction", "description": "Extract officers", "order": 1},
			{"type": "phone_call", "description": "Call Acme", "order": 3}
		],
		"expected_entities": ["Acme Corp"],
		"estimated_duration_minutes": 44.6
	}` + "\n```"

	plan, err := ParsePlan(text)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp is controlled by a holding company", plan.Hypothesis)
	assert.Equal(t, []string{"search registries"}, plan.Strategy)
	assert.Equal(t, 45, plan.EstimatedMinutes)
	require.Len(t, plan.SubTasks, 2)
	assert.Equal(t, PlannedSubTask{Type: types.TaskEntityExtraction, Description: "Extract officers", Order: 1}, plan.SubTasks[0])
	assert.Equal(t, types.TaskWebSearch, plan.SubTasks[1].Type)
}

func TestParsePlan_MissingOrderUsesPosition(t *testing.T) {
	plan, err := ParsePlan(`{"hypothesis": "h", "subtasks": [{"type": "web_search", "description": "a"}, {"type": "web_search", "description": "b"}]}`)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.SubTasks[0].Order)
	assert.Equal(t, 2, plan.SubTasks[1].Order)
}

func TestParsePlan_Rejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", "   "},
		{"prose", "I could not create a plan."},
		{"missing subtasks", `{"hypothesis": "h"}`},
		{"malformed", `{"hypothesis": "h", "subtasks": [}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.text)
			var gwErr *Error
			require.True(t, errors.As(err, &gwErr), "got %v", err)
			assert.Equal(t, OpPlan, gwErr.Operation)
			assert.False(t, gwErr.Transport)
		})
	}
}

func TestParseExecResult_Normalizes(t *testing.T) {
	text := `{
		"entities": [
			{"name": " Acme Corp ", "type": "Company", "aliases": ["Acme", " "], "confidence": 1.4},
			{"name": "John Smith", "type": "person"},
			{"name": "Mystery", "type": "spaceship", "confidence": 0.9},
			{"name": "", "type": "person", "confidence": 0.9}
		],
		"relationships": [
			{"source": "John Smith", "target": "Acme Corp", "type": "owns", "confidence": 0.9},
			{"source": "John Smith", "target": "Acme Corp", "type": "advises", "confidence": -2, "strength": 0.3}
		],
		"evidence": [
			{"title": "Registry filing", "source": "https://registry.example/acme", "content": "John Smith listed as owner",
			 "credibility": "HIGH", "entities": ["Acme Corp", {"name": "John Smith", "relevance": "primary", "quote": "owner"}],
			 "relationships": [{"source": " John Smith", "target": "Acme Corp ", "type": "OWNS", "strength": 1.5}]},
			{"title": "", "content": ""}
		],
		"confidence": 0.8,
		"next_steps": ["check subsidiaries"]
	}`

	res, err := ParseExecResult(text)
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, []string{"check subsidiaries"}, res.NextSteps)
	assert.JSONEq(t, text, string(res.Raw))

	require.Len(t, res.Entities, 2)
	assert.Equal(t, "Acme Corp", res.Entities[0].Name)
	assert.Equal(t, types.EntityCompany, res.Entities[0].Type)
	assert.Equal(t, 1.0, res.Entities[0].Confidence)
	assert.Equal(t, []string{"Acme"}, res.Entities[0].Aliases)
	assert.Equal(t, defaultEntityConfidence, res.Entities[1].Confidence)

	require.Len(t, res.Relationships, 2)
	assert.Equal(t, types.RelOwns, res.Relationships[0].Type)
	assert.Equal(t, 0.9, res.Relationships[0].Strength)
	assert.Equal(t, types.RelConnectedTo, res.Relationships[1].Type)
	assert.Equal(t, 0.0, res.Relationships[1].Confidence)
	assert.Equal(t, 0.3, res.Relationships[1].Strength)

	require.Len(t, res.Evidence, 1)
	ev := res.Evidence[0]
	assert.Equal(t, types.CredibilityHigh, ev.Credibility)
	assert.Equal(t, "https://registry.example/acme", ev.SourceURL)
	require.Len(t, ev.EntityLinks, 2)
	assert.Equal(t, "Acme Corp", ev.EntityLinks[0].Name)
	assert.Equal(t, types.RelevancePrimary, ev.EntityLinks[1].Relevance)
	assert.Equal(t, "owner", ev.EntityLinks[1].Quote)
	require.Len(t, ev.RelationshipLinks, 1)
	link := ev.RelationshipLinks[0]
	assert.Equal(t, "John Smith", link.Source)
	assert.Equal(t, "Acme Corp", link.Target)
	assert.Equal(t, types.RelOwns, link.Type)
	assert.Equal(t, 1.0, link.Strength)
}

func TestParseExecResult_SchemaViolation(t *testing.T) {
	_, err := ParseExecResult(`{"entities": [{"name": "Acme"}], "confidence": 0.5}`)
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, OpExecute, gwErr.Operation)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestParseThought(t *testing.T) {
	th, err := ParseThought(`{"thought_type": "musing", "content": "Ownership looks indirect", "confidence_after": 0.7}`)
	require.NoError(t, err)
	assert.Equal(t, types.ThoughtObservation, th.Type)
	assert.Equal(t, 0.5, th.ConfidenceBefore)
	assert.Equal(t, 0.7, th.ConfidenceAfter)

	_, err = ParseThought(`{"content": "   "}`)
	assert.Error(t, err)
}

func TestFallbacks(t *testing.T) {
	plan := FallbackPlan("Who owns Acme Corp?")
	assert.Equal(t, "Investigating: Who owns Acme Corp?", plan.Hypothesis)
	require.Len(t, plan.SubTasks, 2)
	assert.Equal(t, PlannedSubTask{Type: types.TaskEntityExtraction, Description: "Extract entities from query", Order: 1}, plan.SubTasks[0])
	assert.Equal(t, PlannedSubTask{Type: types.TaskWebSearch, Description: "Search for relevant information", Order: 2}, plan.SubTasks[1])

	th := FallbackThought("found 2 entities")
	assert.Equal(t, types.ThoughtObservation, th.Type)
	assert.Equal(t, "found 2 entities", th.Content)
	assert.Equal(t, 0.5, th.ConfidenceBefore)
	assert.Equal(t, 0.5, th.ConfidenceAfter)
}

func TestReasoner_Plan(t *testing.T) {
	client := &stubClient{replies: []string{`{"hypothesis": "h", "subtasks": [{"type": "web_search", "description": "s", "order": 1}], "estimated_duration_minutes": 30}`}}
	r := NewReasoner(client, time.Second, nil)

	plan, err := r.Plan(context.Background(), PlanRequest{Query: "Who owns Acme Corp?", FocusAreas: []string{"offshore"}, Depth: DepthShallow})
	require.NoError(t, err)
	assert.Equal(t, 30, plan.EstimatedMinutes)
	assert.Equal(t, Usage{Operation: OpPlan, Model: "stub-model", APICalls: 1, CostUSD: 0.001}, plan.Usage)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Who owns Acme Corp?")
	assert.Contains(t, client.prompts[0], "offshore")
	assert.Contains(t, client.prompts[0], "3-5 research subtasks")
	assert.NotContains(t, client.prompts[0], "{{.")
	assert.Equal(t, llm.TierAdvanced, client.tiers[0])
}

func TestReasoner_Execute(t *testing.T) {
	client := &stubClient{replies: []string{"```json\n{\"entities\": [{\"name\": \"Acme Corp\", \"type\": \"company\", \"confidence\": 0.9}], \"confidence\": 0.7}\n```"}}
	r := NewReasoner(client, time.Second, nil)

	res, err := r.Execute(context.Background(), "Search filings", ExecContext{
		TaskType:      types.TaskWebSearch,
		Query:         "Who owns Acme Corp?",
		Phase:         types.PhaseResearching,
		KnownEntities: []string{"John Smith"},
		SearchResults: "1. Acme filing",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, res.Confidence)
	require.Len(t, res.Entities, 1)

	prompt := client.prompts[0]
	assert.Contains(t, prompt, "TASK (web_search): Search filings")
	assert.Contains(t, prompt, "John Smith")
	assert.Contains(t, prompt, "1. Acme filing")
	assert.Equal(t, llm.TierStandard, client.tiers[0])

	inv := &types.Investigation{ID: uuid.New()}
	task := &types.SubTask{ID: uuid.New()}
	in := res.MergeInput(inv, task)
	assert.Equal(t, inv.ID, in.InvestigationID)
	require.NotNil(t, in.TaskID)
	assert.Equal(t, task.ID, *in.TaskID)
}

func TestReasoner_Report(t *testing.T) {
	client := &stubClient{replies: []string{"# Executive Summary\n\nAcme Corp is owned by John Smith."}}
	r := NewReasoner(client, time.Second, nil)

	rep, err := r.Report(context.Background(), ReportRequest{
		Title: "Acme ownership",
		Entities: []types.Entity{
			{EntityType: types.EntityCompany}, {EntityType: types.EntityPerson}, {EntityType: types.EntityCompany},
		},
		Relationships: []types.Relationship{{RelationshipType: types.RelWorksFor}},
		EvidenceCount: 4,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rep.Content, "# Executive Summary"))

	prompt := client.prompts[0]
	assert.Contains(t, prompt, "executive summary investigation report")
	assert.Contains(t, prompt, "  - company: 2")
	assert.Contains(t, prompt, "  - works for: 1")
	assert.Contains(t, prompt, "Evidence collected: 4")
}

func TestReasoner_ModelFailure(t *testing.T) {
	r := NewReasoner(&stubClient{err: fmt.Errorf("quota exceeded")}, time.Second, nil)

	_, err := r.Thought(context.Background(), ThoughtRequest{NewInformation: "x"})
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.True(t, gwErr.Transport)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestReasoner_Timeout(t *testing.T) {
	r := NewReasoner(&stubClient{block: true}, 20*time.Millisecond, nil)

	_, err := r.Execute(context.Background(), "slow", ExecContext{})
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "model call timed out", gwErr.Message)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBreaker_TripsOnTransportFailures(t *testing.T) {
	failing := &Fake{ExecuteFunc: func(context.Context, string, ExecContext) (*ExecResult, error) {
		return nil, &Error{Operation: OpExecute, Message: "model call failed", Transport: true}
	}}
	config := DefaultBreakerConfig()
	config.Name = "test-trips"
	config.MinRequests = 3
	config.FailureThreshold = 0.5
	b := NewBreaker(failing, config, nil)

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), "t", ExecContext{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Execute(context.Background(), "t", ExecContext{})
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "circuit open", gwErr.Message)
	assert.Equal(t, 3, failing.Calls(OpExecute))
}

func TestBreaker_ParseFailuresDoNotTrip(t *testing.T) {
	invalid := &Fake{PlanFunc: func(context.Context, PlanRequest) (*PlanResult, error) {
		return nil, &Error{Operation: OpPlan, Message: "response failed schema validation"}
	}}
	config := DefaultBreakerConfig()
	config.Name = "test-parse"
	config.MinRequests = 2
	b := NewBreaker(invalid, config, nil)

	for i := 0; i < 5; i++ {
		_, err := b.Plan(context.Background(), PlanRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 5, invalid.Calls(OpPlan))
}

func TestBreaker_PassesResults(t *testing.T) {
	b := NewBreaker(&Fake{}, DefaultBreakerConfig(), nil)
	plan, err := b.Plan(context.Background(), PlanRequest{Query: "q"})
	require.NoError(t, err)
	assert.Len(t, plan.SubTasks, 2)

	rep, err := b.Report(context.Background(), ReportRequest{Title: "T"})
	require.NoError(t, err)
	assert.Equal(t, "# T", rep.Content)
}

func TestFake_RecordsCalls(t *testing.T) {
	f := &Fake{}
	_, _ = f.Execute(context.Background(), "first", ExecContext{})
	_, _ = f.Execute(context.Background(), "second", ExecContext{})
	_, _ = f.Thought(context.Background(), ThoughtRequest{NewInformation: "n"})

	assert.Equal(t, []string{"first", "second"}, f.Executed())
	assert.Equal(t, 2, f.Calls(OpExecute))
	assert.Equal(t, 1, f.Calls(OpThought))
	assert.Equal(t, 0, f.Calls(OpPlan))
}
