package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

// Fake is a scriptable in-process Gateway. Unset functions fall back to simple
// canned responses.
type Fake struct {
	PlanFunc    func(ctx context.Context, req PlanRequest) (*PlanResult, error)
	ExecuteFunc func(ctx context.Context, task string, ec ExecContext) (*ExecResult, error)
	ThoughtFunc func(ctx context.Context, req ThoughtRequest) (*ThoughtResult, error)
	ReportFunc  func(ctx context.Context, req ReportRequest) (*ReportResult, error)

	mu       sync.Mutex
	calls    map[string]int
	executed []string
}

func (f *Fake) record(op, task string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	if op == OpExecute {
		f.executed = append(f.executed, task)
	}
}

// Calls returns how many times op was invoked
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Executed returns the subtask descriptions passed to Execute, in call order
func (f *Fake) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func (f *Fake) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	f.record(OpPlan, "")
	if f.PlanFunc != nil {
		return f.PlanFunc(ctx, req)
	}
	return FallbackPlan(req.Query), nil
}

func (f *Fake) Execute(ctx context.Context, task string, ec ExecContext) (*ExecResult, error) {
	f.record(OpExecute, task)
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, task, ec)
	}
	return &ExecResult{Confidence: 0.5, Raw: json.RawMessage(`{"confidence":0.5}`), Usage: Usage{Operation: OpExecute, APICalls: 1}}, nil
}

func (f *Fake) Thought(ctx context.Context, req ThoughtRequest) (*ThoughtResult, error) {
	f.record(OpThought, "")
	if f.ThoughtFunc != nil {
		return f.ThoughtFunc(ctx, req)
	}
	th := FallbackThought(req.NewInformation)
	th.Usage = Usage{Operation: OpThought, APICalls: 1}
	return th, nil
}

func (f *Fake) Report(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	f.record(OpReport, "")
	if f.ReportFunc != nil {
		return f.ReportFunc(ctx, req)
	}
	return &ReportResult{Title: req.Title, Content: "# " + req.Title, Usage: Usage{Operation: OpReport, APICalls: 1}}, nil
}
