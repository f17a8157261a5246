//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectFocusRequest_Validation(t *testing.T) {
	tests := []struct {
		name    string
		request RedirectFocusRequest
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid request",
			request: RedirectFocusRequest{NewFocus: "offshore accounts", Priority: PriorityHigh},
		},
		{
			name:    "missing focus",
			request: RedirectFocusRequest{Priority: PriorityLow},
			wantErr: true,
			errMsg:  "required",
		},
		{
			name:    "unknown priority",
			request: RedirectFocusRequest{NewFocus: "x", Priority: "urgent"},
			wantErr: true,
			errMsg:  "oneof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateInvestigationRequest_Validation(t *testing.T) {
	ok := CreateInvestigationRequest{Title: "Acme", InitialQuery: "Who owns Acme Corp?"}
	assert.NoError(t, ok.Validate())

	missing := CreateInvestigationRequest{Title: "Acme"}
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InitialQuery")
}

func TestMoveEntityRequest_Validation(t *testing.T) {
	assert.Error(t, (&MoveEntityRequest{X: 1, Y: 2}).Validate())
	assert.NoError(t, (&MoveEntityRequest{EntityID: uuid.New(), X: 1, Y: 2}).Validate())
}

func TestChangeLayoutRequest_Validation(t *testing.T) {
	assert.NoError(t, (&ChangeLayoutRequest{Layout: "force"}).Validate())
	assert.Error(t, (&ChangeLayoutRequest{Layout: "spiral"}).Validate())
}

func TestInvestigationStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.False(t, InvestigationStatus("archived").Valid())
}

func TestSubTask_ReadyAt(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	assert.True(t, (&SubTask{Status: SubTaskPending}).ReadyAt(now))
	assert.True(t, (&SubTask{Status: SubTaskPending, NextAttemptAt: &earlier}).ReadyAt(now))
	assert.False(t, (&SubTask{Status: SubTaskPending, NextAttemptAt: &later}).ReadyAt(now))
	assert.False(t, (&SubTask{Status: SubTaskInProgress}).ReadyAt(now))
}

func TestSubTask_Before(t *testing.T) {
	a := &SubTask{Order: 1, Seq: 5}
	b := &SubTask{Order: 2, Seq: 1}
	c := &SubTask{Order: 1, Seq: 6}

	assert.True(t, a.Before(b))
	assert.True(t, a.Before(c))
	assert.False(t, b.Before(c))
}

func TestCountSubTasks(t *testing.T) {
	tasks := []SubTask{
		{Status: SubTaskCompleted},
		{Status: SubTaskCompleted},
		{Status: SubTaskFailed},
		{Status: SubTaskPending},
		{Status: SubTaskInProgress},
	}
	c := CountSubTasks(tasks)
	assert.Equal(t, SubTaskCounts{Total: 5, Pending: 1, InProgress: 1, Completed: 2, Failed: 1}, c)
	assert.False(t, c.Settled())

	settled := CountSubTasks(tasks[:3])
	assert.True(t, settled.Settled())
	assert.False(t, SubTaskCounts{}.Settled())
}

func TestEntity_CloneIsIndependent(t *testing.T) {
	task := uuid.New()
	e := &Entity{
		Name:             "Acme Corp",
		Aliases:          []string{"Acme"},
		Metadata:         map[string]any{"hq": "Springfield"},
		Position:         &Position{X: 1, Y: 2},
		DiscoveredByTask: &task,
	}
	c := e.Clone()
	c.Aliases[0] = "Other"
	c.Metadata["hq"] = "Shelbyville"
	c.Position.X = 99

	assert.Equal(t, "Acme", e.Aliases[0])
	assert.Equal(t, "Springfield", e.Metadata["hq"])
	assert.Equal(t, float64(1), e.Position.X)
	assert.True(t, e.HasAlias("Acme"))
	assert.False(t, e.HasAlias("Acme Corp"))
}

func TestPlan_FocusAreas(t *testing.T) {
	p := &Plan{PriorityAreas: []PriorityArea{{Focus: "b"}, {Focus: "a"}}}
	assert.Equal(t, []string{"b", "a"}, p.FocusAreas())
	assert.Nil(t, (*Plan)(nil).FocusAreas())
}

func TestInvestigation_JSONFieldNames(t *testing.T) {
	inv := Investigation{ID: uuid.New(), Status: StatusRunning, Phase: PhaseResearching, ProgressPercentage: 38}
	data, err := json.Marshal(inv)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "running", m["status"])
	assert.Equal(t, "researching", m["current_phase"])
	assert.Equal(t, float64(38), m["progress_percentage"])
	assert.NotContains(t, m, "started_at")
}
