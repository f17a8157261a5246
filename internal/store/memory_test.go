package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_InvestigationRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inv := &types.Investigation{Title: "Acme", InitialQuery: "Who owns Acme?", Status: types.StatusPending}
	require.NoError(t, m.CreateInvestigation(ctx, inv))
	require.NotEqual(t, uuid.Nil, inv.ID)

	got, err := m.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme", got.Title)

	// returned values are copies
	got.Title = "changed"
	again, _ := m.GetInvestigation(ctx, inv.ID)
	assert.Equal(t, "Acme", again.Title)

	missing, err := m.GetInvestigation(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = m.UpdateInvestigation(ctx, &types.Investigation{ID: uuid.New()})
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestMemory_ListInvestigationsByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, s := range []types.InvestigationStatus{types.StatusRunning, types.StatusPaused, types.StatusCompleted} {
		require.NoError(t, m.CreateInvestigation(ctx, &types.Investigation{Status: s}))
	}

	running, err := m.ListInvestigations(ctx, types.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	all, err := m.ListInvestigations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemory_ListStuckInvestigations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-25 * time.Hour)
	recent := now.Add(-time.Hour)

	stuckRunning := &types.Investigation{Status: types.StatusRunning, StartedAt: &old, CreatedAt: old}
	oldPending := &types.Investigation{Status: types.StatusPending, CreatedAt: old}
	oldPaused := &types.Investigation{Status: types.StatusPaused, StartedAt: &old, CreatedAt: old}
	fresh := &types.Investigation{Status: types.StatusRunning, StartedAt: &recent, CreatedAt: old}
	done := &types.Investigation{Status: types.StatusCompleted, StartedAt: &old, CreatedAt: old}
	for _, inv := range []*types.Investigation{stuckRunning, oldPending, oldPaused, fresh, done} {
		require.NoError(t, m.CreateInvestigation(ctx, inv))
	}

	stuck, err := m.ListStuckInvestigations(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	ids := []uuid.UUID{}
	for _, inv := range stuck {
		ids = append(ids, inv.ID)
	}
	assert.Equal(t, []uuid.UUID{stuckRunning.ID}, ids, "only running investigations count as stuck")
}

func TestMemory_SubTasksOrderedByOrderThenSeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	invID := uuid.New()

	batch := []types.SubTask{
		{InvestigationID: invID, TaskType: types.TaskWebSearch, Description: "c", Order: 2},
		{InvestigationID: invID, TaskType: types.TaskWebSearch, Description: "a", Order: 1},
		{InvestigationID: invID, TaskType: types.TaskWebSearch, Description: "b", Order: 1},
	}
	require.NoError(t, m.CreateSubTasks(ctx, batch))

	list, err := m.ListSubTasks(ctx, invID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].Description, list[1].Description, list[2].Description})
	assert.Equal(t, types.SubTaskPending, list[0].Status)
	assert.Less(t, list[0].Seq, list[1].Seq)
}

func TestMemory_CreateSubTasksIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	invID := uuid.New()
	dup := uuid.New()

	require.NoError(t, m.CreateSubTasks(ctx, []types.SubTask{{ID: dup, InvestigationID: invID}}))
	err := m.CreateSubTasks(ctx, []types.SubTask{{InvestigationID: invID}, {ID: dup, InvestigationID: invID}})
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))

	list, _ := m.ListSubTasks(ctx, invID)
	assert.Len(t, list, 1)
}

func TestMemory_ThoughtSequence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	invID := uuid.New()

	for i := 0; i < 3; i++ {
		th := &types.Thought{InvestigationID: invID, ThoughtType: types.ThoughtObservation, Content: "x"}
		require.NoError(t, m.AppendThought(ctx, th))
		assert.Equal(t, i+1, th.Sequence)
	}
	list, err := m.ListThoughts(ctx, invID)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestMemory_UsageTotalsAreDerivedFromLedger(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	invID := uuid.New()

	require.NoError(t, m.AppendUsage(ctx, &types.UsageRecord{InvestigationID: invID, Operation: "plan", APICalls: 1, CostUSD: 0.01}))
	require.NoError(t, m.AppendUsage(ctx, &types.UsageRecord{InvestigationID: invID, Operation: "execute", APICalls: 2, CostUSD: 0.02}))

	totals, err := m.UsageTotals(ctx, invID)
	require.NoError(t, err)
	assert.Equal(t, 3, totals.APICalls)
	assert.InDelta(t, 0.03, totals.CostUSD, 1e-9)
}

func TestMemory_SavePlanReplaces(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	invID := uuid.New()

	p := &types.Plan{InvestigationID: invID, Hypothesis: "first"}
	require.NoError(t, m.SavePlan(ctx, p))
	firstID := p.ID

	p2 := &types.Plan{InvestigationID: invID, Hypothesis: "second"}
	require.NoError(t, m.SavePlan(ctx, p2))
	assert.Equal(t, firstID, p2.ID)

	got, err := m.GetPlan(ctx, invID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Hypothesis)
}

func TestMemory_SetEntityPosition(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	invID := uuid.New()

	var id uuid.UUID
	require.NoError(t, m.InTx(ctx, func(tx graph.Tx) error {
		e, _, err := tx.UpsertEntity(ctx, &types.Entity{InvestigationID: invID, Name: "A", EntityType: types.EntityPerson})
		id = e.ID
		return err
	}))

	e, err := m.SetEntityPosition(ctx, id, types.Position{X: 10, Y: 20})
	require.NoError(t, err)
	require.NotNil(t, e.Position)
	assert.Equal(t, 10.0, e.Position.X)

	missing, err := m.SetEntityPosition(ctx, uuid.New(), types.Position{})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_FindEntityByNamePrefersExactName(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	invID := uuid.New()

	require.NoError(t, m.InTx(ctx, func(tx graph.Tx) error {
		if _, _, err := tx.UpsertEntity(ctx, &types.Entity{
			InvestigationID: invID, Name: "Acme Holdings", EntityType: types.EntityCompany, Aliases: []string{"Acme"},
		}); err != nil {
			return err
		}
		_, _, err := tx.UpsertEntity(ctx, &types.Entity{InvestigationID: invID, Name: "Acme", EntityType: types.EntityCompany})
		return err
	}))

	require.NoError(t, m.InTx(ctx, func(tx graph.Tx) error {
		e, err := tx.FindEntityByName(ctx, invID, "Acme")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "Acme", e.Name)

		byAlias, err := tx.FindEntityByName(ctx, uuid.New(), "Acme")
		require.NoError(t, err)
		assert.Nil(t, byAlias, "lookups are scoped to the investigation")
		return nil
	}))
}
