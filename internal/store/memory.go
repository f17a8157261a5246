package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/types"
)

type entityKey struct {
	investigationID uuid.UUID
	name            string
	entityType      types.EntityType
}

type relationshipKey struct {
	investigationID uuid.UUID
	source          uuid.UUID
	target          uuid.UUID
	relType         types.RelationshipType
}

// Memory is an in-process Store. Graph transactions are serialized by a single
// lock and applied on commit, so a failed transaction leaves no trace.
type Memory struct {
	mu  sync.RWMutex
	now func() time.Time
	seq int64

	investigations map[uuid.UUID]*types.Investigation
	plans          map[uuid.UUID]*types.Plan
	subtasks       map[uuid.UUID]*types.SubTask
	thoughts       map[uuid.UUID][]types.Thought
	reports        map[uuid.UUID][]types.Report
	usage          map[uuid.UUID][]types.UsageRecord

	entities          map[uuid.UUID]*types.Entity
	entityKeys        map[entityKey]uuid.UUID
	relationships     map[uuid.UUID]*types.Relationship
	relationshipKeys  map[relationshipKey]uuid.UUID
	evidence          map[uuid.UUID][]types.Evidence
	entityLinks       []types.EvidenceEntityLink
	relationshipLinks []types.EvidenceRelationshipLink
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		now:              time.Now,
		investigations:   make(map[uuid.UUID]*types.Investigation),
		plans:            make(map[uuid.UUID]*types.Plan),
		subtasks:         make(map[uuid.UUID]*types.SubTask),
		thoughts:         make(map[uuid.UUID][]types.Thought),
		reports:          make(map[uuid.UUID][]types.Report),
		usage:            make(map[uuid.UUID][]types.UsageRecord),
		entities:         make(map[uuid.UUID]*types.Entity),
		entityKeys:       make(map[entityKey]uuid.UUID),
		relationships:    make(map[uuid.UUID]*types.Relationship),
		relationshipKeys: make(map[relationshipKey]uuid.UUID),
		evidence:         make(map[uuid.UUID][]types.Evidence),
	}
}

// SetClock overrides the time source used for row timestamps
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

var _ Store = (*Memory)(nil)

// ---- Investigations ----

// CreateInvestigation stores a new investigation
func (m *Memory) CreateInvestigation(_ context.Context, inv *types.Investigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	m.investigations[inv.ID] = inv.Clone()
	return nil
}

// GetInvestigation returns a copy of the investigation or nil
func (m *Memory) GetInvestigation(_ context.Context, id uuid.UUID) (*types.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.investigations[id].Clone(), nil
}

// UpdateInvestigation replaces the stored investigation
func (m *Memory) UpdateInvestigation(_ context.Context, inv *types.Investigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.investigations[inv.ID]; !ok {
		return &NotFoundError{Kind: "investigation", ID: inv.ID}
	}
	inv.UpdatedAt = m.now()
	m.investigations[inv.ID] = inv.Clone()
	return nil
}

// ListInvestigations returns investigations in any of statuses (all when none given), oldest first
func (m *Memory) ListInvestigations(_ context.Context, statuses ...types.InvestigationStatus) ([]types.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Investigation, 0, len(m.investigations))
	for _, inv := range m.investigations {
		if len(statuses) > 0 && !containsStatus(statuses, inv.Status) {
			continue
		}
		out = append(out, *inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListStuckInvestigations returns running investigations started before cutoff
func (m *Memory) ListStuckInvestigations(_ context.Context, cutoff time.Time) ([]types.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Investigation
	for _, inv := range m.investigations {
		if inv.Status == types.StatusRunning && inv.StartedAt != nil && inv.StartedAt.Before(cutoff) {
			out = append(out, *inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsStatus(list []types.InvestigationStatus, s types.InvestigationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---- Plans ----

// SavePlan inserts or replaces the investigation's plan
func (m *Memory) SavePlan(_ context.Context, plan *types.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.plans[plan.InvestigationID]; ok {
		plan.ID = existing.ID
		plan.CreatedAt = existing.CreatedAt
	} else {
		if plan.ID == uuid.Nil {
			plan.ID = uuid.New()
		}
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	m.plans[plan.InvestigationID] = plan.Clone()
	return nil
}

// GetPlan returns the investigation's plan or nil
func (m *Memory) GetPlan(_ context.Context, investigationID uuid.UUID) (*types.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plans[investigationID].Clone(), nil
}

// ---- Subtasks ----

// CreateSubTasks inserts the batch and assigns ids and sequence numbers
func (m *Memory) CreateSubTasks(_ context.Context, tasks []types.SubTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i := range tasks {
		if tasks[i].ID == uuid.Nil {
			tasks[i].ID = uuid.New()
		}
		if _, ok := m.subtasks[tasks[i].ID]; ok {
			return &ConflictError{Kind: "subtask", ID: tasks[i].ID}
		}
	}
	for i := range tasks {
		m.seq++
		tasks[i].Seq = m.seq
		if tasks[i].Status == "" {
			tasks[i].Status = types.SubTaskPending
		}
		tasks[i].CreatedAt = now
		m.subtasks[tasks[i].ID] = tasks[i].Clone()
	}
	return nil
}

// GetSubTask returns a copy of the subtask or nil
func (m *Memory) GetSubTask(_ context.Context, id uuid.UUID) (*types.SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subtasks[id].Clone(), nil
}

// ListSubTasks returns the investigation's subtasks ordered by (order, seq)
func (m *Memory) ListSubTasks(_ context.Context, investigationID uuid.UUID) ([]types.SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.SubTask
	for _, t := range m.subtasks {
		if t.InvestigationID == investigationID {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

// UpdateSubTask replaces the stored subtask
func (m *Memory) UpdateSubTask(_ context.Context, task *types.SubTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subtasks[task.ID]; !ok {
		return &NotFoundError{Kind: "subtask", ID: task.ID}
	}
	m.subtasks[task.ID] = task.Clone()
	return nil
}

// ---- Thoughts ----

// AppendThought stores th with the next sequence number
func (m *Memory) AppendThought(_ context.Context, th *types.Thought) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th.ID == uuid.Nil {
		th.ID = uuid.New()
	}
	if th.Timestamp.IsZero() {
		th.Timestamp = m.now()
	}
	list := m.thoughts[th.InvestigationID]
	th.Sequence = len(list) + 1
	m.thoughts[th.InvestigationID] = append(list, *th)
	return nil
}

// ListThoughts returns the thought chain in sequence order
func (m *Memory) ListThoughts(_ context.Context, investigationID uuid.UUID) ([]types.Thought, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Thought(nil), m.thoughts[investigationID]...), nil
}

// ---- Reports ----

// SaveReport appends a report
func (m *Memory) SaveReport(_ context.Context, r *types.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = m.now()
	m.reports[r.InvestigationID] = append(m.reports[r.InvestigationID], *r)
	return nil
}

// ListReports returns the investigation's reports oldest first
func (m *Memory) ListReports(_ context.Context, investigationID uuid.UUID) ([]types.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Report(nil), m.reports[investigationID]...), nil
}

// ---- Usage ledger ----

// AppendUsage appends a ledger row
func (m *Memory) AppendUsage(_ context.Context, u *types.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = m.now()
	m.usage[u.InvestigationID] = append(m.usage[u.InvestigationID], *u)
	return nil
}

// UsageTotals sums the ledger for an investigation
func (m *Memory) UsageTotals(_ context.Context, investigationID uuid.UUID) (types.UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t types.UsageTotals
	for _, u := range m.usage[investigationID] {
		t.APICalls += u.APICalls
		t.CostUSD += u.CostUSD
	}
	return t, nil
}

// ---- Knowledge graph reads ----

// GetEntity returns a copy of the entity or nil
func (m *Memory) GetEntity(_ context.Context, id uuid.UUID) (*types.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entities[id].Clone(), nil
}

// ListEntities returns the investigation's entities oldest first
func (m *Memory) ListEntities(_ context.Context, investigationID uuid.UUID) ([]types.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Entity
	for _, e := range m.entities {
		if e.InvestigationID == investigationID {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListRelationships returns the investigation's relationships oldest first
func (m *Memory) ListRelationships(_ context.Context, investigationID uuid.UUID) ([]types.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Relationship
	for _, r := range m.relationships {
		if r.InvestigationID == investigationID {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListEvidence returns the investigation's evidence in insertion order
func (m *Memory) ListEvidence(_ context.Context, investigationID uuid.UUID) ([]types.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Evidence(nil), m.evidence[investigationID]...), nil
}

// GraphCounts counts the investigation's entities, relationships and evidence
func (m *Memory) GraphCounts(_ context.Context, investigationID uuid.UUID) (types.GraphCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c types.GraphCounts
	for _, e := range m.entities {
		if e.InvestigationID == investigationID {
			c.Entities++
		}
	}
	for _, r := range m.relationships {
		if r.InvestigationID == investigationID {
			c.Relationships++
		}
	}
	c.Evidence = len(m.evidence[investigationID])
	return c, nil
}

// SetEntityPosition records a user placement on the board
func (m *Memory) SetEntityPosition(_ context.Context, entityID uuid.UUID, pos types.Position) (*types.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[entityID]
	if !ok {
		return nil, nil
	}
	p := pos
	e.Position = &p
	e.UpdatedAt = m.now()
	return e.Clone(), nil
}

// EvidenceEntityLinks returns all entity links of the given evidence
func (m *Memory) EvidenceEntityLinks(evidenceID uuid.UUID) []types.EvidenceEntityLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.EvidenceEntityLink
	for _, l := range m.entityLinks {
		if l.EvidenceID == evidenceID {
			out = append(out, l)
		}
	}
	return out
}

// EvidenceRelationshipLinks returns all relationship links of the given evidence
func (m *Memory) EvidenceRelationshipLinks(evidenceID uuid.UUID) []types.EvidenceRelationshipLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.EvidenceRelationshipLink
	for _, l := range m.relationshipLinks {
		if l.EvidenceID == evidenceID {
			out = append(out, l)
		}
	}
	return out
}

// ---- Graph transactions ----

// InTx runs fn against a staged view of the graph and applies it only if fn succeeds
func (m *Memory) InTx(ctx context.Context, fn func(tx graph.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:             m,
		now:           m.now(),
		entities:      make(map[uuid.UUID]*types.Entity),
		entityKeys:    make(map[entityKey]uuid.UUID),
		relationships: make(map[uuid.UUID]*types.Relationship),
		relKeys:       make(map[relationshipKey]uuid.UUID),
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx overlays staged writes on the committed maps; the store lock is held throughout
type memTx struct {
	m   *Memory
	now time.Time

	entities          map[uuid.UUID]*types.Entity
	entityKeys        map[entityKey]uuid.UUID
	relationships     map[uuid.UUID]*types.Relationship
	relKeys           map[relationshipKey]uuid.UUID
	evidence          []types.Evidence
	entityLinks       []types.EvidenceEntityLink
	relationshipLinks []types.EvidenceRelationshipLink
}

func (tx *memTx) entity(id uuid.UUID) *types.Entity {
	if e, ok := tx.entities[id]; ok {
		return e
	}
	return tx.m.entities[id]
}

func (tx *memTx) UpsertEntity(_ context.Context, e *types.Entity) (*types.Entity, bool, error) {
	key := entityKey{e.InvestigationID, e.Name, e.EntityType}
	id, ok := tx.entityKeys[key]
	if !ok {
		id, ok = tx.m.entityKeys[key]
	}
	if !ok {
		created := e.Clone()
		if created.ID == uuid.Nil {
			created.ID = uuid.New()
		}
		created.SourceCount = 1
		created.CreatedAt = tx.now
		created.UpdatedAt = tx.now
		tx.entities[created.ID] = created
		tx.entityKeys[key] = created.ID
		return created.Clone(), true, nil
	}

	staged, ok := tx.entities[id]
	if !ok {
		staged = tx.m.entities[id].Clone()
		tx.entities[id] = staged
	}
	graph.MergeEntity(staged, e, tx.now)
	return staged.Clone(), false, nil
}

func (tx *memTx) FindEntityByName(_ context.Context, investigationID uuid.UUID, name string) (*types.Entity, error) {
	var byName, byAlias *types.Entity
	consider := func(e *types.Entity) {
		if e.InvestigationID != investigationID {
			return
		}
		if e.Name == name {
			if byName == nil || earlier(e, byName) {
				byName = e
			}
		} else if e.HasAlias(name) {
			if byAlias == nil || earlier(e, byAlias) {
				byAlias = e
			}
		}
	}
	for id, e := range tx.m.entities {
		if _, staged := tx.entities[id]; staged {
			continue
		}
		consider(e)
	}
	for _, e := range tx.entities {
		consider(e)
	}
	if byName != nil {
		return byName.Clone(), nil
	}
	return byAlias.Clone(), nil
}

// earlier orders by creation time, then id for a stable tie-break
func earlier(a, b *types.Entity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (tx *memTx) UpsertRelationship(_ context.Context, r *types.Relationship) (*types.Relationship, bool, error) {
	if tx.entity(r.SourceEntityID) == nil || tx.entity(r.TargetEntityID) == nil {
		return nil, false, &NotFoundError{Kind: "entity", ID: r.SourceEntityID}
	}
	key := relationshipKey{r.InvestigationID, r.SourceEntityID, r.TargetEntityID, r.RelationshipType}
	id, ok := tx.relKeys[key]
	if !ok {
		id, ok = tx.m.relationshipKeys[key]
	}
	if !ok {
		created := r.Clone()
		if created.ID == uuid.Nil {
			created.ID = uuid.New()
		}
		created.CreatedAt = tx.now
		created.UpdatedAt = tx.now
		tx.relationships[created.ID] = created
		tx.relKeys[key] = created.ID
		return created.Clone(), true, nil
	}

	staged, ok := tx.relationships[id]
	if !ok {
		staged = tx.m.relationships[id].Clone()
		tx.relationships[id] = staged
	}
	graph.MergeRelationship(staged, r, tx.now)
	return staged.Clone(), false, nil
}

func (tx *memTx) InsertEvidence(_ context.Context, ev *types.Evidence) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = tx.now
	tx.evidence = append(tx.evidence, *ev)
	return nil
}

func (tx *memTx) LinkEvidenceEntity(_ context.Context, link types.EvidenceEntityLink) error {
	tx.entityLinks = append(tx.entityLinks, link)
	return nil
}

func (tx *memTx) LinkEvidenceRelationship(_ context.Context, link types.EvidenceRelationshipLink) error {
	tx.relationshipLinks = append(tx.relationshipLinks, link)
	return nil
}

func (tx *memTx) commit() {
	m := tx.m
	for id, e := range tx.entities {
		m.entities[id] = e
	}
	for k, id := range tx.entityKeys {
		m.entityKeys[k] = id
	}
	for id, r := range tx.relationships {
		m.relationships[id] = r
	}
	for k, id := range tx.relKeys {
		m.relationshipKeys[k] = id
	}
	for _, ev := range tx.evidence {
		m.evidence[ev.InvestigationID] = append(m.evidence[ev.InvestigationID], ev)
	}
	m.entityLinks = append(m.entityLinks, tx.entityLinks...)
	m.relationshipLinks = append(m.relationshipLinks, tx.relationshipLinks...)
}
