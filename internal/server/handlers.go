package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/orchestrator"
	"github.com/jonathan/investigator/internal/server/middleware"
	"github.com/jonathan/investigator/internal/types"
)

// GraphResponse is the knowledge graph of one investigation
type GraphResponse struct {
	Entities      []types.Entity       `json:"entities"`
	Relationships []types.Relationship `json:"relationships"`
	Evidence      []types.Evidence     `json:"evidence"`
	Counts        types.GraphCounts    `json:"counts"`
}

// handleCreateInvestigation opens a new investigation
func (s *Server) handleCreateInvestigation(w http.ResponseWriter, r *http.Request) {
	var req types.CreateInvestigationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		req.UserID = middleware.GetUserID(r)
	}

	inv, err := s.engine.CreateInvestigation(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/investigations/"+inv.ID.String())
	s.jsonResponse(w, http.StatusCreated, inv)
}

// handleListInvestigations lists investigations, optionally filtered by
// ?status=running,paused. A caller with an identity only sees their own.
func (s *Server) handleListInvestigations(w http.ResponseWriter, r *http.Request) {
	var statuses []types.InvestigationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := types.InvestigationStatus(strings.TrimSpace(part))
			if !status.Valid() {
				s.writeError(w, &ErrValidation{Field: "status", Message: fmt.Sprintf("unknown status %q", part)})
				return
			}
			statuses = append(statuses, status)
		}
	}

	list, err := s.store.ListInvestigations(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	user := middleware.GetUserID(r)
	out := make([]types.Investigation, 0, len(list))
	for _, inv := range list {
		if user != uuid.Nil && inv.UserID != user {
			continue
		}
		out = append(out, inv)
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"investigations": out,
		"count":          len(out),
	})
}

// handleGetInvestigation returns one investigation
func (s *Server) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := s.investigation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, inv)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.engine.StartInvestigation)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.engine.PauseInvestigation)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.engine.ResumeInvestigation)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.engine.CancelInvestigation)
}

// lifecycleAction runs a status change and responds with the resulting snapshot
func (s *Server) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID) (lifecycle.Snapshot, error)) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	snap, err := action(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, snap)
}

// handleRedirect puts a new focus area at the front of the plan
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req types.RedirectFocusRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	plan, err := s.engine.RedirectFocus(r.Context(), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, plan)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	snap, err := s.engine.GetSnapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, snap)
}

// handleFullState returns the full_state event a late subscriber would receive
func (s *Server) handleFullState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	ev, err := s.engine.RequestFullState(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ev)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.investigation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	plan, err := s.store.GetPlan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if plan == nil {
		s.writeError(w, &orchestrator.NotFoundError{Kind: "plan", ID: id})
		return
	}
	s.jsonResponse(w, http.StatusOK, plan)
}

func (s *Server) handleSubTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.investigation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.store.ListSubTasks(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"subtasks": nonNil(tasks),
		"counts":   types.CountSubTasks(tasks),
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.investigation(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}

	var (
		resp GraphResponse
		err  error
	)
	if resp.Entities, err = s.store.ListEntities(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	if resp.Relationships, err = s.store.ListRelationships(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	if resp.Evidence, err = s.store.ListEvidence(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	if resp.Counts, err = s.store.GraphCounts(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	resp.Entities = nonNil(resp.Entities)
	resp.Relationships = nonNil(resp.Relationships)
	resp.Evidence = nonNil(resp.Evidence)
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleThoughts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.investigation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	thoughts, err := s.store.ListThoughts(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"thoughts": nonNil(thoughts)})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.investigation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	reports, err := s.store.ListReports(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"reports": nonNil(reports)})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.investigation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	totals, err := s.store.UsageTotals(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, totals)
}

// positionBody is the body of a move; the entity comes from the path
type positionBody struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (s *Server) handleMoveEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	entityID, ok := s.pathID(w, r, "entity_id")
	if !ok {
		return
	}
	var body positionBody
	if !s.decodeJSON(w, r, &body) {
		return
	}
	ent, err := s.engine.MoveEntity(r.Context(), id, types.MoveEntityRequest{EntityID: entityID, X: body.X, Y: body.Y})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ent)
}

func (s *Server) handleChangeLayout(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req types.ChangeLayoutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.ChangeLayout(r.Context(), id, req); err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"layout": req.Layout})
}

// investigation loads an investigation, mapping a missing row to NotFoundError
func (s *Server) investigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error) {
	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, &orchestrator.NotFoundError{Kind: "investigation", ID: id}
	}
	return inv, nil
}

// nonNil renders empty lists as [] rather than null
func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
