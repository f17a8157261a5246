package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/types"
)

// Merge folds in into the graph inside one transaction of s
func Merge(ctx context.Context, s Store, in MergeInput) (*MergeResult, error) {
	var result *MergeResult
	err := s.InTx(ctx, func(tx Tx) error {
		// a retried transaction starts from a clean result
		result = &MergeResult{}
		return mergeTx(ctx, tx, in, result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to merge graph for investigation %s: %w", in.InvestigationID, err)
	}
	return result, nil
}

func mergeTx(ctx context.Context, tx Tx, in MergeInput, result *MergeResult) error {
	for _, ei := range in.Entities {
		name := strings.TrimSpace(ei.Name)
		if name == "" || !ei.Type.Valid() {
			continue
		}
		stored, created, err := tx.UpsertEntity(ctx, &types.Entity{
			ID:               uuid.New(),
			InvestigationID:  in.InvestigationID,
			Name:             name,
			EntityType:       ei.Type,
			Aliases:          dedupe(ei.Aliases),
			Description:      ei.Description,
			Confidence:       ei.Confidence,
			SourceCount:      1,
			Metadata:         ei.Metadata,
			DiscoveredByTask: in.TaskID,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert entity %q: %w", name, err)
		}
		if created {
			result.CreatedEntities = append(result.CreatedEntities, *stored)
		} else {
			result.UpdatedEntities = append(result.UpdatedEntities, *stored)
		}
	}

	rels := make(map[relKey]*types.Relationship)
	for _, ri := range in.Relationships {
		source, err := resolve(ctx, tx, in.InvestigationID, ri.Source)
		if err != nil {
			return err
		}
		target, err := resolve(ctx, tx, in.InvestigationID, ri.Target)
		if err != nil {
			return err
		}

		drop := DroppedRelationship{Source: ri.Source, Target: ri.Target, Type: ri.Type}
		switch {
		case source == nil:
			drop.Reason = ReasonSourceNotFound
		case target == nil:
			drop.Reason = ReasonTargetNotFound
		case source.ID == target.ID:
			drop.Reason = ReasonSelfReference
		}
		if drop.Reason != "" {
			result.Dropped = append(result.Dropped, drop)
			continue
		}

		relType := ri.Type
		if !relType.Valid() {
			relType = types.RelConnectedTo
		}
		strength := ri.Strength
		if strength == 0 {
			strength = ri.Confidence
		}
		stored, created, err := tx.UpsertRelationship(ctx, &types.Relationship{
			ID:               uuid.New(),
			InvestigationID:  in.InvestigationID,
			SourceEntityID:   source.ID,
			TargetEntityID:   target.ID,
			RelationshipType: relType,
			Description:      ri.Description,
			Confidence:       ri.Confidence,
			Strength:         strength,
			StartDate:        ri.StartDate,
			EndDate:          ri.EndDate,
			IsActive:         true,
			DiscoveredByTask: in.TaskID,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert relationship %s -> %s: %w", ri.Source, ri.Target, err)
		}
		if created {
			result.CreatedRelationships = append(result.CreatedRelationships, *stored)
		} else {
			result.UpdatedRelationships = append(result.UpdatedRelationships, *stored)
		}
		rels[relKey{ri.Source, ri.Target, relType}] = stored
	}

	for _, evi := range in.Evidence {
		ev := &types.Evidence{
			ID:                uuid.New(),
			InvestigationID:   in.InvestigationID,
			EvidenceType:      evi.Type,
			Title:             evi.Title,
			Content:           evi.Content,
			SourceURL:         evi.SourceURL,
			SourceCredibility: evi.Credibility,
			Metadata:          evi.Metadata,
			DiscoveredByTask:  in.TaskID,
		}
		if !ev.EvidenceType.Valid() {
			ev.EvidenceType = types.EvidenceWebPage
		}
		if !ev.SourceCredibility.Valid() {
			ev.SourceCredibility = types.CredibilityUnverified
		}
		if ev.Title == "" {
			ev.Title = "Evidence"
		}
		if err := tx.InsertEvidence(ctx, ev); err != nil {
			return fmt.Errorf("failed to insert evidence %q: %w", ev.Title, err)
		}
		result.Evidence = append(result.Evidence, *ev)

		for _, li := range evi.EntityLinks {
			entity, err := resolve(ctx, tx, in.InvestigationID, li.Name)
			if err != nil {
				return err
			}
			if entity == nil {
				result.DroppedLinks++
				continue
			}
			link := types.EvidenceEntityLink{EvidenceID: ev.ID, EntityID: entity.ID, Relevance: li.Relevance, Quote: li.Quote}
			if !link.Relevance.Valid() {
				link.Relevance = types.RelevanceMentioned
			}
			if err := tx.LinkEvidenceEntity(ctx, link); err != nil {
				return fmt.Errorf("failed to link evidence to entity %q: %w", li.Name, err)
			}
			result.EntityLinks = append(result.EntityLinks, link)
		}

		for _, li := range evi.RelationshipLinks {
			relType := li.Type
			if !relType.Valid() {
				relType = types.RelConnectedTo
			}
			rel, ok := rels[relKey{li.Source, li.Target, relType}]
			if !ok {
				result.DroppedLinks++
				continue
			}
			link := types.EvidenceRelationshipLink{
				EvidenceID: ev.ID, RelationshipID: rel.ID,
				Supports: li.Supports, Strength: li.Strength, Quote: li.Quote,
			}
			if err := tx.LinkEvidenceRelationship(ctx, link); err != nil {
				return fmt.Errorf("failed to link evidence to relationship %s -> %s: %w", li.Source, li.Target, err)
			}
			result.RelationshipLinks = append(result.RelationshipLinks, link)
		}
	}

	return nil
}

type relKey struct {
	source string
	target string
	typ    types.RelationshipType
}

// resolve looks a name up in the store; entities written earlier in the same tx are visible
func resolve(ctx context.Context, tx Tx, investigationID uuid.UUID, name string) (*types.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	e, err := tx.FindEntityByName(ctx, investigationID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entity %q: %w", name, err)
	}
	return e, nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
