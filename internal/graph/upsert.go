package graph

import (
	"time"

	"github.com/jonathan/investigator/internal/types"
)

// MergeEntity folds an incoming observation into an existing entity in place.
// The Postgres upsert implements the same rules in SQL.
//
//   - source_count increments
//   - confidence becomes the running mean of all observations
//   - description is filled only when empty
//   - aliases are unioned
//   - metadata is merged with existing keys winning
func MergeEntity(existing, incoming *types.Entity, now time.Time) {
	n := float64(existing.SourceCount)
	existing.Confidence = (existing.Confidence*n + incoming.Confidence) / (n + 1)
	existing.SourceCount++

	if existing.Description == "" {
		existing.Description = incoming.Description
	}
	for _, a := range incoming.Aliases {
		if a != existing.Name && !existing.HasAlias(a) {
			existing.Aliases = append(existing.Aliases, a)
		}
	}
	if len(incoming.Metadata) > 0 {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]any, len(incoming.Metadata))
		}
		for k, v := range incoming.Metadata {
			if _, ok := existing.Metadata[k]; !ok {
				existing.Metadata[k] = v
			}
		}
	}
	existing.UpdatedAt = now
}

// MergeRelationship folds an incoming observation into an existing relationship in place.
// Confidence and strength keep the maximum; description and validity window are filled when empty.
func MergeRelationship(existing, incoming *types.Relationship, now time.Time) {
	if incoming.Confidence > existing.Confidence {
		existing.Confidence = incoming.Confidence
	}
	if incoming.Strength > existing.Strength {
		existing.Strength = incoming.Strength
	}
	if existing.Description == "" {
		existing.Description = incoming.Description
	}
	if existing.StartDate == nil && incoming.StartDate != nil {
		t := *incoming.StartDate
		existing.StartDate = &t
	}
	if existing.EndDate == nil && incoming.EndDate != nil {
		t := *incoming.EndDate
		existing.EndDate = &t
	}
	existing.UpdatedAt = now
}
