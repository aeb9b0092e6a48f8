// Package repository keeps the region / election / constituency hierarchy in the graph.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/graph"
	"github.com/vanshika/votetrace/internal/store"
)

// Registry stores the hierarchy read from export paths and serves constituency reference
// data back to validation and aggregation.
type Registry struct {
	client graph.Client
}

// New instantiates a Registry backed by the supplied graph client.
func New(client graph.Client) *Registry {
	return &Registry{client: client}
}

var (
	_ store.Registry       = (*Registry)(nil)
	_ store.ReferenceStore = (*Registry)(nil)
)

// RegisterPath creates or updates the region by id. A constituency that already exists is
// linked to its region and election; an unknown one is not created. Registered voters and
// election start stay as the reference owner set them.
func (r *Registry) RegisterPath(ctx context.Context, meta domain.PathMetadata) error {
	if meta.ConstituencyID == "" {
		return errors.New("constituency id is required")
	}
	params := map[string]any{
		"regionId":         int64(meta.RegionID),
		"regionName":       meta.RegionName,
		"electionName":     meta.ElectionName,
		"constituencyId":   meta.ConstituencyID,
		"constituencyName": meta.ConstituencyName,
	}
	if _, err := r.client.ExecuteWrite(ctx, registerPathCypher, params); err != nil {
		return fmt.Errorf("register path for %s: %w", meta.ConstituencyID, err)
	}
	return nil
}

// GetConstituency returns the reference record for id or store.ErrNotFound.
func (r *Registry) GetConstituency(ctx context.Context, id string) (domain.Constituency, error) {
	res, err := r.client.ExecuteRead(ctx, getConstituencyCypher, map[string]any{"constituencyId": id})
	if err != nil {
		return domain.Constituency{}, fmt.Errorf("get constituency %s: %w", id, err)
	}
	if len(res.Records) == 0 {
		return domain.Constituency{}, fmt.Errorf("constituency %s: %w", id, store.ErrNotFound)
	}
	rec := res.Records[0]
	c := domain.Constituency{
		ID:               rec.String("id"),
		Name:             rec.String("name"),
		RegionID:         rec.Int("regionId"),
		ElectionID:       rec.String("electionId"),
		ElectionName:     rec.String("electionName"),
		RegisteredVoters: rec.Int("registeredVoters"),
		ElectionStart:    toTime(rec["electionStart"]),
	}
	return c, nil
}

func toTime(val any) time.Time {
	switch v := val.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if v == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	default:
		return time.Time{}
	}
}

const registerPathCypher = `
MERGE (r:Region {id: $regionId})
SET r.name = $regionName
WITH r
MATCH (c:Constituency {id: $constituencyId})
SET c.name = $constituencyName,
    c.regionId = $regionId,
    c.electionName = $electionName,
    c.electionId = coalesce(c.electionId, $electionName)
MERGE (e:Election {name: $electionName})
WITH r, e, c
OPTIONAL MATCH (c)-[old:IN_REGION]->(prev:Region)
WHERE prev.id <> $regionId
DELETE old
WITH r, e, c
MERGE (c)-[:IN_REGION]->(r)
MERGE (c)-[:PART_OF]->(e)
MERGE (e)-[:HELD_IN]->(r)
`

const getConstituencyCypher = `
MATCH (c:Constituency {id: $constituencyId})
RETURN c.id AS id,
       c.name AS name,
       c.regionId AS regionId,
       c.electionId AS electionId,
       c.electionName AS electionName,
       coalesce(c.registeredVoters, 0) AS registeredVoters,
       c.electionStart AS electionStart
`

