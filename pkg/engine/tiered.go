package engine

import (
	"context"

	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/merge"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

// TieredOptions tunes a tiered lookup.
type TieredOptions struct {
	TenantID string
	Domain   string

	// Merge selects the mode: first-match (tenant → domain → generic) when
	// false, deep-merged (generic → domain → tenant) when true.
	Merge bool
}

// GetKnowledge runs a tiered lookup against the knowledge family.
func (e *Engine) GetKnowledge(ctx context.Context, collection string, filter map[string]interface{}, opts TieredOptions) (*types.TieredResult, error) {
	return e.tiered(ctx, types.DBKnowledge, collection, filter, opts)
}

// GetMetadata runs a tiered lookup against the metadata family.
func (e *Engine) GetMetadata(ctx context.Context, collection string, filter map[string]interface{}, opts TieredOptions) (*types.TieredResult, error) {
	return e.tiered(ctx, types.DBMetadata, collection, filter, opts)
}

func (e *Engine) tiered(ctx context.Context, dbType types.DatabaseType, collection string, filter map[string]interface{}, opts TieredOptions) (*types.TieredResult, error) {
	tiers := e.candidateTiers(opts)
	if opts.Merge {
		return e.tieredMerge(ctx, dbType, collection, filter, opts, tiers)
	}

	// First match wins, scanning most specific first.
	for i := len(tiers) - 1; i >= 0; i-- {
		tier := tiers[i]
		record, err := e.tierLookup(ctx, dbType, tier, collection, filter, opts)
		if err != nil {
			if types.IsKind(err, types.KindRouteMismatch) {
				// Tier not configured for this deployment; try the next.
				continue
			}
			return nil, err
		}
		if record != nil {
			return &types.TieredResult{Record: record, Tier: tier}, nil
		}
	}
	return nil, types.E(types.KindNotFound, "", collection, "no tier matched", nil)
}

func (e *Engine) tieredMerge(ctx context.Context, dbType types.DatabaseType, collection string, filter map[string]interface{}, opts TieredOptions, tiers []types.Tier) (*types.TieredResult, error) {
	res := &types.TieredResult{}
	merged := types.Document{}

	// Least specific first so more specific tiers override.
	for _, tier := range tiers {
		record, err := e.tierLookup(ctx, dbType, tier, collection, filter, opts)
		if err != nil {
			if types.IsKind(err, types.KindRouteMismatch) {
				continue
			}
			return nil, err
		}
		if record == nil {
			continue
		}
		res.TiersFound = append(res.TiersFound, tier)
		res.PerTier = append(res.PerTier, types.TierHit{Tier: tier, Record: record})
		merged = merge.Deep(merged, record)
	}
	if len(res.TiersFound) == 0 {
		return nil, types.E(types.KindNotFound, "", collection, "no tier matched", nil)
	}
	res.Record = merged
	return res, nil
}

// candidateTiers returns the applicable tiers in priority order, least
// specific first.
func (e *Engine) candidateTiers(opts TieredOptions) []types.Tier {
	tiers := []types.Tier{types.TierGeneric}
	if opts.Domain != "" {
		tiers = append(tiers, types.TierDomain)
	}
	if opts.TenantID != "" {
		tiers = append(tiers, types.TierTenant)
	}
	return tiers
}

// tierLookup reads the first matching payload from one tier, with the
// system envelope stripped. A nil record means no match.
func (e *Engine) tierLookup(ctx context.Context, dbType types.DatabaseType, tier types.Tier, collection string, filter map[string]interface{}, opts TieredOptions) (types.Document, error) {
	rc := types.RouteContext{
		DatabaseType: dbType,
		Tier:         tier,
		TenantID:     opts.TenantID,
		Domain:       opts.Domain,
		Collection:   collection,
	}
	rt, err := e.route(ctx, rc, "")
	if err != nil {
		return nil, err
	}
	heads, err := rt.Repo.ListHeads(ctx, collection, repo.HeadQuery{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, nil
	}
	payload, err := e.currentPayload(ctx, rt, heads[0])
	if err != nil {
		log.Component("engine").Warn().Err(err).Str("tier", string(tier)).
			Msg("tiered lookup: payload fetch failed")
		return nil, err
	}
	delete(payload, types.SystemKey)
	return payload, nil
}
