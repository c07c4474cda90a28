package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/contributor"
	"github.com/b1e55ed/core/pkg/eventstore"
	"github.com/b1e55ed/core/pkg/karma"
	"github.com/b1e55ed/core/pkg/projection"
)

// MainProjectionName is the cursor key used by the single built-in projector
// run from cmd/brain. A deployment that rebuilds additional, differently
// scoped projections would register them under their own names.
const MainProjectionName = "main"

// ContributorStats accumulates the submitted/accepted counts a live
// attribution.v1 stream produces for one contributor. Reputation here is a
// simple accepted/submitted ratio; contributor.Score's richer time-decayed,
// Brier-calibrated form additionally requires evaluated outcomes, which this
// event stream does not yet attribute back to a signal.
type ContributorStats struct {
	Submitted int64
	Accepted  int64
}

func (s *ContributorStats) reputation() float64 {
	if s.Submitted == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Submitted)
}

// SyncProjections advances every cached view in lockstep by one batch of new
// events: it loads the projector's cursor, applies only events after it to
// the supplied in-memory projections, writes the results, and advances the
// cursor last so a crash mid-batch simply re-applies the same range next
// time rather than skipping it.
func (r *ProjectionRepository) SyncProjections(
	ctx context.Context,
	store *eventstore.Store,
	state *projection.State,
	upcasters projection.Upcasters,
	registry *contributor.Registry,
	ledger *karma.Ledger,
	stats map[uuid.UUID]*ContributorStats,
) error {
	cursor, err := r.Cursor(ctx, MainProjectionName)
	if err != nil {
		return fmt.Errorf("database: sync projections: read cursor: %w", err)
	}

	latest := store.LatestSeq()
	if latest <= cursor {
		return nil
	}

	events, err := store.Range(cursor+1, latest)
	if err != nil {
		return fmt.Errorf("database: sync projections: load events: %w", err)
	}

	for _, evt := range events {
		if err := state.Apply(evt, upcasters); err != nil {
			return fmt.Errorf("database: sync projections: apply seq %d to state: %w", evt.Seq, err)
		}
		if err := registry.Apply(evt); err != nil {
			return fmt.Errorf("database: sync projections: apply seq %d to contributor registry: %w", evt.Seq, err)
		}
		if err := ledger.Apply(evt); err != nil {
			return fmt.Errorf("database: sync projections: apply seq %d to karma ledger: %w", evt.Seq, err)
		}

		switch evt.Type {
		case "intent.open.v1":
			if id, _ := evt.Payload["position_id"].(string); id != "" {
				if p, ok := state.Positions[id]; ok {
					if err := r.UpsertPosition(ctx, p, evt.Seq); err != nil {
						return fmt.Errorf("database: sync projections: position %s: %w", id, err)
					}
				}
			}
		case "intent.close.v1":
			if id, _ := evt.Payload["position_id"].(string); id != "" {
				if p, ok := state.Positions[id]; ok {
					if err := r.DeletePosition(ctx, p.Asset); err != nil {
						return fmt.Errorf("database: sync projections: close position %s: %w", id, err)
					}
				}
			}
		case "regime.changed.v1":
			confidence := 0.0
			if v, ok := evt.Payload["confidence"].(float64); ok {
				confidence = v
			}
			if err := r.UpsertRegime(ctx, state.Regime, confidence); err != nil {
				return fmt.Errorf("database: sync projections: regime: %w", err)
			}
		case "weight.adjusted.v1":
			domain, _ := evt.Payload["domain"].(string)
			weight, _ := evt.Payload["weight"].(float64)
			if err := r.AppendWeightHistory(ctx, domain, weight, evt.Seq); err != nil {
				return fmt.Errorf("database: sync projections: weight history: %w", err)
			}
		case contributor.EventTypeRegister:
			idRaw, _ := evt.Payload["id"].(string)
			id, parseErr := uuid.Parse(idRaw)
			if parseErr == nil {
				if c, ok := registry.ByID(id); ok {
					st := statsFor(stats, id)
					if err := r.UpsertContributor(ctx, id.String(), c.Name, string(c.Role), st.Submitted, st.Accepted, st.reputation(), evt.Seq); err != nil {
						return fmt.Errorf("database: sync projections: contributor %s: %w", id, err)
					}
				}
			}
		case contributor.EventTypeAttribution:
			idRaw, _ := evt.Payload["contributor_id"].(string)
			id, parseErr := uuid.Parse(idRaw)
			if parseErr != nil {
				continue
			}
			accepted, _ := evt.Payload["accepted"].(bool)
			st := statsFor(stats, id)
			st.Submitted++
			if accepted {
				st.Accepted++
			}
			c, ok := registry.ByID(id)
			if !ok {
				continue
			}
			if err := r.UpsertContributor(ctx, id.String(), c.Name, string(c.Role), st.Submitted, st.Accepted, st.reputation(), evt.Seq); err != nil {
				return fmt.Errorf("database: sync projections: contributor %s: %w", id, err)
			}
		case karma.EventTypeIntent:
			id, _ := evt.Payload["id"].(string)
			positionID, _ := evt.Payload["position_id"].(string)
			amount, _ := evt.Payload["amount"].(float64)
			if err := r.UpsertKarmaIntent(ctx, id, positionID, amount, false, evt.Seq, nil); err != nil {
				return fmt.Errorf("database: sync projections: karma intent %s: %w", id, err)
			}
		case karma.EventTypeSettle:
			rawIDs, _ := evt.Payload["intent_ids"].([]any)
			seq := evt.Seq
			for _, raw := range rawIDs {
				idStr, _ := raw.(string)
				parsed, parseErr := uuid.Parse(idStr)
				if parseErr != nil {
					continue
				}
				intent, ok := ledger.Intent(parsed)
				if !ok {
					continue
				}
				if err := r.UpsertKarmaIntent(ctx, idStr, intent.PositionID, intent.Amount, true, intent.CreatedSeq, &seq); err != nil {
					return fmt.Errorf("database: sync projections: settle karma intent %s: %w", idStr, err)
				}
			}
		}
	}

	if err := r.ReplaceLeaderboard(ctx, buildLeaderboard(stats), latest); err != nil {
		return fmt.Errorf("database: sync projections: leaderboard: %w", err)
	}

	if err := r.AdvanceCursor(ctx, MainProjectionName, latest); err != nil {
		return fmt.Errorf("database: sync projections: advance cursor: %w", err)
	}
	return nil
}

func statsFor(stats map[uuid.UUID]*ContributorStats, id uuid.UUID) *ContributorStats {
	st, ok := stats[id]
	if !ok {
		st = &ContributorStats{}
		stats[id] = st
	}
	return st
}

func buildLeaderboard(stats map[uuid.UUID]*ContributorStats) []LeaderboardEntry {
	scores := make(map[string]float64, len(stats))
	for id, st := range stats {
		scores[id.String()] = st.reputation()
	}
	ranked := contributor.Leaderboard(scores)

	out := make([]LeaderboardEntry, len(ranked))
	for i, entry := range ranked {
		out[i] = LeaderboardEntry{ContributorID: entry.ContributorID, Rank: i + 1, Score: entry.Score}
	}
	return out
}
