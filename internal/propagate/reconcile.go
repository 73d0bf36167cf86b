package propagate

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/queryops/querygrant/internal/grantcache"
	"github.com/queryops/querygrant/internal/redash"
)

type ReconcilerOptions struct {
	Logger zerolog.Logger
}

// Reconciler closes member-to-member access gaps in a group: every member
// ends up with modify access to every other member's owned queries. The
// cache decides; the remote is only called for grants the cache does not
// already record.
type Reconciler struct {
	client RemoteClient
	store  grantcache.FactStore
	logger zerolog.Logger
}

func NewReconciler(client RemoteClient, store grantcache.FactStore, opts ReconcilerOptions) *Reconciler {
	return &Reconciler{
		client: client,
		store:  store,
		logger: opts.Logger,
	}
}

type ReconcileStats struct {
	Members        int
	QueriesChecked int
	GrantsIssued   int
	GrantsFailed   int
}

// Run reconciles one group. A failed grant is reported with the ids involved
// and the loop continues; a later run rechecks and retries naturally.
// Storage failures abort the run.
func (r *Reconciler) Run(ctx context.Context, groupID int) (ReconcileStats, error) {
	var stats ReconcileStats
	if r == nil || r.client == nil || r.store == nil {
		return stats, fmt.Errorf("reconciler is not configured")
	}

	members, err := r.client.GroupMembers(ctx, groupID)
	if err != nil {
		return stats, fmt.Errorf("fetch members of group %d: %w", groupID, err)
	}
	memberIDs := memberUserIDs(members)
	stats.Members = len(memberIDs)
	if len(memberIDs) == 0 {
		r.logger.Warn().Int("group_id", groupID).Msg("group has no usable members")
		return stats, nil
	}
	r.logger.Info().Int("group_id", groupID).Ints("members", memberIDs).Msg("reconciliation started")

	for _, ownerID := range memberIDs {
		ownedQueries, err := r.store.QueriesOwnedBy(ctx, ownerID)
		if err != nil {
			return stats, fmt.Errorf("read queries of owner %d: %w", ownerID, err)
		}
		for _, editorID := range memberIDs {
			if editorID == ownerID {
				continue
			}
			for _, queryID := range ownedQueries {
				stats.QueriesChecked++
				granted, err := r.store.HasAccess(ctx, queryID, editorID)
				if err != nil {
					return stats, fmt.Errorf("check access of user %d to query %d: %w", editorID, queryID, err)
				}
				if granted {
					continue
				}
				if err := r.client.GrantModify(ctx, queryID, editorID); err != nil {
					stats.GrantsFailed++
					r.reportGrantFailure(ctx, groupID, queryID, ownerID, editorID, err)
					continue
				}
				stats.GrantsIssued++
				fact := grantcache.Fact{QueryID: queryID, OwnerID: ownerID, EditorID: editorID}
				if _, err := r.store.UpsertFact(ctx, fact); err != nil {
					return stats, fmt.Errorf("record grant for query %d: %w", queryID, err)
				}
				r.logger.Debug().
					Int("query_id", queryID).
					Int("owner_id", ownerID).
					Int("editor_id", editorID).
					Msg("granted modify access")
			}
		}
	}
	r.logger.Info().
		Int("group_id", groupID).
		Int("grants_issued", stats.GrantsIssued).
		Int("grants_failed", stats.GrantsFailed).
		Msg("reconciliation finished")
	return stats, nil
}

// reportGrantFailure logs the failed pair with enough context for a manual
// retry. The editor's profile name is resolved best effort; the lookup never
// turns a failed grant into a second failure.
func (r *Reconciler) reportGrantFailure(ctx context.Context, groupID, queryID, ownerID, editorID int, grantErr error) {
	event := r.logger.Error().
		Int("group_id", groupID).
		Int("query_id", queryID).
		Int("owner_id", ownerID).
		Int("editor_id", editorID).
		Err(grantErr)
	if profile, err := r.client.GetUser(ctx, editorID); err == nil && profile.Name != "" {
		event = event.Str("editor_name", profile.Name)
	}
	event.Msg("grant failed, continuing")
}

// memberUserIDs extracts the usable member ids, deduplicated and sorted.
// Records without a positive id are malformed and skipped. Ordering is not
// needed for correctness, only for deterministic logs.
func memberUserIDs(members []redash.User) []int {
	seen := map[int]struct{}{}
	ids := make([]int, 0, len(members))
	for _, member := range members {
		if member.ID <= 0 {
			continue
		}
		if _, ok := seen[member.ID]; ok {
			continue
		}
		seen[member.ID] = struct{}{}
		ids = append(ids, member.ID)
	}
	sort.Ints(ids)
	return ids
}
