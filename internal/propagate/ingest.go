// Package propagate contains the two engines that keep group members'
// query-edit access converged: ingestion (remote listing -> ownership cache)
// and reconciliation (cache -> missing grants -> remote).
package propagate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/queryops/querygrant/internal/grantcache"
	"github.com/queryops/querygrant/internal/redash"
)

// RemoteClient is the slice of the remote API the engines consume.
// *redash.HTTPClient satisfies it.
type RemoteClient interface {
	Status(ctx context.Context) (redash.Status, error)
	ListQueries(ctx context.Context, page, pageSize int) (redash.QueryPage, error)
	GrantModify(ctx context.Context, queryID, userID int) error
	GroupMembers(ctx context.Context, groupID int) ([]redash.User, error)
	GetUser(ctx context.Context, userID int) (redash.User, error)
}

const DefaultPageSize = 25

type IngestorOptions struct {
	PageSize int
	Logger   zerolog.Logger
}

// Ingestor brings the cache up to date with the remote query listing. The
// remote lists newest first, so once a whole page inserts nothing new, every
// older page is already ingested and paging stops.
type Ingestor struct {
	client   RemoteClient
	store    grantcache.FactStore
	pageSize int
	logger   zerolog.Logger
}

func NewIngestor(client RemoteClient, store grantcache.FactStore, opts IngestorOptions) *Ingestor {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Ingestor{
		client:   client,
		store:    store,
		pageSize: pageSize,
		logger:   opts.Logger,
	}
}

type IngestStats struct {
	PagesFetched  int
	FactsSeen     int
	FactsInserted int
	Converged     bool
}

// Run pages through the remote listing and records one self-ownership fact
// per owned query. A failed or malformed page stops paging for this run;
// everything committed so far stays committed. Storage failures abort
// immediately since every later decision depends on the cache.
func (in *Ingestor) Run(ctx context.Context) (IngestStats, error) {
	var stats IngestStats
	if in == nil || in.client == nil || in.store == nil {
		return stats, fmt.Errorf("ingestor is not configured")
	}

	status, err := in.client.Status(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch status: %w", err)
	}
	pages := status.QueriesCount/in.pageSize + 1
	in.logger.Info().
		Int("queries_count", status.QueriesCount).
		Int("page_size", in.pageSize).
		Int("pages", pages).
		Msg("ingestion started")

	for page := 1; page <= pages; page++ {
		queryPage, err := in.client.ListQueries(ctx, page, in.pageSize)
		if err != nil {
			return stats, fmt.Errorf("fetch page %d: %w", page, err)
		}
		stats.PagesFetched++

		newOnPage := 0
		for _, query := range queryPage.Results {
			if query.ID <= 0 || query.User == nil || query.User.ID <= 0 {
				// Deleted or system owner; nothing to record.
				continue
			}
			stats.FactsSeen++
			fact := grantcache.Fact{
				QueryID:  query.ID,
				OwnerID:  query.User.ID,
				EditorID: query.User.ID,
			}
			inserted, err := in.store.UpsertFact(ctx, fact)
			if err != nil {
				return stats, fmt.Errorf("record fact for query %d: %w", query.ID, err)
			}
			if inserted {
				newOnPage++
				stats.FactsInserted++
			}
		}
		if newOnPage == 0 {
			stats.Converged = true
			in.logger.Info().Int("page", page).Msg("page yielded no new facts, stopping")
			break
		}
		in.logger.Debug().Int("page", page).Int("new_facts", newOnPage).Msg("page ingested")
	}
	in.logger.Info().
		Int("pages_fetched", stats.PagesFetched).
		Int("facts_inserted", stats.FactsInserted).
		Bool("converged", stats.Converged).
		Msg("ingestion finished")
	return stats, nil
}
