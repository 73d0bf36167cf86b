// Package grantcache is the durable local record of query ownership and
// edit-access grants. It is the source of truth for "who already has access
// to what", independent of the remote system's current state: facts are only
// ever added, never mutated or deleted, so a re-run converges without
// re-issuing grants that earlier runs already recorded.
package grantcache

import (
	"context"
	"errors"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Fact records that EditorID has modify access to QueryID, which is owned by
// OwnerID. The full triple is the natural key; the owner-is-editor case is a
// fact like any other. Identifiers are opaque integers minted by the remote
// system and are not validated against it locally.
type Fact struct {
	QueryID  int
	OwnerID  int
	EditorID int
}

func (f Fact) valid() bool {
	return f.QueryID > 0 && f.OwnerID > 0 && f.EditorID > 0
}

// FactStore is the durable fact relation. Implementations must tolerate
// concurrent readers; writers are assumed to be a single sequential process.
type FactStore interface {
	// UpsertFact inserts the fact if the triple is absent and reports
	// whether a new row was written. Inserting an existing triple is a
	// no-op and returns inserted=false.
	UpsertFact(ctx context.Context, fact Fact) (inserted bool, err error)

	// QueriesOwnedBy returns the distinct query ids owned by ownerID,
	// ascending.
	QueriesOwnedBy(ctx context.Context, ownerID int) ([]int, error)

	// EditorsOfOwnedQueries returns, for every query owned by ownerID, the
	// recorded editors of that query, ascending per query.
	EditorsOfOwnedQueries(ctx context.Context, ownerID int) (map[int][]int, error)

	// HasAccess reports whether a fact exists with the given query and
	// editor, regardless of owner.
	HasAccess(ctx context.Context, queryID, editorID int) (bool, error)

	Close() error
}
