package propagate

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/queryops/querygrant/internal/grantcache"
	"github.com/queryops/querygrant/internal/redash"
)

func newTestReconciler(remote *fakeRemote, store grantcache.FactStore) *Reconciler {
	return NewReconciler(remote, store, ReconcilerOptions{Logger: zerolog.Nop()})
}

func seedFacts(t *testing.T, store grantcache.FactStore, facts ...grantcache.Fact) {
	t.Helper()
	for _, fact := range facts {
		if _, err := store.UpsertFact(context.Background(), fact); err != nil {
			t.Fatalf("seed fact %+v failed: %v", fact, err)
		}
	}
}

// The reference scenario: group members [10, 20], member 10 owns queries
// [100, 101] (recorded by ingestion), member 20 owns none.
func TestReconcileGrantsMissingAccess(t *testing.T) {
	remote := &fakeRemote{
		members: []redash.User{{ID: 10, Name: "ana"}, {ID: 20, Name: "bo"}},
	}
	store := grantcache.NewMemoryStore()
	seedFacts(t, store,
		grantcache.Fact{QueryID: 100, OwnerID: 10, EditorID: 10},
		grantcache.Fact{QueryID: 101, OwnerID: 10, EditorID: 10},
	)

	stats, err := newTestReconciler(remote, store).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	wantCalls := []string{grantKey(100, 20), grantKey(101, 20)}
	if !reflect.DeepEqual(remote.grantCalls, wantCalls) {
		t.Fatalf("expected grant calls %v, got %v", wantCalls, remote.grantCalls)
	}
	if stats.Members != 2 || stats.GrantsIssued != 2 || stats.GrantsFailed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	editors, err := store.EditorsOfOwnedQueries(context.Background(), 10)
	if err != nil {
		t.Fatalf("editors failed: %v", err)
	}
	want := map[int][]int{
		100: {10, 20},
		101: {10, 20},
	}
	if !reflect.DeepEqual(editors, want) {
		t.Fatalf("expected editors %v, got %v", want, editors)
	}
}

func TestReconcileNeverGrantsOwnerOnOwnQuery(t *testing.T) {
	remote := &fakeRemote{
		members: []redash.User{{ID: 10}},
	}
	store := grantcache.NewMemoryStore()
	seedFacts(t, store, grantcache.Fact{QueryID: 100, OwnerID: 10, EditorID: 10})

	stats, err := newTestReconciler(remote, store).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(remote.grantCalls) != 0 {
		t.Fatalf("expected no grant calls, got %v", remote.grantCalls)
	}
	if stats.QueriesChecked != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReconcileIsSymmetric(t *testing.T) {
	remote := &fakeRemote{
		members: []redash.User{{ID: 20}, {ID: 10}},
	}
	store := grantcache.NewMemoryStore()
	seedFacts(t, store,
		grantcache.Fact{QueryID: 100, OwnerID: 10, EditorID: 10},
		grantcache.Fact{QueryID: 200, OwnerID: 20, EditorID: 20},
	)

	_, err := newTestReconciler(remote, store).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	// Members iterate sorted, so 10's queries are granted to 20 first.
	wantCalls := []string{grantKey(100, 20), grantKey(200, 10)}
	if !reflect.DeepEqual(remote.grantCalls, wantCalls) {
		t.Fatalf("expected grant calls %v, got %v", wantCalls, remote.grantCalls)
	}
	for _, check := range [][2]int{{100, 20}, {200, 10}} {
		granted, err := store.HasAccess(context.Background(), check[0], check[1])
		if err != nil || !granted {
			t.Fatalf("expected access %v, granted=%v err=%v", check, granted, err)
		}
	}
}

func TestReconcileSkipsCachedGrants(t *testing.T) {
	remote := &fakeRemote{
		members: []redash.User{{ID: 10}, {ID: 20}},
	}
	store := grantcache.NewMemoryStore()
	seedFacts(t, store,
		grantcache.Fact{QueryID: 100, OwnerID: 10, EditorID: 10},
		grantcache.Fact{QueryID: 100, OwnerID: 10, EditorID: 20},
	)

	stats, err := newTestReconciler(remote, store).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(remote.grantCalls) != 0 {
		t.Fatalf("cached grant must not be re-issued, got %v", remote.grantCalls)
	}
	if stats.QueriesChecked != 1 || stats.GrantsIssued != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReconcileContinuesPastFailedGrant(t *testing.T) {
	remote := &fakeRemote{
		members: []redash.User{{ID: 10}, {ID: 20}},
		users:   map[int]redash.User{20: {ID: 20, Name: "bo"}},
		grantErrs: map[string]error{
			grantKey(100, 20): &redash.HTTPError{StatusCode: 403, Message: "permission denied"},
		},
	}
	store := grantcache.NewMemoryStore()
	seedFacts(t, store,
		grantcache.Fact{QueryID: 100, OwnerID: 10, EditorID: 10},
		grantcache.Fact{QueryID: 101, OwnerID: 10, EditorID: 10},
	)

	stats, err := newTestReconciler(remote, store).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("a failed grant must not abort the run: %v", err)
	}
	wantCalls := []string{grantKey(100, 20), grantKey(101, 20)}
	if !reflect.DeepEqual(remote.grantCalls, wantCalls) {
		t.Fatalf("expected both grants attempted, got %v", remote.grantCalls)
	}
	if stats.GrantsFailed != 1 || stats.GrantsIssued != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	// The failed grant is not recorded, so the next run retries it.
	granted, err := store.HasAccess(context.Background(), 100, 20)
	if err != nil {
		t.Fatalf("has access failed: %v", err)
	}
	if granted {
		t.Fatalf("failed grant must not be cached")
	}
	// The failure report resolved the editor's profile.
	if !reflect.DeepEqual(remote.userCalls, []int{20}) {
		t.Fatalf("expected one profile lookup for the failed editor, got %v", remote.userCalls)
	}
}

func TestReconcileSkipsMalformedMembers(t *testing.T) {
	remote := &fakeRemote{
		members: []redash.User{{ID: 0, Name: "ghost"}, {ID: 10}, {ID: 10}},
	}
	store := grantcache.NewMemoryStore()

	stats, err := newTestReconciler(remote, store).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if stats.Members != 1 {
		t.Fatalf("expected one usable member, got %+v", stats)
	}
}

func TestReconcileFailsWhenMembersUnavailable(t *testing.T) {
	remote := &fakeRemote{
		membersErr: &redash.TransportError{Err: errors.New("connection reset")},
	}
	store := grantcache.NewMemoryStore()

	_, err := newTestReconciler(remote, store).Run(context.Background(), 7)
	if !errors.Is(err, redash.ErrRemote) {
		t.Fatalf("expected remote failure, got %v", err)
	}
}

func TestMemberUserIDsSortsAndDeduplicates(t *testing.T) {
	got := memberUserIDs([]redash.User{{ID: 30}, {ID: 10}, {ID: 30}, {ID: -1}, {ID: 20}})
	if !reflect.DeepEqual(got, []int{10, 20, 30}) {
		t.Fatalf("expected [10 20 30], got %v", got)
	}
}
