package calendarsync

import (
	"context"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/pkg/retry"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeStateRepo struct {
	states     []*domain.SyncState
	clearCalls int
}

func (r *fakeStateRepo) Create(_ context.Context, state *domain.SyncState) error {
	r.states = append(r.states, state)
	return nil
}

func (r *fakeStateRepo) GetByChannelID(_ context.Context, channelID string) (*domain.SyncState, error) {
	for _, st := range r.states {
		if st.ChannelID == channelID && st.Active {
			return st, nil
		}
	}
	return nil, nil
}

func (r *fakeStateRepo) GetByCalendarID(_ context.Context, calendarID string) (*domain.SyncState, error) {
	for _, st := range r.states {
		if st.CalendarID == calendarID && st.Active {
			return st, nil
		}
	}
	return nil, nil
}

func (r *fakeStateRepo) ListExpiring(_ context.Context, _ time.Time) ([]*domain.SyncState, error) {
	return nil, nil
}

func (r *fakeStateRepo) ReplaceChannel(_ context.Context, _ int64, _, _ string, _ time.Time) error {
	return nil
}

func (r *fakeStateRepo) ClearSyncToken(_ context.Context, id int64) error {
	r.clearCalls++
	for _, st := range r.states {
		if st.ID == id {
			st.SyncToken = ""
		}
	}
	return nil
}

func (r *fakeStateRepo) Deactivate(_ context.Context, _ int64) error { return nil }

// fakeListProvider returns queued responses in order.
type fakeListProvider struct {
	responses []listResponse
	queries   []*out.EventListQuery
}

type listResponse struct {
	result *out.EventListResult
	err    error
}

func (p *fakeListProvider) Watch(_ context.Context, _ *out.WatchRequest) (*out.WatchResult, error) {
	return nil, nil
}

func (p *fakeListProvider) StopChannel(_ context.Context, _, _ string) error { return nil }

func (p *fakeListProvider) ListEvents(_ context.Context, q *out.EventListQuery) (*out.EventListResult, error) {
	copied := *q
	p.queries = append(p.queries, &copied)
	if len(p.responses) == 0 {
		return &out.EventListResult{}, nil
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	return next.result, next.err
}

// fakeUoW keeps the mirror as rows keyed by external id and only commits
// staged writes when fn succeeds.
type fakeUoW struct {
	rows       map[string]*out.EventUpsert
	upserts    []*out.EventUpsert
	cancels    []string
	savedToken string
	tokenFor   int64
	execCalls  int
	failWith   error
}

func (u *fakeUoW) seed(ev *out.EventUpsert) {
	if u.rows == nil {
		u.rows = make(map[string]*out.EventUpsert)
	}
	u.rows[ev.ExternalID] = ev
}

func (u *fakeUoW) Execute(_ context.Context, fn func(tx out.SyncTx) error) error {
	u.execCalls++
	staged := &fakeTx{store: u, failWith: u.failWith}
	if err := fn(staged); err != nil {
		return err
	}
	if u.rows == nil {
		u.rows = make(map[string]*out.EventUpsert)
	}
	for _, ev := range staged.upserts {
		u.rows[ev.ExternalID] = ev
	}
	for _, id := range staged.flipped {
		u.rows[id].Status = domain.EventStatusCancelled
	}
	u.upserts = append(u.upserts, staged.upserts...)
	u.cancels = append(u.cancels, staged.cancels...)
	if staged.savedToken != "" {
		u.savedToken = staged.savedToken
		u.tokenFor = staged.tokenFor
	}
	return nil
}

type fakeTx struct {
	store      *fakeUoW
	upserts    []*out.EventUpsert
	cancels    []string
	flipped    []string
	savedToken string
	tokenFor   int64
	failWith   error
}

func (t *fakeTx) UpsertEvent(_ context.Context, ev *out.EventUpsert) error {
	if t.failWith != nil {
		return t.failWith
	}
	t.upserts = append(t.upserts, ev)
	return nil
}

func (t *fakeTx) CancelEvent(_ context.Context, externalID string) (bool, error) {
	if t.failWith != nil {
		return false, t.failWith
	}
	t.cancels = append(t.cancels, externalID)
	for _, ev := range t.upserts {
		if ev.ExternalID == externalID {
			t.flipped = append(t.flipped, externalID)
			return true, nil
		}
	}
	if _, ok := t.store.rows[externalID]; ok {
		t.flipped = append(t.flipped, externalID)
		return true, nil
	}
	return false, nil
}

func (t *fakeTx) SaveSyncToken(_ context.Context, syncStateID int64, token string) error {
	if t.failWith != nil {
		return t.failWith
	}
	t.savedToken = token
	t.tokenFor = syncStateID
	return nil
}

func newSyncTest(state *domain.SyncState) (*SyncService, *fakeStateRepo, *fakeListProvider, *fakeUoW) {
	repo := &fakeStateRepo{states: []*domain.SyncState{state}}
	prov := &fakeListProvider{}
	uow := &fakeUoW{}
	svc := NewSyncService(repo, prov, uow)
	svc.retryPolicy = retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Base: 2.0}
	return svc, repo, prov, uow
}

func activeState(token string) *domain.SyncState {
	return &domain.SyncState{
		ID:         1,
		ChannelID:  "chan-1",
		CalendarID: "primary",
		SyncToken:  token,
		Expiration: time.Now().Add(24 * time.Hour),
		Active:     true,
	}
}

// =============================================================================
// Listing modes
// =============================================================================

func TestSyncIncrementalUsesTokenAlone(t *testing.T) {
	svc, _, prov, _ := newSyncTest(activeState("tok-1"))
	prov.responses = []listResponse{{result: &out.EventListResult{NextSyncToken: "tok-2"}}}

	if _, err := svc.Sync(context.Background(), activeState("tok-1")); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	q := prov.queries[0]
	if q.SyncToken != "tok-1" {
		t.Errorf("expected sync token on incremental listing, got %q", q.SyncToken)
	}
	if q.TimeMin != nil || q.SingleEvents || q.OrderBy != "" {
		t.Error("incremental listing must not carry bootstrap parameters")
	}
}

func TestSyncBootstrapParameters(t *testing.T) {
	svc, _, prov, _ := newSyncTest(activeState(""))
	prov.responses = []listResponse{{result: &out.EventListResult{NextSyncToken: "tok-1"}}}

	before := time.Now()
	res, err := svc.Sync(context.Background(), activeState(""))
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Bootstrap {
		t.Error("empty token must run as bootstrap")
	}

	q := prov.queries[0]
	if q.SyncToken != "" {
		t.Error("bootstrap listing must not carry a sync token")
	}
	if q.TimeMin == nil || q.TimeMin.Before(before.Add(-time.Second)) {
		t.Error("bootstrap must list forward from now")
	}
	if !q.SingleEvents || q.OrderBy != "startTime" {
		t.Errorf("bootstrap must expand instances ordered by start time, got singleEvents=%v orderBy=%q", q.SingleEvents, q.OrderBy)
	}
}

// =============================================================================
// Applying changes
// =============================================================================

func TestSyncUpsertsAndCancels(t *testing.T) {
	state := activeState("tok-1")
	svc, _, prov, uow := newSyncTest(state)
	uow.seed(&out.EventUpsert{ExternalID: "ev-2", Summary: "Standup", Status: domain.EventStatusConfirmed})
	prov.responses = []listResponse{{result: &out.EventListResult{
		Items: []*out.ProviderEvent{
			{ID: "ev-1", Summary: "Kickoff", Status: "confirmed"},
			{ID: "ev-2", Status: "cancelled"},
			{ID: "ev-3", Summary: "Review"}, // no status defaults to confirmed
		},
		NextSyncToken: "tok-2",
	}}}

	res, err := svc.Sync(context.Background(), state)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if res.Upserted != 2 || res.Cancelled != 1 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if len(uow.cancels) != 1 || uow.cancels[0] != "ev-2" {
		t.Errorf("expected cancelled event flip, got %v", uow.cancels)
	}
	if uow.upserts[1].Status != domain.EventStatusConfirmed {
		t.Errorf("missing status must default to confirmed, got %s", uow.upserts[1].Status)
	}
	if uow.savedToken != "tok-2" || uow.tokenFor != state.ID {
		t.Errorf("token must advance in the same transaction, got %q for %d", uow.savedToken, uow.tokenFor)
	}
	if uow.rows["ev-2"].Status != domain.EventStatusCancelled {
		t.Errorf("cancelled item must flip the mirrored row, got %s", uow.rows["ev-2"].Status)
	}
}

func TestSyncRepeatedPayloadConvergesToOneRow(t *testing.T) {
	state := activeState("tok-1")
	svc, _, prov, uow := newSyncTest(state)
	item := &out.ProviderEvent{ID: "ev-1", Summary: "Kickoff", Description: "final agenda", Status: "confirmed"}
	prov.responses = []listResponse{
		{result: &out.EventListResult{Items: []*out.ProviderEvent{item}, NextSyncToken: "tok-2"}},
		{result: &out.EventListResult{Items: []*out.ProviderEvent{item}, NextSyncToken: "tok-3"}},
	}

	if _, err := svc.Sync(context.Background(), state); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if _, err := svc.Sync(context.Background(), state); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	if len(uow.rows) != 1 {
		t.Fatalf("repeated payload must converge to one row, got %d", len(uow.rows))
	}
	row := uow.rows["ev-1"]
	if row == nil || row.Summary != "Kickoff" || row.Description != "final agenda" {
		t.Errorf("converged row must hold the payload's final values, got %+v", row)
	}
}

func TestSyncUnmatchedCancellationIsNoop(t *testing.T) {
	state := activeState("tok-1")
	svc, _, prov, uow := newSyncTest(state)
	uow.seed(&out.EventUpsert{ExternalID: "ev-keep", Summary: "Planning", Status: domain.EventStatusConfirmed})
	prov.responses = []listResponse{{result: &out.EventListResult{
		Items:         []*out.ProviderEvent{{ID: "ev-ghost", Status: "cancelled"}},
		NextSyncToken: "tok-2",
	}}}

	res, err := svc.Sync(context.Background(), state)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if res.Cancelled != 0 {
		t.Errorf("a cancellation with no mirrored row must not count, got %d", res.Cancelled)
	}
	if len(uow.rows) != 1 {
		t.Fatalf("unmatched cancellation must not create rows, got %d", len(uow.rows))
	}
	if uow.rows["ev-keep"].Status != domain.EventStatusConfirmed {
		t.Error("unrelated rows must stay untouched")
	}
}

func TestSyncTokenAndUpsertsShareTransaction(t *testing.T) {
	state := activeState("tok-1")
	svc, _, prov, uow := newSyncTest(state)
	uow.failWith = context.DeadlineExceeded
	prov.responses = []listResponse{{result: &out.EventListResult{
		Items:         []*out.ProviderEvent{{ID: "ev-1", Status: "confirmed"}},
		NextSyncToken: "tok-2",
	}}}

	if _, err := svc.Sync(context.Background(), state); err == nil {
		t.Fatal("expected failed transaction to surface")
	}
	if uow.savedToken != "" {
		t.Error("a rolled-back batch must not persist the token")
	}
}

// =============================================================================
// Token invalidation
// =============================================================================

func TestSyncRecoversOnceFromInvalidToken(t *testing.T) {
	state := activeState("tok-stale")
	svc, repo, prov, uow := newSyncTest(state)
	prov.responses = []listResponse{
		{err: out.NewProviderError("google_calendar", out.ProviderErrSyncRequired, "expired",
			&googleapi.Error{Code: 410}, false)},
		{result: &out.EventListResult{
			Items:         []*out.ProviderEvent{{ID: "ev-1", Status: "confirmed"}},
			NextSyncToken: "tok-fresh",
		}},
	}

	res, err := svc.Sync(context.Background(), state)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Bootstrap {
		t.Error("recovery pass must run as bootstrap")
	}
	if repo.clearCalls != 1 {
		t.Errorf("invalidated token must be cleared exactly once, got %d", repo.clearCalls)
	}
	if len(prov.queries) != 2 {
		t.Fatalf("expected incremental then bootstrap listing, got %d calls", len(prov.queries))
	}
	if prov.queries[1].SyncToken != "" || prov.queries[1].TimeMin == nil {
		t.Error("recovery listing must be a bootstrap query")
	}
	if uow.savedToken != "tok-fresh" {
		t.Errorf("expected fresh token persisted, got %q", uow.savedToken)
	}
}

func TestSyncRecoveryFailureKeepsTokenCleared(t *testing.T) {
	state := activeState("tok-stale")
	svc, repo, prov, _ := newSyncTest(state)
	prov.responses = []listResponse{
		{err: out.NewProviderError("google_calendar", out.ProviderErrSyncRequired, "expired",
			&googleapi.Error{Code: 410}, false)},
		{err: out.NewProviderError("google_calendar", out.ProviderErrAuth, "denied", nil, false)},
	}

	if _, err := svc.Sync(context.Background(), state); err == nil {
		t.Fatal("expected failed recovery to surface")
	}
	if repo.clearCalls != 1 {
		t.Errorf("token must stay cleared after a failed recovery, clear calls: %d", repo.clearCalls)
	}
	if repo.states[0].SyncToken != "" {
		t.Error("cleared token must not be restored")
	}
}

func TestSyncBootstrapInvalidTokenDoesNotLoop(t *testing.T) {
	state := activeState("")
	svc, repo, prov, _ := newSyncTest(state)
	// A 410 during bootstrap has no stored token to clear; it must surface.
	prov.responses = []listResponse{
		{err: out.NewProviderError("google_calendar", out.ProviderErrSyncRequired, "expired",
			&googleapi.Error{Code: 410}, false)},
	}

	if _, err := svc.Sync(context.Background(), state); err == nil {
		t.Fatal("expected bootstrap failure to surface")
	}
	if len(prov.queries) != 1 {
		t.Errorf("recovery must run at most once per invocation, got %d calls", len(prov.queries))
	}
	if repo.clearCalls != 0 {
		t.Error("bootstrap has no token to clear")
	}
}

// =============================================================================
// Lookup
// =============================================================================

func TestSyncByChannelIDUnknownChannel(t *testing.T) {
	svc, _, _, _ := newSyncTest(activeState("tok"))

	if _, err := svc.SyncByChannelID(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestSyncByChannelIDRunsPass(t *testing.T) {
	state := activeState("tok-1")
	svc, repo, prov, uow := newSyncTest(state)
	repo.states = []*domain.SyncState{state}
	prov.responses = []listResponse{{result: &out.EventListResult{NextSyncToken: "tok-2"}}}

	if _, err := svc.SyncByChannelID(context.Background(), "chan-1"); err != nil {
		t.Fatalf("SyncByChannelID failed: %v", err)
	}
	if uow.execCalls != 1 {
		t.Errorf("expected one transaction, got %d", uow.execCalls)
	}
}
