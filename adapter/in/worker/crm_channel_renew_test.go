package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm_server/core/domain"
)

type stubStateSource struct {
	states  []*domain.SyncState
	listErr error
	got     time.Time
}

func (s *stubStateSource) ListExpiring(_ context.Context, before time.Time) ([]*domain.SyncState, error) {
	s.got = before
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.states, nil
}

type stubRenewer struct {
	renewed []string
	failOn  map[string]error
}

func (r *stubRenewer) Renew(_ context.Context, channelID string) (*domain.Channel, error) {
	if err, ok := r.failOn[channelID]; ok {
		return nil, err
	}
	r.renewed = append(r.renewed, channelID)
	return &domain.Channel{ChannelID: "fresh-" + channelID}, nil
}

func newTestScheduler(src *stubStateSource, renewer *stubRenewer) *ChannelRenewScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelRenewScheduler{
		syncStates:    src,
		channels:      renewer,
		checkInterval: 6 * time.Hour,
		lookahead:     24 * time.Hour,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func TestRenewExpiringUsesLookaheadWindow(t *testing.T) {
	src := &stubStateSource{}
	sched := newTestScheduler(src, &stubRenewer{})

	before := time.Now().Add(24 * time.Hour)
	sched.RenewExpiring()

	if src.got.Before(before.Add(-time.Second)) || src.got.After(before.Add(time.Second)) {
		t.Errorf("expected 24h lookahead threshold, got %v", src.got)
	}
}

func TestRenewExpiringRenewsAll(t *testing.T) {
	src := &stubStateSource{states: []*domain.SyncState{
		{ChannelID: "a"}, {ChannelID: "b"},
	}}
	renewer := &stubRenewer{}
	sched := newTestScheduler(src, renewer)

	renewed, failed := sched.RenewExpiring()
	if renewed != 2 || failed != 0 {
		t.Fatalf("expected 2 renewed, got %d renewed %d failed", renewed, failed)
	}
	if len(renewer.renewed) != 2 {
		t.Errorf("unexpected renewals: %v", renewer.renewed)
	}
}

func TestRenewExpiringIsolatesFailures(t *testing.T) {
	src := &stubStateSource{states: []*domain.SyncState{
		{ChannelID: "a"}, {ChannelID: "bad"}, {ChannelID: "c"},
	}}
	renewer := &stubRenewer{failOn: map[string]error{"bad": errors.New("watch rejected")}}
	sched := newTestScheduler(src, renewer)

	renewed, failed := sched.RenewExpiring()
	if renewed != 2 || failed != 1 {
		t.Fatalf("expected failure isolation, got %d renewed %d failed", renewed, failed)
	}
	if len(renewer.renewed) != 2 || renewer.renewed[1] != "c" {
		t.Errorf("rows after a failure must still renew, got %v", renewer.renewed)
	}
}

func TestRenewExpiringListFailure(t *testing.T) {
	src := &stubStateSource{listErr: errors.New("db down")}
	sched := newTestScheduler(src, &stubRenewer{})

	renewed, failed := sched.RenewExpiring()
	if renewed != 0 || failed != 0 {
		t.Fatalf("list failure must abort the pass, got %d renewed %d failed", renewed, failed)
	}
}
