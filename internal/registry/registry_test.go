package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chainmirror/synch/internal/store"
)

type fakeLister struct {
	calls   int
	channel []store.Channel
	err     error
}

func (f *fakeLister) ListSyncCandidates(ctx context.Context) ([]store.Channel, error) {
	f.calls++
	return f.channel, f.err
}

func TestEligibleChannelsCachesWithinCycle(t *testing.T) {
	lister := &fakeLister{channel: []store.Channel{{ChannelID: "c1"}, {ChannelID: "c2"}}}
	v := New(lister, time.Minute)
	ctx := context.Background()

	first, err := v.EligibleChannels(ctx)
	if err != nil {
		t.Fatalf("EligibleChannels: %v", err)
	}
	second, err := v.EligibleChannels(ctx)
	if err != nil {
		t.Fatalf("EligibleChannels: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 channels both times, got %d and %d", len(first), len(second))
	}
	if lister.calls != 1 {
		t.Errorf("expected exactly one underlying query within a cycle, got %d", lister.calls)
	}
}

func TestInvalidateCycleForcesRequery(t *testing.T) {
	lister := &fakeLister{channel: []store.Channel{{ChannelID: "c1"}}}
	v := New(lister, time.Minute)
	ctx := context.Background()

	if _, err := v.EligibleChannels(ctx); err != nil {
		t.Fatalf("EligibleChannels: %v", err)
	}
	v.InvalidateCycle()
	if _, err := v.EligibleChannels(ctx); err != nil {
		t.Fatalf("EligibleChannels: %v", err)
	}
	if lister.calls != 2 {
		t.Errorf("expected a requery after InvalidateCycle, got %d calls", lister.calls)
	}
}

func TestEligibleChannelsPropagatesError(t *testing.T) {
	lister := &fakeLister{err: errors.New("store unreachable")}
	v := New(lister, time.Minute)

	_, err := v.EligibleChannels(context.Background())
	if err == nil {
		t.Fatal("expected error from underlying lister to propagate")
	}
}
