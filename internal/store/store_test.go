package store

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to VideoState
		want     bool
	}{
		{StateNew, StateVideoCreated, true},
		{StateNew, StateVideoCreationFailed, true},
		{StateNew, StateVideoUnavailable, true},
		{StateNew, StateUploadSucceeded, false},
		{StateVideoCreationFailed, StateVideoCreated, true},
		{StateVideoCreated, StateUploadSucceeded, true},
		{StateVideoCreated, StateUploadFailed, true},
		{StateUploadFailed, StateUploadSucceeded, true},
		{StateUploadSucceeded, StateVideoCreated, false},
		{StateVideoUnavailable, StateNew, false},
		{StateNew, StateNew, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%v, %v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestHasOnChainRecord(t *testing.T) {
	want := map[VideoState]bool{
		StateNew:                 false,
		StateVideoCreationFailed: false,
		StateVideoCreated:        true,
		StateUploadFailed:        true,
		StateUploadSucceeded:     true,
		StateVideoUnavailable:    false,
	}
	for state, expect := range want {
		if got := state.HasOnChainRecord(); got != expect {
			t.Errorf("%v.HasOnChainRecord() = %v, want %v", state, got, expect)
		}
	}
}

func TestChannelIsSyncCandidate(t *testing.T) {
	base := Channel{ShouldBeIngested: true, AllowOperatorIngestion: true, YppStatus: "Verified::Bronze"}
	if !base.IsSyncCandidate() {
		t.Error("expected verified, opted-in channel to be a sync candidate")
	}

	noIntent := base
	noIntent.ShouldBeIngested = false
	if noIntent.IsSyncCandidate() {
		t.Error("expected shouldBeIngested=false to exclude the channel")
	}

	noOperator := base
	noOperator.AllowOperatorIngestion = false
	if noOperator.IsSyncCandidate() {
		t.Error("expected allowOperatorIngestion=false to exclude the channel")
	}

	unverified := base
	unverified.YppStatus = "Unverified"
	if unverified.IsSyncCandidate() {
		t.Error("expected Unverified status to exclude the channel")
	}

	suspended := base
	suspended.YppStatus = "Suspended::Legal"
	if suspended.IsSyncCandidate() {
		t.Error("expected Suspended status to exclude the channel")
	}
}

func TestChannelIsSuspendedOrOptedOut(t *testing.T) {
	if !(Channel{YppStatus: "Suspended::Legal"}).IsSuspendedOrOptedOut() {
		t.Error("expected Suspended::Legal to be excluded")
	}
	if !(Channel{YppStatus: "OptedOut"}).IsSuspendedOrOptedOut() {
		t.Error("expected OptedOut to be excluded")
	}
	if (Channel{YppStatus: "Verified::Bronze"}).IsSuspendedOrOptedOut() {
		t.Error("did not expect Verified::Bronze to be excluded")
	}
}

func TestVideoIsDownloadEligible(t *testing.T) {
	eligible := Video{State: StateNew, PrivacyStatus: "public", UploadStatus: "processed", LiveBroadcastContent: "none"}
	if !eligible.IsDownloadEligible() {
		t.Error("expected eligible video to pass the filter")
	}

	live := eligible
	live.LiveBroadcastContent = "live"
	if live.IsDownloadEligible() {
		t.Error("expected live broadcast to be excluded")
	}

	private := eligible
	private.PrivacyStatus = "private"
	if private.IsDownloadEligible() {
		t.Error("expected private video to be excluded")
	}

	wrongState := eligible
	wrongState.State = StateVideoCreated
	if wrongState.IsDownloadEligible() {
		t.Error("expected non-New state to be excluded")
	}
}

// The remaining tests exercise the real Postgres-backed store and are
// skipped unless TEST_PG_DSN is set, matching the teacher's integration
// test pattern.

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping state store integration test")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetChannelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := Channel{
		UserID:                 "user-1",
		ChannelID:              "chan-1",
		Title:                  "A Channel",
		ShouldBeIngested:       true,
		AllowOperatorIngestion: true,
		YppStatus:              "Verified::Bronze",
		LastActedAt:            time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutChannel(ctx, c); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}

	got, ok, err := s.GetChannel(ctx, c.UserID, c.ChannelID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if !ok {
		t.Fatal("expected channel to exist after PutChannel")
	}
	if got.Title != c.Title || got.YppStatus != c.YppStatus {
		t.Errorf("GetChannel mismatch: got %+v, want fields from %+v", got, c)
	}
}

func TestListSyncCandidatesExcludesSuspended(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	eligible := Channel{
		UserID: "u-elig", ChannelID: "c-elig",
		ShouldBeIngested: true, AllowOperatorIngestion: true,
		YppStatus: "Verified::Silver", LastActedAt: time.Now().UTC(),
	}
	suspended := Channel{
		UserID: "u-susp", ChannelID: "c-susp",
		ShouldBeIngested: true, AllowOperatorIngestion: true,
		YppStatus: "Suspended::Legal", LastActedAt: time.Now().UTC(),
	}
	if err := s.PutChannel(ctx, eligible); err != nil {
		t.Fatalf("PutChannel eligible: %v", err)
	}
	if err := s.PutChannel(ctx, suspended); err != nil {
		t.Fatalf("PutChannel suspended: %v", err)
	}

	candidates, err := s.ListSyncCandidates(ctx)
	if err != nil {
		t.Fatalf("ListSyncCandidates: %v", err)
	}
	for _, c := range candidates {
		if c.ChannelID == suspended.ChannelID {
			t.Errorf("expected suspended channel to be excluded from sync candidates")
		}
	}
}

func TestPutVideoPreservesJoystreamVideo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := Video{
		ChannelID: "chan-1", VideoID: "vid-1",
		State:          StateVideoCreated,
		JoystreamVideo: &JoystreamVideo{ID: "ocv-1", AssetIDs: [2]string{"asset-media", "asset-thumb"}},
	}
	if err := s.PutVideo(ctx, v); err != nil {
		t.Fatalf("PutVideo: %v", err)
	}

	got, ok, err := s.GetVideo(ctx, v.ChannelID, v.VideoID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if !ok {
		t.Fatal("expected video to exist")
	}
	if got.JoystreamVideo == nil || got.JoystreamVideo.ID != "ocv-1" {
		t.Errorf("expected joystreamVideo to round-trip, got %+v", got.JoystreamVideo)
	}
}
