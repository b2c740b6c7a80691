package downloader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/chainmirror/synch/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	err     error
	size    int64
	fetched []string
}

func (f *fakeSource) FetchMedia(ctx context.Context, v store.Video, destPath string) (int64, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, v.VideoID)
	f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.size, nil
}

type fakeLister struct{ videos []store.Video }

func (f *fakeLister) ListUnsyncedVideos(ctx context.Context, limit int) ([]store.Video, error) {
	return f.videos, nil
}

type fakeVideoStore struct {
	mu   sync.Mutex
	puts []store.Video
}

func (f *fakeVideoStore) PutVideo(ctx context.Context, v store.Video) error {
	f.mu.Lock()
	f.puts = append(f.puts, v)
	f.mu.Unlock()
	return nil
}

func (f *fakeVideoStore) find(videoID string) (store.Video, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.puts) - 1; i >= 0; i-- {
		if f.puts[i].VideoID == videoID {
			return f.puts[i], true
		}
	}
	return store.Video{}, false
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestDownloadOneSuccessStagesMedia(t *testing.T) {
	source := &fakeSource{size: 1024}
	videos := &fakeVideoStore{}
	lister := &fakeLister{videos: []store.Video{{ChannelID: "c1", VideoID: "v1", State: store.StateNew}}}
	d := New(source, lister, videos, t.TempDir(), 2, 0, testLogger())

	if err := d.RunCycle(context.Background(), 10); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	v, ok := videos.find("v1")
	if !ok {
		t.Fatal("expected a PutVideo call for v1")
	}
	if v.DownloadedBytes != 1024 {
		t.Errorf("DownloadedBytes = %d, want 1024", v.DownloadedBytes)
	}
	if v.LocalMediaPath == "" {
		t.Error("expected LocalMediaPath to be set")
	}
	if v.State != store.StateNew {
		t.Errorf("State = %v, want unchanged New", v.State)
	}
}

func TestDownloadOneTerminalFailureMarksUnavailable(t *testing.T) {
	source := &fakeSource{err: errors.New("404 not found")}
	videos := &fakeVideoStore{}
	lister := &fakeLister{videos: []store.Video{{ChannelID: "c1", VideoID: "v1", State: store.StateNew}}}
	d := New(source, lister, videos, t.TempDir(), 2, 0, testLogger())

	if err := d.RunCycle(context.Background(), 10); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	v, ok := videos.find("v1")
	if !ok {
		t.Fatal("expected a PutVideo call for v1")
	}
	if v.State != store.StateVideoUnavailable {
		t.Errorf("State = %v, want VideoUnavailable", v.State)
	}
}

func TestDownloadOneTransientFailureIncrementsRetryCount(t *testing.T) {
	source := &fakeSource{err: errors.New("connection reset by peer")}
	videos := &fakeVideoStore{}
	lister := &fakeLister{videos: []store.Video{{ChannelID: "c1", VideoID: "v1", State: store.StateNew}}}
	d := New(source, lister, videos, t.TempDir(), 2, 0, testLogger())

	if err := d.RunCycle(context.Background(), 10); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	v, ok := videos.find("v1")
	if !ok {
		t.Fatal("expected a PutVideo call for v1")
	}
	if v.State != store.StateNew {
		t.Errorf("State = %v, want unchanged New", v.State)
	}
	if v.DownloadRetryCount == 0 {
		t.Error("expected DownloadRetryCount to be incremented")
	}
}

func TestDownloadOneSkipsWhenDiskBudgetExhausted(t *testing.T) {
	source := &fakeSource{size: 1024}
	videos := &fakeVideoStore{}
	lister := &fakeLister{videos: []store.Video{{ChannelID: "c1", VideoID: "v1", State: store.StateNew}}}
	d := New(source, lister, videos, t.TempDir(), 2, 1, testLogger())
	d.budget.used = 1 // already at the (tiny) limit

	if err := d.RunCycle(context.Background(), 10); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(source.fetched) != 0 {
		t.Errorf("expected no fetch attempts once disk budget is exhausted, got %d", len(source.fetched))
	}
	if _, ok := videos.find("v1"); ok {
		t.Error("expected no PutVideo call when the download was skipped")
	}
}

func TestChannelSlotsSerializesPerChannel(t *testing.T) {
	slots := newChannelSlots()
	ctx := context.Background()

	if err := slots.acquire(ctx, "c1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = slots.acquire(ctx, "c1")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire for the same channel should block until release")
	default:
	}

	slots.release("c1")
	<-acquired
}
