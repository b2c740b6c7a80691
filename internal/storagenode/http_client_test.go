package storagenode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func writeTempAsset(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "asset.bin")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestUploadSucceedsOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bag1/do1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(nil)
	res, err := c.Upload(context.Background(), srv.URL, "bag1", Asset{DataObjectID: "do1", Path: writeTempAsset(t, "hello")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
}

func TestUploadReturns4xxWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewHTTPClient(nil)
	res, err := c.Upload(context.Background(), srv.URL, "bag1", Asset{DataObjectID: "do1", Path: writeTempAsset(t, "hello")})
	if err != nil {
		t.Fatalf("Upload returned error for 4xx, want nil: %v", err)
	}
	if res.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", res.StatusCode)
	}
}

func TestUploadRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewHTTPClient(nil)
	res, err := c.Upload(context.Background(), srv.URL, "bag1", Asset{DataObjectID: "do1", Path: writeTempAsset(t, "hello")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", res.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestUploadMissingFileIsPermanentError(t *testing.T) {
	c := NewHTTPClient(nil)
	_, err := c.Upload(context.Background(), "http://example.invalid", "bag1", Asset{DataObjectID: "do1", Path: "/does/not/exist"})
	if err == nil {
		t.Fatal("expected an error for a missing source file")
	}
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if r.URL.Path != "/api/v1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(nil)
	d, err := c.Ping(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if d < 0 {
		t.Errorf("latency = %v, want >= 0", d)
	}
}

func TestPingReturnsErrorOnTransportFailure(t *testing.T) {
	c := NewHTTPClient(nil)
	if _, err := c.Ping(context.Background(), "http://127.0.0.1:0"); err == nil {
		t.Fatal("expected an error for an unreachable node")
	}
}
