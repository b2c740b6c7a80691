package indexer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainmirror/synch/internal/errs"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestGetChannelByIDSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Query, "channelByUniqueInput") {
			t.Errorf("unexpected query: %s", req.Query)
		}
		_ = json.NewEncoder(w).Encode(gqlResponse{
			Data: json.RawMessage(`{"channelByUniqueInput":{"id":"c1","bagId":"bag1","memberId":"m1"}}`),
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, testLogger())
	ch, err := c.GetChannelByID(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetChannelByID: %v", err)
	}
	if ch.BagID != "bag1" {
		t.Errorf("BagID = %q, want bag1", ch.BagID)
	}
}

func TestGetChannelByIDNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gqlResponse{Data: json.RawMessage(`{"channelByUniqueInput":null}`)})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, testLogger())
	_, err := c.GetChannelByID(context.Background(), "missing")
	if errs.KindOf(err) != errs.ChannelNotFound {
		t.Errorf("KindOf(err) = %v, want ChannelNotFound", errs.KindOf(err))
	}
}

func TestListStorageBucketsPaginates(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var edges string
		if n == 1 {
			buckets := make([]string, pageSize)
			for i := range buckets {
				buckets[i] = `{"cursor":"c","node":{"id":"b","operatorUrl":"","freeBytes":1,"freeObjects":1,"acceptingBags":true}}`
			}
			edges = strings.Join(buckets, ",")
		} else {
			edges = `{"cursor":"last","node":{"id":"b-last","operatorUrl":"","freeBytes":1,"freeObjects":1,"acceptingBags":true}}`
		}
		_ = json.NewEncoder(w).Encode(gqlResponse{
			Data: json.RawMessage(`{"storageBucketsConnection":{"edges":[` + edges + `]}}`),
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, testLogger())
	buckets, err := c.ListStorageBuckets(context.Background())
	if err != nil {
		t.Fatalf("ListStorageBuckets: %v", err)
	}
	if len(buckets) != pageSize+1 {
		t.Errorf("len(buckets) = %d, want %d", len(buckets), pageSize+1)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 pages fetched", calls)
	}
}

func TestQueryRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(gqlResponse{Data: json.RawMessage(`{"distributionBucketFamilies":[]}`)})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, testLogger())
	if _, err := c.ListDistributionBucketFamilies(context.Background()); err != nil {
		t.Fatalf("ListDistributionBucketFamilies: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 (one 500, one success)", calls)
	}
}

func TestSubscribeProcessorStateDeliversTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(ProcessorState{LastProcessedBlock: 10, ChainHead: 12})
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if u, err := url.Parse(wsURL); err == nil {
		wsURL = u.String()
	}

	c := NewDefaultClient(srv.URL, wsURL, testLogger())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := c.SubscribeProcessorState(ctx)
	if err != nil {
		t.Fatalf("SubscribeProcessorState: %v", err)
	}

	select {
	case state := <-ch:
		if state.LastProcessedBlock != 10 || state.ChainHead != 12 {
			t.Errorf("state = %+v, want {10 12}", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for processor state tick")
	}
}
