// Package storagenode is UP's external dependency (spec.md §4.7/§6): upload
// one data object to one storage node's bespoke HTTP API under
// `<root>/api/v1`. The storage node itself is out of scope; this package
// only defines the boundary UP consumes.
package storagenode

import (
	"context"
	"time"
)

// Asset is one data object UP uploads.
type Asset struct {
	DataObjectID string
	Path         string // local path staged by DL, or an already-remote thumbnail URL
}

// UploadResult carries the node's response status, letting UP distinguish
// "retry this node" (transport/5xx) from "move to the next candidate" (4xx).
type UploadResult struct {
	StatusCode int
}

// Client is the subset of a storage node's HTTP API UP depends on.
type Client interface {
	// Upload streams asset to the node rooted at bucketURL, returning its
	// response status so the caller can classify it.
	Upload(ctx context.Context, bucketURL string, bagID string, asset Asset) (UploadResult, error)

	// Ping measures round-trip latency to the node rooted at bucketURL
	// without uploading anything, so OR's periodic response-time probe
	// (spec.md §4.8) can refresh UP's bucket ranking independent of actual
	// upload traffic.
	Ping(ctx context.Context, bucketURL string) (time.Duration, error)
}
