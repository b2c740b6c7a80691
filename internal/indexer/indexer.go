// Package indexer is the read-model query client UP and OC depend on
// (spec.md §1, §6): channel/video/member/bucket/data-object lookups plus a
// processor-state subscription, against an external GraphQL indexer. The
// indexer itself (and the transaction builder behind the chain RPC) are out
// of scope; this package only defines the boundary the pipeline consumes.
package indexer

import "context"

// StorageBucket is a candidate upload target ranked by UP (spec.md §4.7).
type StorageBucket struct {
	ID             string
	OperatorURL    string
	FreeBytes      int64
	FreeObjects    int64
	AcceptingBags  bool
}

// DistributionBucketFamily groups distribution buckets by geography/class;
// UP consults it only to confirm a storage bucket's bag is distributed
// before attempting upload.
type DistributionBucketFamily struct {
	ID      string
	BagIDs  []string
}

// DataObject is one media or thumbnail asset recorded on-chain.
type DataObject struct {
	ID        string
	Size      int64
	IsAccepted bool
}

// Channel is the subset of the indexer's channel record OC/UP need to
// resolve a video's storage bag.
type Channel struct {
	ID        string
	BagID     string
	MemberID  string
}

// Video is the subset of the indexer's video record OC/UP need.
type Video struct {
	ID           string
	ChannelID    string
	MediaID      string
	ThumbnailID  string
}

// Member is a membership record, consulted when validating a channel's
// owner/collaborator set.
type Member struct {
	ID      string
	Handle  string
}

// ProcessorState is one tick of the indexer's block-processing status,
// consulted to detect OutdatedState (spec.md §7): the indexer has fallen
// behind the chain tip by more than the caller's tolerance.
type ProcessorState struct {
	LastProcessedBlock int64
	ChainHead          int64
}

// Client is the full indexer boundary consumed by OC and UP.
type Client interface {
	GetChannelByID(ctx context.Context, id string) (Channel, error)
	GetVideoByID(ctx context.Context, id string) (Video, error)
	ListMembers(ctx context.Context, ids []string) ([]Member, error)
	ListStorageBuckets(ctx context.Context) ([]StorageBucket, error)
	ListDistributionBucketFamilies(ctx context.Context) ([]DistributionBucketFamily, error)
	GetDataObjectByID(ctx context.Context, id string) (DataObject, error)
	SubscribeProcessorState(ctx context.Context) (<-chan ProcessorState, error)
	Close() error
}
