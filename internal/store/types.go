package store

import (
	"strings"
	"time"
)

// VideoState is one node in the directed state graph from spec.md §4.6.
type VideoState string

const (
	StateNew                 VideoState = "New"
	StateVideoCreationFailed VideoState = "VideoCreationFailed"
	StateVideoCreated        VideoState = "VideoCreated"
	StateUploadFailed        VideoState = "UploadFailed"
	StateUploadSucceeded     VideoState = "UploadSucceeded"
	StateVideoUnavailable    VideoState = "VideoUnavailable"
)

// validEdges encodes the directed graph in spec.md §4.6 plus the two retry
// edges (VideoCreationFailed -> DL, UploadFailed -> UP) named there.
var validEdges = map[VideoState]map[VideoState]bool{
	StateNew: {
		StateVideoCreated:        true,
		StateVideoCreationFailed: true,
		StateVideoUnavailable:    true,
	},
	StateVideoCreationFailed: {
		StateVideoCreated:     true,
		StateVideoUnavailable: true,
	},
	StateVideoCreated: {
		StateUploadSucceeded: true,
		StateUploadFailed:    true,
	},
	StateUploadFailed: {
		StateUploadSucceeded: true,
	},
	// Terminal states have no outgoing edges.
	StateVideoUnavailable: {},
	StateUploadSucceeded:  {},
}

// CanTransition reports whether moving from-to is an edge of the state
// graph, or a no-op (from == to).
func CanTransition(from, to VideoState) bool {
	if from == to {
		return true
	}
	edges, ok := validEdges[from]
	return ok && edges[to]
}

// JoystreamVideo is populated from VideoCreated onward (spec.md §3).
type JoystreamVideo struct {
	ID       string
	AssetIDs [2]string // [0]=media, [1]=thumbnail
}

// HasOnChainRecord mirrors invariant 2: joystreamVideo.id is set iff state
// is one of VideoCreated, UploadFailed, UploadSucceeded.
func (s VideoState) HasOnChainRecord() bool {
	switch s {
	case StateVideoCreated, StateUploadFailed, StateUploadSucceeded:
		return true
	default:
		return false
	}
}

// Channel is the channel record from spec.md §3, keyed by (UserID, ChannelID).
type Channel struct {
	UserID    string
	ChannelID string // external channel id

	Title        string
	Description  string
	ThumbnailURL string

	AccessToken       string // encrypted at rest by internal/crypto
	RefreshToken      string
	UploadsPlaylistID string

	JoystreamChannelID string
	LanguageTag        string
	DefaultCategory    string

	ShouldBeIngested        bool
	AllowOperatorIngestion  bool
	PerformUnauthorizedSync bool

	// YppStatus is one of Unverified, Verified::*, Suspended::*, OptedOut.
	YppStatus string

	ReferrerChannelID string

	// SuspendReason is free text set whenever YppStatus transitions to a
	// Suspended::* value (SPEC_FULL.md §3.1); empty otherwise.
	SuspendReason string

	HistoricalVideoSyncedSize int64
	LastActedAt               time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSyncCandidate implements spec.md §3-invariant 3.
func (c Channel) IsSyncCandidate() bool {
	return c.ShouldBeIngested &&
		c.AllowOperatorIngestion &&
		strings.HasPrefix(c.YppStatus, "Verified::")
}

// IsSuspendedOrOptedOut implements the CRV exclusion rule from spec.md §4.3.
func (c Channel) IsSuspendedOrOptedOut() bool {
	return strings.HasPrefix(c.YppStatus, "Suspended") || c.YppStatus == "OptedOut"
}

// Video is the video record from spec.md §3, keyed by (ChannelID, VideoID).
type Video struct {
	ChannelID string
	VideoID   string // external video id

	Title                 string
	Description           string
	DurationSeconds       int
	ThumbnailURL          string
	PublishedAt           time.Time
	UploadStatus          string
	PrivacyStatus         string
	LiveBroadcastContent  string
	License               string
	Container             string
	ViewCount             int64

	JoystreamChannelID string
	Category           string
	Language           string

	State          VideoState
	JoystreamVideo *JoystreamVideo

	// LocalMediaPath and DownloadedBytes are set once DL has staged the
	// asset on disk; they are what makes a New video eligible for OC.
	LocalMediaPath     string
	DownloadedBytes    int64
	DownloadRetryCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDownloadEligible implements the (a) branch of DL's input set in
// spec.md §4.5.
func (v Video) IsDownloadEligible() bool {
	return v.State == StateNew &&
		v.PrivacyStatus == "public" &&
		v.UploadStatus == "processed" &&
		v.LiveBroadcastContent == "none" &&
		v.LocalMediaPath == ""
}

// HasStagedBytes reports whether DL has already staged this video's media
// locally, making it eligible for OC regardless of why it reached New.
func (v Video) HasStagedBytes() bool {
	return v.LocalMediaPath != "" && v.DownloadedBytes > 0
}

// WhitelistEntry maps a channel handle to the timestamp it was whitelisted,
// consulted only during onboarding (spec.md §3).
type WhitelistEntry struct {
	Handle    string
	CreatedAt time.Time
}
