// Package platform is MP's external dependency (spec.md §4.4 / §6): a
// per-creator-token client against the video platform's metadata API,
// generalized from the teacher's single-channel upload helper into a
// multi-channel, OAuth-refreshing metadata reader.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/chainmirror/synch/internal/config"
	"github.com/chainmirror/synch/internal/errs"
)

// Channel is the minimal shape platform needs from a channel record,
// accepted as an interface-free struct to avoid an import cycle with
// internal/store (MP assembles this from a store.Channel).
type Channel struct {
	UserID            string
	ChannelID         string
	AccessToken       string
	RefreshToken      string
	UploadsPlaylistID string
}

// VideoMeta is the external metadata MP reconciles into SS, matching the
// video record's external-metadata fields from spec.md §3.
type VideoMeta struct {
	VideoID              string
	Title                string
	Description          string
	DurationSeconds      int
	ThumbnailURL         string
	PublishedAt          time.Time
	UploadStatus         string
	PrivacyStatus        string
	LiveBroadcastContent string
	License              string
	ViewCount            int64
	Removed              bool // upstream reports the video as deleted or permanently private
}

// TokenRefreshObserver is notified when a channel's OAuth token was
// refreshed, so the caller can persist it back to SS.
type TokenRefreshObserver interface {
	OnTokenRefreshed(ctx context.Context, userID, channelID, accessToken, refreshToken string, expiry time.Time) error
}

// Client is the default metadata reader, built from golang.org/x/oauth2 and
// google.golang.org/api/youtube/v3 — the teacher's youtubeapi stack,
// generalized from a single stored token to a per-channel one.
type Client struct {
	oauth    *oauth2.Config
	observer TokenRefreshObserver
}

// New builds a Client from the youtube section of the loaded configuration.
func New(cfg config.YouTube, observer TokenRefreshObserver) *Client {
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"https://www.googleapis.com/auth/youtube.readonly"},
		},
		observer: observer,
	}
}

func (c *Client) serviceFor(ctx context.Context, ch Channel) (*yt.Service, error) {
	tok := &oauth2.Token{AccessToken: ch.AccessToken, RefreshToken: ch.RefreshToken}
	ts := c.oauth.TokenSource(ctx, tok)
	refreshed, err := ts.Token()
	if err != nil {
		return nil, errs.Wrap(errs.ApiNotConnected, "oauth token refresh failed", err)
	}
	if c.observer != nil && refreshed.AccessToken != tok.AccessToken {
		if err := c.observer.OnTokenRefreshed(ctx, ch.UserID, ch.ChannelID, refreshed.AccessToken, refreshed.RefreshToken, refreshed.Expiry); err != nil {
			return nil, err
		}
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(refreshed))
	svc, err := yt.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errs.Wrap(errs.ApiNotConnected, "build platform client", err)
	}
	return svc, nil
}

// ListUploads returns every video in the channel's uploads playlist,
// following pagination to completion (spec.md §4.4: "fetch the channel's
// upload playlist"). Each playlist page is followed by one batched
// Videos.list call for that page's ids, so the returned metadata carries
// the status/statistics fields (upload status, privacy status, live
// broadcast content, license, view count) DL's eligibility filter and QA's
// refresh path both need — PlaylistItems alone only has snippet/position
// data, never status.
func (c *Client) ListUploads(ctx context.Context, ch Channel) ([]VideoMeta, error) {
	svc, err := c.serviceFor(ctx, ch)
	if err != nil {
		return nil, err
	}

	var out []VideoMeta
	pageToken := ""
	for {
		call := svc.PlaylistItems.List([]string{"snippet", "contentDetails", "status"}).
			PlaylistId(ch.UploadsPlaylistID).MaxResults(50)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, classifyPlatformErr(err)
		}

		var page []VideoMeta
		var ids []string
		for _, item := range resp.Items {
			if item.ContentDetails == nil || item.Snippet == nil {
				continue
			}
			page = append(page, VideoMeta{
				VideoID:     item.ContentDetails.VideoId,
				Title:       item.Snippet.Title,
				Description: item.Snippet.Description,
				PublishedAt: parseRFC3339(item.ContentDetails.VideoPublishedAt),
			})
			ids = append(ids, item.ContentDetails.VideoId)
		}

		if len(ids) > 0 {
			details, err := c.videoDetails(ctx, svc, ids)
			if err != nil {
				return nil, err
			}
			for i := range page {
				if v, ok := details[page[i].VideoID]; ok {
					applyVideoDetails(&page[i], v)
				}
			}
		}
		out = append(out, page...)

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return out, nil
}

// videoDetails fetches status/statistics/contentDetails for up to 50 video
// ids in one call — YouTube's Videos.list accepts a comma-joined id batch,
// which lines up with PlaylistItems' own 50-per-page limit.
func (c *Client) videoDetails(ctx context.Context, svc *yt.Service, ids []string) (map[string]*yt.Video, error) {
	resp, err := svc.Videos.List([]string{"snippet", "status", "statistics", "contentDetails"}).
		Id(strings.Join(ids, ",")).Context(ctx).Do()
	if err != nil {
		return nil, classifyPlatformErr(err)
	}
	out := make(map[string]*yt.Video, len(resp.Items))
	for _, v := range resp.Items {
		out[v.Id] = v
	}
	return out, nil
}

// GetVideo fetches current status/statistics for a single video —
// MP refreshes mutable attributes and detects removal from here.
func (c *Client) GetVideo(ctx context.Context, ch Channel, videoID string) (VideoMeta, error) {
	svc, err := c.serviceFor(ctx, ch)
	if err != nil {
		return VideoMeta{}, err
	}

	resp, err := svc.Videos.List([]string{"snippet", "status", "statistics", "contentDetails"}).
		Id(videoID).Context(ctx).Do()
	if err != nil {
		return VideoMeta{}, classifyPlatformErr(err)
	}
	if len(resp.Items) == 0 {
		return VideoMeta{VideoID: videoID, Removed: true}, nil
	}

	meta := VideoMeta{VideoID: videoID}
	applyVideoDetails(&meta, resp.Items[0])
	return meta, nil
}

// applyVideoDetails fills the mutable/status fields of meta from a
// Videos.list item, shared by ListUploads' batched lookups and GetVideo's
// single-video refresh so the two never drift on which fields come from
// which part of the response.
func applyVideoDetails(meta *VideoMeta, v *yt.Video) {
	if v.Snippet != nil {
		meta.Title = v.Snippet.Title
		meta.Description = v.Snippet.Description
		meta.LiveBroadcastContent = v.Snippet.LiveBroadcastContent
	}
	if v.Status != nil {
		meta.UploadStatus = v.Status.UploadStatus
		meta.PrivacyStatus = v.Status.PrivacyStatus
		meta.License = v.Status.License
		meta.Removed = v.Status.PrivacyStatus == "privacyStatusUnspecified" || strings.EqualFold(v.Status.UploadStatus, "rejected")
	}
	if v.Statistics != nil {
		meta.ViewCount = int64(v.Statistics.ViewCount)
	}
	if v.ContentDetails != nil {
		meta.DurationSeconds = parseISO8601Duration(v.ContentDetails.Duration)
	}
}

func classifyPlatformErr(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 403:
			if containsAny(apiErr.Message, "quota", "quotaExceeded") {
				return errs.Wrap(errs.QuotaLimitExceeded, "platform api quota exceeded", err)
			}
			return errs.Wrap(errs.ChannelStatusSuspended, "platform api forbidden", err)
		case 401:
			return errs.Wrap(errs.ChannelStatusSuspended, "platform api unauthorized", err)
		case 404:
			return errs.Wrap(errs.VideoNotFound, "platform resource not found", err)
		}
	}
	return errs.Wrap(errs.ApiNotConnected, "platform api call failed", err)
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func parseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseISO8601Duration parses the subset of ISO-8601 durations the YouTube
// API emits for video length (PT#H#M#S).
func parseISO8601Duration(s string) int {
	s = strings.TrimPrefix(s, "PT")
	var hours, minutes, seconds int
	var num strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
		case r == 'H':
			hours = atoiSafe(num.String())
			num.Reset()
		case r == 'M':
			minutes = atoiSafe(num.String())
			num.Reset()
		case r == 'S':
			seconds = atoiSafe(num.String())
			num.Reset()
		}
	}
	return hours*3600 + minutes*60 + seconds
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
