package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chainmirror/synch/internal/errs"
)

const (
	pageSize   = 1000
	maxRetries = 4
)

// HTTPClient is the default indexer Client: cursor-paginated GraphQL POSTs
// over net/http, retried with the teacher's helix.go backoff-on-5xx/
// transport shape (rate-limit and auth-refresh branches dropped — this
// endpoint is unauthenticated and has no published rate limit).
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPClient builds an HTTPClient against a GraphQL endpoint.
func NewHTTPClient(endpoint string, httpClient *http.Client, log *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPClient{endpoint: endpoint, httpClient: httpClient, log: log}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

// query executes one GraphQL POST and decodes its data payload into out,
// retrying transport errors and 5xx responses with exponential backoff.
func (c *HTTPClient) query(ctx context.Context, gql string, vars map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: gql, Variables: vars})
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return errs.Wrap(errs.NotConnected, "indexer query failed", err)
			}
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode >= 500 && attempt < maxRetries {
			_ = resp.Body.Close()
			c.log.Warn("indexer query 5xx, retrying", slog.String("component", "indexer"),
				slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt))
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return errs.Wrap(errs.NotConnected, "indexer query failed",
				fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(b))))
		}

		var gr gqlResponse
		decErr := json.NewDecoder(resp.Body).Decode(&gr)
		_ = resp.Body.Close()
		if decErr != nil {
			return fmt.Errorf("decode indexer response: %w", decErr)
		}
		if len(gr.Errors) > 0 {
			return fmt.Errorf("indexer returned errors: %s", gr.Errors[0].Message)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(gr.Data, out)
	}
	return errs.New(errs.NotConnected, "indexer query failed after retries")
}

func backoffDelay(attempt int) time.Duration {
	d := 250 * time.Millisecond * time.Duration(1<<(attempt-1))
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *HTTPClient) GetChannelByID(ctx context.Context, id string) (Channel, error) {
	var out struct {
		Channel *Channel `json:"channelByUniqueInput"`
	}
	if err := c.query(ctx, `query($id: ID!){ channelByUniqueInput(where:{id:$id}){ id bagId memberId } }`,
		map[string]any{"id": id}, &out); err != nil {
		return Channel{}, err
	}
	if out.Channel == nil {
		return Channel{}, errs.New(errs.ChannelNotFound, "channel not found in indexer")
	}
	return *out.Channel, nil
}

func (c *HTTPClient) GetVideoByID(ctx context.Context, id string) (Video, error) {
	var out struct {
		Video *Video `json:"videoByUniqueInput"`
	}
	if err := c.query(ctx, `query($id: ID!){ videoByUniqueInput(where:{id:$id}){ id channelId mediaId thumbnailId } }`,
		map[string]any{"id": id}, &out); err != nil {
		return Video{}, err
	}
	if out.Video == nil {
		return Video{}, errs.New(errs.VideoNotFound, "video not found in indexer")
	}
	return *out.Video, nil
}

func (c *HTTPClient) ListMembers(ctx context.Context, ids []string) ([]Member, error) {
	var out struct {
		Members []Member `json:"memberships"`
	}
	if err := c.query(ctx, `query($ids: [ID!]){ memberships(where:{id_in:$ids}){ id handle } }`,
		map[string]any{"ids": ids}, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// ListStorageBuckets pages through all storage buckets, 1000 per
// page per spec.md §6, stopping once a page returns fewer than a full page.
func (c *HTTPClient) ListStorageBuckets(ctx context.Context) ([]StorageBucket, error) {
	var all []StorageBucket
	cursor := ""
	for {
		var out struct {
			Edges []struct {
				Cursor string        `json:"cursor"`
				Node   StorageBucket `json:"node"`
			} `json:"edges"`
		}
		if err := c.query(ctx,
			`query($first: Int!, $after: String){ storageBucketsConnection(first:$first, after:$after){ edges { cursor node { id operatorUrl freeBytes freeObjects acceptingBags } } } }`,
			map[string]any{"first": pageSize, "after": cursor}, &out); err != nil {
			return nil, err
		}
		for _, e := range out.Edges {
			all = append(all, e.Node)
			cursor = e.Cursor
		}
		if len(out.Edges) < pageSize {
			break
		}
	}
	return all, nil
}

func (c *HTTPClient) ListDistributionBucketFamilies(ctx context.Context) ([]DistributionBucketFamily, error) {
	var out struct {
		Families []DistributionBucketFamily `json:"distributionBucketFamilies"`
	}
	if err := c.query(ctx, `query{ distributionBucketFamilies{ id bagIds } }`, nil, &out); err != nil {
		return nil, err
	}
	return out.Families, nil
}

func (c *HTTPClient) GetDataObjectByID(ctx context.Context, id string) (DataObject, error) {
	var out struct {
		Object *DataObject `json:"storageDataObjectByUniqueInput"`
	}
	if err := c.query(ctx, `query($id: ID!){ storageDataObjectByUniqueInput(where:{id:$id}){ id size isAccepted } }`,
		map[string]any{"id": id}, &out); err != nil {
		return DataObject{}, err
	}
	if out.Object == nil {
		return DataObject{}, fmt.Errorf("data object %s not found", id)
	}
	return *out.Object, nil
}
