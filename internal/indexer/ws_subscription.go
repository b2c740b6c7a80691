package indexer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainmirror/synch/internal/telemetry"
)

// DefaultClient is the full indexer.Client: HTTPClient's GraphQL queries
// plus a processor-state push subscription over a websocket, grounded
// directly on `tomtom215-cartographus`'s Jellyfin notification-listener
// shape (dial, read-loop, exponential-backoff reconnect, deliver to a
// channel) — unlike internal/chain's adaptation, this one keeps the
// original push-listener pattern because the processor-state feed really
// is server-pushed, not request/response.
type DefaultClient struct {
	*HTTPClient

	wsURL string
	log   *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewDefaultClient builds a DefaultClient; the websocket connection for
// SubscribeProcessorState is established lazily on first subscribe.
func NewDefaultClient(gqlEndpoint, wsURL string, log *slog.Logger) *DefaultClient {
	if log == nil {
		log = slog.Default()
	}
	return &DefaultClient{
		HTTPClient: NewHTTPClient(gqlEndpoint, nil, log),
		wsURL:      wsURL,
		log:        log,
		stopChan:   make(chan struct{}),
	}
}

// SubscribeProcessorState dials the indexer's websocket and streams
// decoded ProcessorState ticks to the returned channel until ctx is
// cancelled or Close is called, reconnecting with exponential backoff on
// disconnect.
func (c *DefaultClient) SubscribeProcessorState(ctx context.Context) (<-chan ProcessorState, error) {
	out := make(chan ProcessorState, 16)
	go c.listen(ctx, out)
	return out, nil
}

func (c *DefaultClient) listen(ctx context.Context, out chan<- ProcessorState) {
	defer close(out)

	reconnectDelay := time.Second
	const maxReconnectDelay = 32 * time.Second
	everConnected := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			c.log.Warn("indexer subscription dial failed", slog.String("component", "indexer"), slog.Any("error", err))
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			}
			reconnectDelay *= 2
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
			continue
		}
		reconnectDelay = time.Second
		if everConnected && telemetry.IndexerReconnects != nil {
			telemetry.IndexerReconnects.Inc()
		}
		everConnected = true

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		for {
			var state ProcessorState
			if err := conn.ReadJSON(&state); err != nil {
				c.log.Warn("indexer subscription read error, reconnecting", slog.String("component", "indexer"), slog.Any("error", err))
				_ = conn.Close()
				break
			}
			select {
			case out <- state:
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-c.stopChan:
				_ = conn.Close()
				return
			}
		}
	}
}

// Close stops any active subscription and closes its connection. The
// GraphQL HTTP path needs no teardown.
func (c *DefaultClient) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
