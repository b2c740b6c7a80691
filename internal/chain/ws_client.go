package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wireRequest/wireResponse are the small JSON-over-websocket RPC envelope a
// node speaks — a compact stand-in for the real Joystream RPC/signer
// collaborator named out of scope in spec.md §1.
type wireRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type wireResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type wireOutcome struct {
	Kind        string  `json:"kind"` // "Finalized", "Failed", "Rejected"
	Events      []Event `json:"events,omitempty"`
	FailureKind string  `json:"failureKind,omitempty"`
	FailureMsg  string  `json:"failureMsg,omitempty"`
}

// WSClient is the default Client: it dials a node over a websocket and
// submits createVideo extrinsics as request/response RPC calls, reconnecting
// with exponential backoff on disconnect — the teacher's dial/listen/
// reconnect shape from its Jellyfin notification client, adapted from a
// push-notification listener to a pending-request/response dialer.
type WSClient struct {
	url string

	connMu sync.RWMutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[uint64]chan wireResponse

	nextID atomic.Uint64

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	log *slog.Logger
}

// NewWSClient dials url immediately and starts the background read loop.
func NewWSClient(ctx context.Context, url string, log *slog.Logger) (*WSClient, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &WSClient{
		url:      url,
		pending:  make(map[uint64]chan wireResponse),
		stopChan: make(chan struct{}),
		log:      log,
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.listen(ctx)
	return c, nil
}

func (c *WSClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("chain client dial: %w", err)
	}
	c.conn = conn
	c.log.Info("chain client connected", slog.String("component", "chain"), slog.String("url", c.url))
	return nil
}

// listen reads responses off the wire and dispatches them to whichever
// SubmitCreateVideo call is waiting on that request id, reconnecting with
// exponential backoff when the connection drops.
func (c *WSClient) listen(ctx context.Context) {
	defer c.wg.Done()

	reconnectDelay := time.Second
	const maxReconnectDelay = 32 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			}
			if err := c.connect(ctx); err != nil {
				c.log.Warn("chain client reconnect failed", slog.String("component", "chain"), slog.Any("error", err))
				reconnectDelay *= 2
				if reconnectDelay > maxReconnectDelay {
					reconnectDelay = maxReconnectDelay
				}
				continue
			}
			reconnectDelay = time.Second
			continue
		}

		var resp wireResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.log.Warn("chain client read error, will reconnect", slog.String("component", "chain"), slog.Any("error", err))
			c.connMu.Lock()
			_ = c.conn.Close()
			c.conn = nil
			c.connMu.Unlock()
			continue
		}

		c.pendingMu.Lock()
		waiter, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			waiter <- resp
		}
	}
}

// SubmitCreateVideo sends a createVideo RPC call and blocks for its outcome.
func (c *WSClient) SubmitCreateVideo(ctx context.Context, req CreateVideoRequest) (Outcome, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, err
	}

	id := c.nextID.Add(1)
	waiter := make(chan wireResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = waiter
	c.pendingMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return Outcome{}, fmt.Errorf("chain client not connected")
	}

	if err := conn.WriteJSON(wireRequest{ID: id, Method: "createVideo", Params: params}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return Outcome{}, fmt.Errorf("chain client submit: %w", err)
	}

	select {
	case resp := <-waiter:
		if resp.Error != "" {
			return Outcome{}, fmt.Errorf("chain node rejected request: %s", resp.Error)
		}
		var wo wireOutcome
		if err := json.Unmarshal(resp.Result, &wo); err != nil {
			return Outcome{}, fmt.Errorf("chain client decode outcome: %w", err)
		}
		return toOutcome(wo), nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return Outcome{}, ctx.Err()
	}
}

func toOutcome(wo wireOutcome) Outcome {
	switch wo.Kind {
	case "Finalized":
		return Outcome{Kind: Finalized, Events: wo.Events}
	case "Failed":
		return Outcome{Kind: Failed, FailureKind: wo.FailureKind, FailureMsg: wo.FailureMsg}
	default:
		return Outcome{Kind: Rejected}
	}
}

// Close stops the read loop and closes the connection.
func (c *WSClient) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	var err error
	if conn != nil {
		// The read loop sees the close as a read error, clears c.conn under
		// connMu itself, and then exits on stopChan.
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
