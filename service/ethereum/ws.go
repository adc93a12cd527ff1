package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSubscriptionClosed is reported when the subscription is closed locally.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription delivers new heads until it fails or is closed. After a
// failure the error is sent on Err and Heads is closed.
type Subscription interface {
	Heads() <-chan Head
	Err() <-chan error
	Close() error
}

// WSConfig configures WebSocket behavior.
type WSConfig struct {
	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds the wait for the eth_subscribe confirmation.
	SubscribeTimeout time.Duration
	// PingInterval is the interval for keepalive ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long the connection may stay silent (no message, no pong).
	ReadTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WSClient opens newHeads subscriptions against a node WebSocket endpoint.
// Each subscription owns its own connection; reconnecting is the caller's job.
type WSClient struct {
	endpoint string
	config   WSConfig
	logger   *slog.Logger
}

// NewWSClient creates a WebSocket client. A nil config uses DefaultWSConfig.
func NewWSClient(endpoint string, config *WSConfig, logger *slog.Logger) *WSClient {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	return &WSClient{endpoint: endpoint, config: cfg, logger: logger}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// SubscribeNewHeads dials the node and issues eth_subscribe("newHeads").
// It returns once the node has confirmed the subscription.
func (c *WSClient) SubscribeNewHeads(ctx context.Context) (Subscription, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	subID, err := c.subscribe(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &wsSubscription{
		id:     subID,
		conn:   conn,
		config: c.config,
		logger: c.logger,
		heads:  make(chan Head, 16),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	c.logger.InfoContext(ctx, "subscribed to new heads", "subscription", subID)
	return s, nil
}

func (c *WSClient) subscribe(ctx context.Context, conn *websocket.Conn) (string, error) {
	const reqID = 1

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteJSON(wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "eth_subscribe",
		Params:  []interface{}{"newHeads"},
	}); err != nil {
		return "", fmt.Errorf("write subscribe: %w", err)
	}

	deadline := time.Now().Add(c.config.SubscribeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("read subscribe response: %w", err)
		}
		if msg.ID == nil || *msg.ID != reqID {
			continue
		}
		if msg.Error != nil {
			return "", fmt.Errorf("subscribe: %w", msg.Error)
		}
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err != nil || subID == "" {
			return "", fmt.Errorf("subscribe: unexpected result %s", string(msg.Result))
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return subID, nil
	}
}

type wsSubscription struct {
	id     string
	conn   *websocket.Conn
	config WSConfig
	logger *slog.Logger

	writeMu   sync.Mutex
	heads     chan Head
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *wsSubscription) Heads() <-chan Head { return s.heads }
func (s *wsSubscription) Err() <-chan error  { return s.errc }

// Close stops the subscription and waits for its goroutines.
func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *wsSubscription) fail(err error) {
	select {
	case <-s.done:
		err = ErrSubscriptionClosed
	default:
	}
	select {
	case s.errc <- err:
	default:
	}
}

func (s *wsSubscription) readLoop() {
	defer s.wg.Done()
	defer close(s.heads)

	for {
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.fail(fmt.Errorf("read: %w", err))
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		if msg.Method != "eth_subscription" || msg.Params == nil || msg.Params.Subscription != s.id {
			continue
		}
		var rh rpcHead
		if err := json.Unmarshal(msg.Params.Result, &rh); err != nil {
			s.logger.Warn("dropping malformed head notification", "error", err)
			continue
		}

		select {
		case s.heads <- Head{Number: uint64(rh.Number), Hash: rh.Hash}:
		case <-s.done:
			s.fail(ErrSubscriptionClosed)
			return
		}
	}
}

func (s *wsSubscription) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				// The read loop notices the dead connection and reports it.
				s.logger.Debug("ping failed", "error", err)
			}
		}
	}
}
