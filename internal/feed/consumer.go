package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

// Fetcher pulls the canonical message tail from the backend.
type Fetcher interface {
	GetMessages(ctx context.Context, sessionID string, sinceTS int64) ([]domain.Message, error)
}

// Sink receives merged authoritative messages.
type Sink interface {
	Ingest(msgs []domain.Message)
	LastAuthoritativeTS() int64
}

// frame is the websocket push envelope from the backend feed.
type frame struct {
	Type     string           `json:"type"`
	Messages []domain.Message `json:"messages,omitempty"`
}

// Consumer feeds authoritative messages into a Sink from two sources: a
// websocket push connection and a periodic poll. Both go through the same
// Ingest path, so arrival races cannot duplicate or reorder anything.
type Consumer struct {
	sessionID    string
	wsURL        string
	fetcher      Fetcher
	sink         Sink
	pollInterval time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	running   bool
	connected bool
	lastError error
}

// NewConsumer creates a feed consumer for one session. wsURL may be empty,
// in which case only polling runs.
func NewConsumer(sessionID, wsURL string, fetcher Fetcher, sink Sink, pollInterval time.Duration) *Consumer {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Consumer{
		sessionID:    sessionID,
		wsURL:        wsURL,
		fetcher:      fetcher,
		sink:         sink,
		pollInterval: pollInterval,
	}
}

// Start launches the push and poll loops. Safe to call once per consumer.
func (c *Consumer) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go c.pollLoop(ctx)
	if c.wsURL != "" {
		go c.pushLoop(ctx)
	}
}

// Stop terminates both loops and closes the push connection.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.cancel()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// IsConnected reports whether the push connection is up.
func (c *Consumer) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the most recent push-connection error.
func (c *Consumer) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// pollLoop periodically reconciles against the backend tail. Fetch failures
// are logged and retried on the next tick, never surfaced to the user.
func (c *Consumer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context) {
	since := c.sink.LastAuthoritativeTS()

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msgs, err := c.fetcher.GetMessages(reqCtx, c.sessionID, since)
	if err != nil {
		logger.Debug("Message feed poll failed, will retry",
			zap.String("session_id", c.sessionID),
			zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		c.sink.Ingest(msgs)
	}
}

// pushLoop keeps a websocket connection to the feed, reconnecting with a
// fixed delay. Every received batch goes through the same Ingest path as the
// poll results.
func (c *Consumer) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndRead(ctx); err != nil {
			c.mu.Lock()
			c.lastError = err
			c.connected = false
			c.mu.Unlock()
			logger.Warn("Feed push connection lost, reconnecting",
				zap.String("session_id", c.sessionID),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (c *Consumer) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastError = nil
	c.mu.Unlock()

	logger.Info("Feed push connected", zap.String("session_id", c.sessionID))

	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Error("Failed to parse feed frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case "messages":
			if len(f.Messages) > 0 {
				c.sink.Ingest(f.Messages)
			}
		case "ping":
			// Keepalive only.
		default:
			logger.Debug("Unhandled feed frame", zap.String("type", f.Type))
		}
	}
}
