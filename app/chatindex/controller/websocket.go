package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopy-network/chatindex/pkg/redis"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"`    // "chat.updated", "info", "error"
	Payload interface{} `json:"payload"` // Event-specific data
}

// HandleChatUpdates upgrades the connection and streams the chat.updated events of one account.
//
// Server sends:
// - {"type": "chat.updated", "payload": {"type": "chat.updated", "thread": "U1:U2", "entry": {...}}}
// - {"type": "info", "payload": {"message": "..."}}
// - {"type": "error", "payload": {"message": "...", "recoverable": true}}
//
// Client messages are read only to detect closure.
func (c *Controller) HandleChatUpdates(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := c.App.Resolver.ValidateAddress(address); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidAccount, err.Error())
		return
	}

	if c.App.RedisClient == nil {
		writeError(w, http.StatusServiceUnavailable, "LIVE_UPDATES_DISABLED", "live updates not available (Redis disabled)")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("address", address))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan ServerMessage, 256)

	// Producers write to send; the writer drains it until it is closed.
	var producers sync.WaitGroup
	producers.Add(2)
	go c.guard(cancel, r, "Redis subscriber", func() {
		defer producers.Done()
		c.subscribeToRedis(ctx, address, send)
	})
	go c.guard(cancel, r, "ping ticker", func() {
		defer producers.Done()
		c.sendPings(ctx, conn)
	})

	writerDone := make(chan struct{})
	go c.guard(cancel, r, "message writer", func() {
		defer close(writerDone)
		c.writeMessages(conn, send, cancel)
	})

	// Blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel)

	cancel()
	producers.Wait()
	close(send)
	<-writerDone

	c.App.Logger.Info("WebSocket client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("address", address))
}

// guard runs fn and turns a panic into a connection shutdown.
func (c *Controller) guard(cancel context.CancelFunc, r *http.Request, name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.App.Logger.Error("Panic in WebSocket goroutine",
				zap.String("goroutine", name),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
				zap.String("remote_addr", r.RemoteAddr))
			cancel()
		}
	}()
	fn()
}

// subscribeToRedis follows the chat channel of address and reconnects with exponential backoff
// until ctx is done. The client is told when the subscription drops and when it recovers.
func (c *Controller) subscribeToRedis(ctx context.Context, address string, send chan<- ServerMessage) {
	channel := redis.ChatChannel(address)

	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	backoff := initialBackoff
	attemptNum := 0

	for {
		if ctx.Err() != nil {
			return
		}

		attemptNum++
		subscriptionErr := c.attemptRedisSubscription(ctx, channel, send, attemptNum)

		if ctx.Err() != nil {
			return
		}

		if subscriptionErr != nil {
			c.App.Logger.Warn("Redis subscription failed, will retry",
				zap.String("channel", channel),
				zap.Error(subscriptionErr),
				zap.Int("attempt", attemptNum),
				zap.Duration("backoff", backoff))
		} else {
			c.App.Logger.Warn("Redis subscription channel closed, will retry",
				zap.String("channel", channel),
				zap.Int("attempt", attemptNum),
				zap.Duration("backoff", backoff))
		}

		select {
		case send <- ServerMessage{
			Type: "error",
			Payload: map[string]interface{}{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     backoff.Seconds(),
				"attempt":     attemptNum,
				"recoverable": true,
			},
		}:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

// attemptRedisSubscription subscribes once and forwards events until the subscription ends.
// Returns an error if the subscription could not be confirmed.
func (c *Controller) attemptRedisSubscription(ctx context.Context, channel string, send chan<- ServerMessage, attemptNum int) error {
	pubsub := c.App.RedisClient.Subscribe(ctx, channel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()

	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}

	select {
	case send <- ServerMessage{
		Type: "info",
		Payload: map[string]interface{}{
			"message": "subscribed to chat updates",
			"attempt": attemptNum,
		},
	}:
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.processRedisMessages(ctx, pubsub.Channel(), send)
}

// processRedisMessages forwards chat events until ch closes or ctx is done.
func (c *Controller) processRedisMessages(ctx context.Context, ch <-chan *goredis.Message, send chan<- ServerMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if redis.ChannelAddress(msg.Channel) == "" {
				c.App.Logger.Warn("Ignoring message from unexpected channel", zap.String("channel", msg.Channel))
				continue
			}

			var ev redis.ChatUpdatedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.App.Logger.Error("Failed to parse chat update",
					zap.Error(err),
					zap.String("channel", msg.Channel))
				continue
			}

			select {
			case send <- ServerMessage{Type: redis.ChatUpdatedType, Payload: ev}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// CalculateNextBackoff calculates the next backoff duration with exponential growth and jitter.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}

	// +/- jitterFactor spreads reconnecting clients apart
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	nextWithJitter := time.Duration(float64(next) + jitter)

	if nextWithJitter < current {
		nextWithJitter = current
	}
	if nextWithJitter > max {
		nextWithJitter = max
	}

	return nextWithJitter
}

// sendPings sends periodic WebSocket ping frames; the pong handler extends the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages writes queued messages to the connection until send is closed.
// After a write error it keeps draining so producers never block.
func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage, cancel context.CancelFunc) {
	failed := false
	for msg := range send {
		if failed {
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			failed = true
			cancel()
		}
	}
}

// readClientMessages discards client frames and returns once the connection is gone.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Unblock ReadMessage when another goroutine ends the connection.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			cancel()
			return
		}
	}
}
