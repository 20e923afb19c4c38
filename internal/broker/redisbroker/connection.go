// Package redisbroker implements the broker adapters (C5 connection, C6
// queue, C7 worker) over Redis, modeled as a BullMQ-style priority list:
// a ZSET of ready job ids scored by numeric priority, a JSON string key per
// job body,
// a SET of failed job ids for dead-letter inspection, and a delayed ZSET
// for backoff retries promoted by a small poller. It is adapted from the
// teacher's store/redis.go connection-and-latency-tracking style.
package redisbroker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/observability"
)

// Connection implements broker.Connection over a go-redis client.
type Connection struct {
	client *redis.Client
	log    *logging.Logger

	mu        sync.RWMutex
	connected bool
}

// NewConnection dials addr eagerly and returns an error if the initial
// ping fails, matching the teacher's NewRedisStore.
func NewConnection(addr, password string, db int, log *logging.Logger) (*Connection, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	c := &Connection{client: client, log: log}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Client exposes the underlying go-redis client for the Queue/Worker
// adapters built on the same connection.
func (c *Connection) Client() *redis.Client { return c.client }

// Ping probes the broker and latches connectedness to the outcome — the
// same pattern as resilience.DegradedMode's redisAvailable latch.
func (c *Connection) Ping(ctx context.Context) (string, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	token, err := c.client.Ping(ctx).Result()

	c.mu.Lock()
	c.connected = err == nil
	c.mu.Unlock()
	observability.BrokerConnected.Set(boolToFloat(err == nil))

	if err != nil {
		c.log.Warnf("ping failed: %v", err)
		return "", err
	}
	return token, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Quit closes the connection gracefully.
func (c *Connection) Quit(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	observability.BrokerConnected.Set(0)
	return c.client.Close()
}

// Disconnect closes the connection immediately. go-redis has no distinct
// "hard close" verb, so this is equivalent to Quit at this layer.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	observability.BrokerConnected.Set(0)
	return c.client.Close()
}

// Status reports a short human-readable connection status.
func (c *Connection) Status() string {
	if c.IsConnected() {
		return "connected"
	}
	return "disconnected"
}

// IsConnected is latched to the last Ping outcome, not a live probe.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
