// Package store wraps the Redis instance used for snapshot persistence and
// the cross-replica pub/sub bus. Only the keys, channels and payloads defined
// in internal/protocol are produced or consumed here.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/edit-relay/backend/internal/protocol"
)

// Client is a thin wrapper over go-redis for snapshot reads/writes and the
// doc ops pub/sub channels.
type Client struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to Redis at the given URL and verifies the connection.
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{rdb: rdb, ctx: clientCtx, cancel: cancel}, nil
}

// Close stops the subscriber loop and releases the connection pool.
func (c *Client) Close() error {
	c.cancel()
	return c.rdb.Close()
}

// LoadSnapshot reads a document's persisted snapshot. Returns (nil, nil)
// when no snapshot exists.
func (c *Client) LoadSnapshot(ctx context.Context, docID string) (*protocol.SnapshotRecord, error) {
	data, err := c.rdb.Get(ctx, protocol.SnapshotKey(docID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var rec protocol.SnapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed snapshot for %s: %w", docID, err)
	}
	return &rec, nil
}

// SaveSnapshot writes a document's snapshot record.
func (c *Client) SaveSnapshot(ctx context.Context, docID string, rec protocol.SnapshotRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, protocol.SnapshotKey(docID), data, 0).Err()
}

// RawSnapshot returns the persisted snapshot JSON verbatim, or nil when the
// key is absent. Used by the read-only API, which serves the stored bytes
// without reinterpreting them.
func (c *Client) RawSnapshot(ctx context.Context, docID string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, protocol.SnapshotKey(docID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// PublishOp sends an envelope on the document's ops channel.
func (c *Client) PublishOp(ctx context.Context, docID string, payload []byte) error {
	return c.rdb.Publish(ctx, protocol.OpsChannel(docID), payload).Err()
}

// SubscribeOps subscribes to every document's ops channel and invokes the
// handler for each message until the context (or the client) is closed.
// Handlers run on the subscriber goroutine; they must not block on Redis.
func (c *Client) SubscribeOps(ctx context.Context, handler func(channel string, payload []byte)) error {
	sub := c.rdb.PSubscribe(ctx, protocol.OpsPattern)

	// Confirm the subscription is live before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", protocol.OpsPattern, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	return nil
}
