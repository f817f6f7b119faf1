package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher appends progress events to one Redis stream per run so other
// processes (CLI, API replicas) can replay and tail them.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPublisher keeps at most maxLen entries per stream and expires a
// stream ttl after its last event.
func NewRedisPublisher(client *redis.Client, maxLen int64, ttl time.Duration, logger *zap.Logger) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, prefix: "docugen:progress:", maxLen: maxLen, ttl: ttl, logger: logger}
}

func (p *RedisPublisher) streamKey(runID string) string { return p.prefix + runID }
func (p *RedisPublisher) seqKey(runID string) string    { return p.prefix + runID + ":seq" }

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	seq, err := p.client.Incr(ctx, p.seqKey(evt.RunID)).Result()
	if err != nil {
		return fmt.Errorf("progress seq: %w", err)
	}
	evt.Seq = uint64(seq)

	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamKey(evt.RunID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"type": evt.Type, "event": evt.Marshal()},
	})
	pipe.Expire(ctx, p.streamKey(evt.RunID), p.ttl)
	pipe.Expire(ctx, p.seqKey(evt.RunID), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progress xadd: %w", err)
	}
	return nil
}

// Replay returns every retained event of a run with Seq > since.
func (p *RedisPublisher) Replay(ctx context.Context, runID string, since uint64) ([]Event, error) {
	msgs, err := p.client.XRange(ctx, p.streamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("progress xrange: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		evt, err := decodeMessage(m)
		if err != nil {
			p.logger.Warn("skipping malformed progress entry", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Tail streams events to out until a terminal event is read or ctx ends.
// lastID is a stream ID; "0" replays from the beginning.
func (p *RedisPublisher) Tail(ctx context.Context, runID, lastID string, out chan<- Event) error {
	if lastID == "" {
		lastID = "0"
	}
	for {
		res, err := p.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{p.streamKey(runID), lastID},
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("progress xread: %w", err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				lastID = m.ID
				evt, err := decodeMessage(m)
				if err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return ctx.Err()
				}
				if evt.Terminal() {
					return nil
				}
			}
		}
	}
}

func decodeMessage(m redis.XMessage) (Event, error) {
	var raw string
	switch v := m.Values["event"].(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return Event{}, fmt.Errorf("missing event field")
	}
	var evt Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}
