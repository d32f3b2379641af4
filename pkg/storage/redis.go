package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ngoyal88/flowlog/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// DefaultStream is the Redis stream payloads are appended to.
const DefaultStream = "flowlog:records"

// RedisSink streams payloads into a Redis stream and keeps per-node status
// counters next to it.
type RedisSink struct {
	rdb     *cache.Client
	stream  string
	maxLen  int64
	ttl     time.Duration // how long status counters live without traffic
	breaker *gobreaker.CircuitBreaker
}

// NewRedisSink creates a sink writing to stream, trimmed to roughly maxLen
// entries.
func NewRedisSink(rdb *cache.Client, stream string, maxLen int64, retention time.Duration) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = 100_000
	}
	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisSink{
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
		ttl:    retention,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "flowlog-redis-sink",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Emit appends p to the stream. While the breaker is open payloads are
// rejected immediately.
func (s *RedisSink) Emit(ctx context.Context, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		pipe := s.rdb.Redis().TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"node":    p.NodeID,
				"status":  p.Record.StatusCode,
				"payload": data,
			},
		})
		statusKey := fmt.Sprintf("flowlog:status:%s", p.NodeID)
		pipe.HIncrBy(ctx, statusKey, strconv.Itoa(p.Record.StatusCode), 1)
		pipe.Expire(ctx, statusKey, s.ttl)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		emitFailures.Inc()
	}
	return err
}

// Recent returns up to count payloads, newest first.
func (s *RedisSink) Recent(ctx context.Context, count int64) ([]*Payload, error) {
	if count <= 0 {
		count = 20
	}
	msgs, err := s.rdb.Redis().XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Payload, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["payload"].(string)
		if !ok {
			continue
		}
		var p Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// StatusCounts returns how many responses per status code a node emitted.
func (s *RedisSink) StatusCounts(ctx context.Context, nodeID string) (map[int]int64, error) {
	raw, err := s.rdb.Redis().HGetAll(ctx, fmt.Sprintf("flowlog:status:%s", nodeID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int]int64, len(raw))
	for k, v := range raw {
		code, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		n, _ := strconv.ParseInt(v, 10, 64)
		out[code] = n
	}
	return out, nil
}

// Ping checks Redis connection
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx)
}
