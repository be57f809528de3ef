package upload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisSink stores each report in a hash named <prefix>:<key> and
// announces it on the <prefix> channel, in one transaction per batch.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink connects lazily to the server at addr.
func NewRedisSink(addr, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "bms"
	}
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (s *RedisSink) Upload(ctx context.Context, reports []Report) {
	if err := s.Publish(ctx, reports); err != nil {
		slog.Error("[UPLOAD] redis publish failed", "error", err)
	}
}

// Publish writes reports and returns the transaction error, if any.
func (s *RedisSink) Publish(ctx context.Context, reports []Report) error {
	if len(reports) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, r := range reports {
		pipe.HSet(ctx, s.HashKey(r), r.Fields())
		pipe.Publish(ctx, s.prefix, r.Key())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upload: redis transaction: %w", err)
	}
	return nil
}

// HashKey returns the hash that holds r.
func (s *RedisSink) HashKey(r Report) string {
	return s.prefix + ":" + r.Key()
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
