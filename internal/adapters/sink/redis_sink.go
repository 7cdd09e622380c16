package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 2 * time.Second

// publisher is the subset of the redis client the sink uses
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes encoded events to a redis pub/sub channel
type RedisSink struct {
	client  publisher
	closer  func() error
	channel string
	codec   Codec
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisSink connects to redis and verifies the connection
func NewRedisSink(cfg config.RedisConfig, logger *zap.Logger) (*RedisSink, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeoutOrDefault(cfg.PublishTimeout))
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	logger.Info("Connected to redis event channel",
		zap.String("address", cfg.Address),
		zap.String("channel", cfg.Channel),
		zap.String("codec", codec.Name()))

	s := newRedisSink(rdb, cfg.Channel, codec, cfg.PublishTimeout, logger)
	s.closer = rdb.Close
	return s, nil
}

func newRedisSink(client publisher, channel string, codec Codec, timeout time.Duration, logger *zap.Logger) *RedisSink {
	return &RedisSink{
		client:  client,
		closer:  func() error { return nil },
		channel: channel,
		codec:   codec,
		timeout: timeoutOrDefault(timeout),
		logger:  logger,
	}
}

// Publish encodes the event and publishes it within the publish timeout
func (s *RedisSink) Publish(ctx context.Context, ev events.Event) error {
	payload, err := s.codec.Encode(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %d to %s: %w", ev.Seq, s.channel, err)
	}
	return nil
}

// Close releases the redis connection pool
func (s *RedisSink) Close() error {
	return s.closer()
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultPublishTimeout
	}
	return d
}
