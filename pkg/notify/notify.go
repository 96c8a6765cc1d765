// Package notify publishes run reports to Redis for dashboards that want
// push delivery instead of polling the HTTP surface. Publishing is always
// best-effort: a run never fails because a notification did.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/utils"
)

const (
	// RunChannel is the Pub/Sub channel for completed run reports.
	RunChannel = "warehouse:runs"
	// RunStream is the stream retaining recent run reports.
	RunStream = "warehouse:runs:stream"

	defaultStreamMaxLen = 1000
)

// Publisher pushes run reports over Redis Pub/Sub and a capped stream.
type Publisher struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// NewPublisher connects to Redis using REDIS_HOST/REDIS_PORT/REDIS_PASSWORD/
// REDIS_DB. Returns an error when Redis is unreachable; callers treat a nil
// publisher as notifications disabled.
func NewPublisher(ctx context.Context, logger *zap.Logger) (*Publisher, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: utils.Env("REDIS_PASSWORD", ""),
		DB:       utils.EnvInt("REDIS_DB", 0),

		PoolSize:     5,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", addr))
	return &Publisher{
		client:       rdb,
		logger:       logger,
		streamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", defaultStreamMaxLen),
	}, nil
}

// PublishRun fans a run report out to the Pub/Sub channel and the stream.
func (p *Publisher) PublishRun(ctx context.Context, runID string, report interface{}) {
	payload, err := json.Marshal(report)
	if err != nil {
		p.logger.Warn("Failed to encode run report", zap.Error(err))
		return
	}

	if err := p.client.Publish(ctx, RunChannel, payload).Err(); err != nil {
		p.logger.Warn("Failed to publish run report",
			zap.String("channel", RunChannel),
			zap.Error(err))
	}

	args := &redis.XAddArgs{
		Stream: RunStream,
		Values: map[string]interface{}{
			"run_id": runID,
			"report": payload,
		},
	}
	if p.streamMaxLen > 0 {
		args.MaxLen = p.streamMaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Warn("Failed to add run report to stream",
			zap.String("stream", RunStream),
			zap.Error(err))
	}
}

// Health checks the Redis connection.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
