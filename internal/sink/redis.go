package sink

import (
	"context"

	"github.com/redis/go-redis/v9"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

// RedisSink publishes each incident on a channel and keeps a capped list of
// the most recent ones for pull-style consumers.
type RedisSink struct {
	client     *redis.Client
	channel    string
	recentKey  string
	recentSize int64
}

func NewRedisSink(cfg config.RedisSinkConfig) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel:    cfg.Channel,
		recentKey:  cfg.RecentKey,
		recentSize: cfg.RecentSize,
	}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Publish(ctx context.Context, inc *model.SecurityIncident) error {
	data, err := encode(inc)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, r.channel, data)
		if r.recentKey != "" && r.recentSize > 0 {
			pipe.LPush(ctx, r.recentKey, data)
			pipe.LTrim(ctx, r.recentKey, 0, r.recentSize-1)
		}
		return nil
	})
	return err
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
