// Package sink delivers new incidents to external systems off the ingest path.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
	"corrwatch/internal/storage"
)

type Sink interface {
	Name() string
	Publish(ctx context.Context, inc *model.SecurityIncident) error
	Close() error
}

// SinkUnavailableError wraps a failed delivery attempt. The incident itself
// is unaffected; only the outbound copy is retried or given up on.
type SinkUnavailableError struct {
	Sink string
	Err  error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("sink %s unavailable: %v", e.Sink, e.Err)
}

func (e *SinkUnavailableError) Unwrap() error {
	return e.Err
}

func encode(inc *model.SecurityIncident) ([]byte, error) {
	data, err := json.Marshal(inc)
	if err != nil {
		return nil, fmt.Errorf("encode incident %s: %w", inc.IncidentID, err)
	}
	return data, nil
}

// Build constructs every enabled sink. On error the sinks already opened
// are closed.
func Build(cfg config.SinksConfig, store storage.Store, logger *slog.Logger) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	if store != nil {
		sinks = append(sinks, NewStorageSink(store))
	}
	if cfg.Webhook.Enabled {
		sinks = append(sinks, NewWebhookSink(cfg.Webhook, cfg.AttemptTimeout))
	}
	if cfg.NATS.Enabled {
		s, err := NewNATSSink(cfg.NATS, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka))
	}
	if cfg.Redis.Enabled {
		sinks = append(sinks, NewRedisSink(cfg.Redis))
	}
	return sinks, nil
}
