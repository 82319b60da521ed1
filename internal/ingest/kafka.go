package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"corrwatch/internal/config"
	"corrwatch/internal/logging"
)

func StartKafka(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "err", err)
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			rec, err := kafkaRecord(m)
			if err != nil {
				logger.Warn("kafka record rejected", "partition", m.Partition, "offset", m.Offset, "err", err)
				continue
			}
			pipeline.Submit(rec)
		}
	}()
}

// kafkaRecord decodes one message. The source kind comes from the record or,
// failing that, from a source_kind message header.
func kafkaRecord(m kafka.Message) (RawRecord, error) {
	obj, err := ParseJSONBytes(m.Value)
	if err != nil {
		return RawRecord{}, err
	}
	fallback := ""
	for _, h := range m.Headers {
		if h.Key == "source_kind" {
			fallback = string(h.Value)
		}
	}
	return RecordFromMap(obj, fallback, "kafka")
}
