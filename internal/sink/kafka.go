package sink

import (
	"context"

	"github.com/segmentio/kafka-go"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg config.KafkaSinkConfig) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Publish keys messages by identity so one identity's incidents stay ordered
// within a partition.
func (k *KafkaSink) Publish(ctx context.Context, inc *model.SecurityIncident) error {
	data, err := encode(inc)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(inc.Identity),
		Value: data,
		Headers: []kafka.Header{
			{Key: "incident_id", Value: []byte(inc.IncidentID)},
			{Key: "severity", Value: []byte(inc.Severity)},
		},
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
