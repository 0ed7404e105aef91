package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "sensorflow/config"
	"sensorflow/logger"
	"sensorflow/models"
)

// Sink delivers events to one downstream destination. Emit must be safe for
// concurrent use and must honor the context deadline.
type Sink interface {
	Name() string
	Emit(ctx context.Context, event models.Event) error
}

// LogSink writes every event to the structured log. It is the always-on
// fallback destination.
type LogSink struct {
	log *logger.Log
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger()}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Emit(_ context.Context, event models.Event) error {
	entry := s.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"event_id":   event.EventID,
		"event_type": string(event.Type),
		"stream_id":  event.StreamID,
	})

	switch event.Type {
	case models.EventDrift:
		entry.WithFields(logger.Fields{
			"field":    event.Drift.Field,
			"severity": string(event.Drift.Severity),
			"score":    event.Drift.Score,
		}).Warn("Drift detected")
	case models.EventCrossGroup:
		entry.WithFields(logger.Fields{
			"field":       event.CrossGroup.Field,
			"groups":      event.CrossGroup.Groups,
			"f_statistic": event.CrossGroup.FStatistic,
		}).Warn("Cross-group inconsistency detected")
	case models.EventQualityScore:
		entry.WithFields(logger.Fields{
			"composite": event.Quality.Composite,
		}).Info("Quality score")
	case models.EventRejection:
		entry.WithFields(logger.Fields{
			"reason": string(event.Rejection.Reason),
		}).Debug("Reading rejected")
	default:
		entry.Info("Event")
	}
	return nil
}

// KafkaSink publishes events as JSON messages keyed by stream id, so all
// events of one stream land on the same partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg *appconfig.Config) (*KafkaSink, error) {
	if len(cfg.Dispatcher.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Dispatcher.Kafka.Brokers...),
			Topic:    cfg.Dispatcher.Kafka.Topic,
			Balancer: &kafka.Hash{},
		},
	}, nil
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Emit(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	key := event.StreamID
	if key == "" {
		key = string(event.Type)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
}

// Close flushes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
