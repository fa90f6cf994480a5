package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundarb/pkg/models"
)

// KafkaFeed consumes venue execution events from a Kafka topic, for
// deployments where venue notifications are bridged through a broker
// instead of direct websockets.
type KafkaFeed struct {
	reader *kafka.Reader
	logger *logrus.Logger
}

type KafkaFeedConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaFeed(cfg KafkaFeedConfig, logger *logrus.Logger) (*KafkaFeed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "fundarb-recon"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: groupID,
	})
	logger.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("Kafka feed initialized")
	return &KafkaFeed{reader: reader, logger: logger}, nil
}

// Run reads events into out until the context ends. Offsets are committed
// by the consumer group reader after each fetch; the ingestor's dedupe and
// transition gating make redelivery harmless.
func (f *KafkaFeed) Run(ctx context.Context, out chan<- models.VenueEvent) error {
	defer f.reader.Close()

	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka feed read: %w", err)
		}

		var evt models.VenueEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("Undecodable feed message dropped")
			continue
		}
		if evt.Venue == "" && len(msg.Key) > 0 {
			evt.Venue = string(msg.Key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- evt:
		}
	}
}
