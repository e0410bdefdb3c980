package redpanda

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// TopicNotifications carries caregiver notifications raised by failed backend calls
const TopicNotifications = "mar.notifications"

// TopicConfig describes a topic to create on startup
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// NotificationTopicConfig returns the layout of the notification topic. Notifications
// are keyed by route and only matter for a few days.
func NotificationTopicConfig(name string) TopicConfig {
	if name == "" {
		name = TopicNotifications
	}
	return TopicConfig{
		Name:              name,
		Partitions:        3,
		ReplicationFactor: -1, // broker default
		Configs: map[string]*string{
			"retention.ms":   kadm.StringPtr("259200000"), // 3 days
			"cleanup.policy": kadm.StringPtr("delete"),
		},
	}
}

// Admin creates topics
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client; Close releases it
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates each topic that does not exist yet
func (a *Admin) EnsureTopics(ctx context.Context, topics ...TopicConfig) error {
	for _, t := range topics {
		resp, err := a.client.CreateTopic(ctx, t.Partitions, t.ReplicationFactor, t.Configs, t.Name)
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists), errors.Is(resp.Err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", t.Name))
		case err != nil:
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		case resp.Err != nil:
			return fmt.Errorf("create topic %s: %w", t.Name, resp.Err)
		default:
			a.logger.Info("topic created", zap.String("topic", t.Name), zap.Int32("partitions", resp.NumPartitions))
		}
	}
	return nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
