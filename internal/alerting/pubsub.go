package alerting

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/vanshika/votetrace/internal/domain"
)

type publisher interface {
	publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

type topicPublisher struct {
	topic *pubsub.Topic
}

func (t topicPublisher) publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return t.topic.Publish(ctx, msg).Get(ctx)
}

// PubSubSink publishes alerts as JSON to a Google Pub/Sub topic.
type PubSubSink struct {
	client    *pubsub.Client
	topic     *pubsub.Topic
	publisher publisher
	topicName string
}

// NewPubSubSink connects to projectID. Empty credentialsJSON selects application default
// credentials.
func NewPubSubSink(ctx context.Context, projectID, topic, credentialsJSON string) (*PubSubSink, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client for %s: %w", projectID, err)
	}
	t := client.Topic(topic)
	return &PubSubSink{
		client:    client,
		topic:     t,
		publisher: topicPublisher{topic: t},
		topicName: topic,
	}, nil
}

func (s *PubSubSink) Notify(ctx context.Context, alert domain.Alert) error {
	data, err := encode(alert)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"alertId":        alert.ID,
			"constituencyId": alert.ConstituencyID,
			"type":           string(alert.Type),
			"severity":       string(alert.Severity),
		},
	}
	if _, err := s.publisher.publish(ctx, msg); err != nil {
		return fmt.Errorf("pubsub publish to %s: %w", s.topicName, err)
	}
	return nil
}

// Close stops the topic's publish goroutines and closes the client.
func (s *PubSubSink) Close() error {
	if s.topic != nil {
		s.topic.Stop()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
