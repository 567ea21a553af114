package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const defaultSyncTopic = "dd-sync"

// ErrPubSubNotConfigured is returned when no project id is set.
var ErrPubSubNotConfigured = errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	topics       = map[string]*pubsub.Topic{}
)

// PubSubProjectID is empty when sync triggers run in-process.
func PubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// SyncTopic carries the run ids of queued sync runs (DD_SYNC_TOPIC).
func SyncTopic() string {
	if v := os.Getenv("DD_SYNC_TOPIC"); v != "" {
		return v
	}
	return defaultSyncTopic
}

// GetClient returns the shared Pub/Sub client, creating it on first use with
// Application Default Credentials or PUBSUB_CREDENTIALS_JSON.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	return clientLocked(ctx)
}

func clientLocked(ctx context.Context) (*pubsub.Client, error) {
	if pubsubClient != nil {
		return pubsubClient, nil
	}
	projectID := PubSubProjectID()
	if projectID == "" {
		return nil, ErrPubSubNotConfigured
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	log := GetLogger().WithFields(logrus.Fields{"module": "Config", "project_id": projectID})
	const maxAttempts = 5
	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = c
			log.WithField("attempt", attempt).Info("pubsub client ready")
			return c, nil
		}
		if attempt == maxAttempts {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		wait := backoff(attempt)
		log.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).WithError(err).Warn("pubsub client not ready")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// CreateTopicIfNotExists returns the topic, creating it when missing.
func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return t, nil
	}
	if t, err = c.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// topic keeps one publisher per topic for the life of the process.
func topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if t, ok := topics[name]; ok {
		return t, nil
	}
	c, err := clientLocked(ctx)
	if err != nil {
		return nil, err
	}
	t, err := CreateTopicIfNotExists(ctx, c, name)
	if err != nil {
		return nil, err
	}
	topics[name] = t
	return t, nil
}

// PublishJSON publishes obj and waits for the server-assigned message id.
func PublishJSON(ctx context.Context, topicName string, obj any, attrs map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	t, err := topic(ctx, topicName)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}
