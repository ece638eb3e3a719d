// Package mqtt publishes records to an MQTT broker, one message per device and batch.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-healthpi-loader/measurement"
)

const (
	DefaultTopic   = "healthpi/records"
	qosAtLeastOnce = 1
)

// Publisher is the subset of paho.Client used by the repository.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

type Repository struct {
	publisher Publisher
	topic     string
}

// Connect opens a connection to the broker and returns a repository publishing through it.
func Connect(opts Options) (*Repository, paho.Client, error) {
	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	client := paho.NewClient(clientOpts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, errors.Wrapf(token.Error(), "failed to connect to MQTT broker %q", opts.Broker)
	}

	log.Info().Str("Broker", opts.Broker).Str("Topic", opts.Topic).Msg("mqtt: connected to broker")

	return New(client, opts.Topic), client, nil
}

func New(p Publisher, topic string) *Repository {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Repository{
		publisher: p,
		topic:     strings.TrimSuffix(topic, "/"),
	}
}

func (r *Repository) topicFor(src measurement.Source) string {
	if src.Device == nil {
		return r.topic + "/unknown"
	}

	return r.topic + "/" + strings.ReplaceAll(src.Device.String(), ":", "")
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Repository) StoreRecords(ctx context.Context, records []measurement.Record) error {
	var (
		topics  []string
		batches = make(map[string][]measurement.Record)
	)

	for _, rec := range records {
		topic := r.topicFor(rec.Source)

		if _, ok := batches[topic]; !ok {
			topics = append(topics, topic)
		}

		batches[topic] = append(batches[topic], rec)
	}

	for _, topic := range topics {
		payload, err := json.Marshal(batches[topic])
		if err != nil {
			return errors.Wrap(err, "failed to serialize records")
		}

		token := r.publisher.Publish(topic, qosAtLeastOnce, false, payload)

		if err := wait(ctx, token); err != nil {
			return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
		}

		log.Debug().Str("Topic", topic).Int("Records", len(batches[topic])).Msg("mqtt: published records")
	}

	return nil
}
