// Package publish forwards persisted analysis records to an MQTT broker.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/menta2k/visionhub/pkg/store"
)

// Payload encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config describes the broker connection and topic layout
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Encoding    string
}

// Publisher is the subset of mqtt.Client used to publish
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Connect dials the broker with auto-reconnect enabled
func Connect(cfg Config) (mqtt.Client, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "visionhub-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", broker)
	}

	client := mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", broker)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Store wraps a store.Store and publishes every saved record to
// <prefix>/<kind>. Publish failures are logged and never fail the save.
type Store struct {
	store.Store

	pub      Publisher
	prefix   string
	qos      byte
	encoding string
	timeout  time.Duration

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

var _ store.Store = (*Store)(nil)

func NewStore(inner store.Store, pub Publisher, cfg Config) (*Store, error) {
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingJSON
	}
	if encoding != EncodingJSON && encoding != EncodingMsgpack {
		return nil, fmt.Errorf("unknown mqtt payload encoding %q", cfg.Encoding)
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "visionhub/results"
	}

	return &Store{
		Store:     inner,
		pub:       pub,
		prefix:    prefix,
		qos:       cfg.QoS,
		encoding:  encoding,
		timeout:   2 * time.Second,
		published: make(map[string]uint64),
	}, nil
}

func (s *Store) Save(ctx context.Context, rec store.Record) (store.Record, error) {
	saved, err := s.Store.Save(ctx, rec)
	if err != nil {
		return saved, err
	}
	if err := s.publish(saved); err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		slog.Warn("failed to publish record", "id", saved.ID, "kind", saved.Kind, "error", err)
	}
	return saved, nil
}

// Topic returns the topic records of the given kind are published to
func (s *Store) Topic(rec store.Record) string {
	return fmt.Sprintf("%s/%s", s.prefix, rec.Kind)
}

// Stats returns publish counts per topic and the error count
func (s *Store) Stats() (map[string]uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return published, s.errors
}

func (s *Store) publish(rec store.Record) error {
	payload, err := Encode(rec, s.encoding)
	if err != nil {
		return err
	}

	topic := s.Topic(rec)
	token := s.pub.Publish(topic, s.qos, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()

	slog.Debug("record published", "topic", topic, "qos", s.qos, "size", len(payload))
	return nil
}

// Encode serializes a record. msgpack payloads use the same field names as JSON.
func Encode(rec store.Record, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingJSON, "":
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record: %w", err)
		}
		return data, nil
	case EncodingMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to marshal msgpack record: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown encoding %q", encoding)
}
