package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/menta2k/visionhub/pkg/store"
	"github.com/menta2k/visionhub/pkg/types"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: p.err}
}

func TestSavePublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	s, err := NewStore(store.NewMemory(), pub, Config{TopicPrefix: "hub/results/", QoS: 1})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	saved, err := s.Save(context.Background(), store.Record{
		Kind:   types.KindOCR,
		UserID: "u1",
		Result: types.ResultItem{Kind: types.KindOCR, Text: "STOP"},
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if len(pub.messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.topic != "hub/results/ocr" || msg.qos != 1 {
		t.Errorf("Unexpected topic/qos %s/%d", msg.topic, msg.qos)
	}

	var decoded store.Record
	if err := json.Unmarshal(msg.payload, &decoded); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if decoded.ID != saved.ID || decoded.Result.Text != "STOP" {
		t.Errorf("Unexpected payload %+v", decoded)
	}

	published, errs := s.Stats()
	if published["hub/results/ocr"] != 1 || errs != 0 {
		t.Errorf("Unexpected stats %v %d", published, errs)
	}

	// The wrapped store still answers queries
	if _, ok, _ := s.GetByID(context.Background(), saved.ID); !ok {
		t.Error("Expected saved record to be retrievable")
	}
}

func TestSavePublishesMsgpack(t *testing.T) {
	pub := &fakePublisher{}
	s, err := NewStore(store.NewMemory(), pub, Config{Encoding: EncodingMsgpack})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if _, err := s.Save(context.Background(), store.Record{Kind: types.KindDescription, Result: types.ResultItem{Description: "a dog"}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	msg := pub.messages[0]
	if msg.topic != "visionhub/results/scene-description" {
		t.Errorf("Unexpected default topic %s", msg.topic)
	}

	var decoded map[string]interface{}
	dec := msgpack.NewDecoder(bytes.NewReader(msg.payload))
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("Payload is not msgpack: %v", err)
	}
	result, ok := decoded["result"].(map[string]interface{})
	if !ok || result["description"] != "a dog" {
		t.Errorf("Expected json field names in msgpack payload, got %v", decoded)
	}
}

func TestPublishFailureDoesNotFailSave(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	mem := store.NewMemory()
	s, _ := NewStore(mem, pub, Config{})

	if _, err := s.Save(context.Background(), store.Record{Kind: types.KindObjectDetection}); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}
	if mem.Len() != 1 {
		t.Errorf("Expected record to be stored")
	}
	if _, errs := s.Stats(); errs != 1 {
		t.Errorf("Expected 1 publish error, got %d", errs)
	}
}

func TestSaveErrorSkipsPublish(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := NewStore(store.NewMemory(), pub, Config{})

	if _, err := s.Save(context.Background(), store.Record{Kind: "bogus"}); err == nil {
		t.Fatal("Expected save to fail for an unknown kind")
	}
	if len(pub.messages) != 0 {
		t.Errorf("Expected nothing published, got %d", len(pub.messages))
	}
}

func TestNewStoreRejectsUnknownEncoding(t *testing.T) {
	if _, err := NewStore(store.NewMemory(), &fakePublisher{}, Config{Encoding: "xml"}); err == nil {
		t.Error("Expected an error for an unknown encoding")
	}
}
