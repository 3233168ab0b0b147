package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// messageReader abstracts ck.Consumer for testability.
type messageReader interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	Close() error
}

// KafkaSource consumes order requests from a topic (read_committed).
type KafkaSource struct {
	consumer messageReader
	skipped  int
}

func NewKafkaSource(bootstrap, groupID, topic string) (*KafkaSource, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers": bootstrap,
		"group.id":          groupID,
		"isolation.level":   "read_committed",
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &KafkaSource{consumer: c}, nil
}

// NewKafkaSourceWith is only for tests to inject a fake consumer.
func NewKafkaSourceWith(r messageReader) *KafkaSource { return &KafkaSource{consumer: r} }

// Read returns up to max requests, stopping early once no message arrives
// within idle. Undecodable messages are skipped and counted.
func (k *KafkaSource) Read(max int, idle time.Duration) ([]Request, error) {
	var out []Request
	for len(out) < max {
		msg, err := k.consumer.ReadMessage(idle)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				break
			}
			return out, fmt.Errorf("read kafka: %w", err)
		}
		var req Request
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			k.skipped++
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Skipped counts messages that could not be decoded.
func (k *KafkaSource) Skipped() int { return k.skipped }

func (k *KafkaSource) Close() error { return k.consumer.Close() }
