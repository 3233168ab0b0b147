package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/segmentio/kafka-go"
)

// Brokers splits a comma-separated bootstrap list.
func Brokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// KafkaPublisher publishes events to a Kafka topic. Pure-Go client (segmentio/kafka-go).
// Events are keyed by customer id so one customer's events stay ordered.
type KafkaPublisher struct {
	writer  kafkaMessageWriter
	timeout time.Duration
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaPublisher creates a Kafka publisher.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaPublisher(bootstrap string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(Brokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, timeout: 10 * time.Second}
}

func (k *KafkaPublisher) Publish(ev Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.CustomerID), Value: b})
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: time.Second}
}

// confluentProducer abstracts ck.Producer for testability.
type confluentProducer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Flush(timeoutMs int) int
	Close()
}

// ConfluentPublisher publishes events through an idempotent librdkafka
// producer and waits for each delivery report.
type ConfluentPublisher struct {
	producer confluentProducer
	topic    string
	timeout  time.Duration
}

func NewConfluentPublisher(bootstrap string, topic string) (*ConfluentPublisher, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	return &ConfluentPublisher{producer: p, topic: topic, timeout: 10 * time.Second}, nil
}

// NewConfluentPublisherWith is only for tests to inject a fake producer.
func NewConfluentPublisherWith(p confluentProducer, topic string) *ConfluentPublisher {
	return &ConfluentPublisher{producer: p, topic: topic, timeout: time.Second}
}

func (c *ConfluentPublisher) Publish(ev Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	delivery := make(chan ck.Event, 1)
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &c.topic, Partition: ck.PartitionAny},
		Key:            []byte(ev.CustomerID),
		Value:          b,
	}
	if err := c.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	select {
	case e := <-delivery:
		m, ok := e.(*ck.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
		}
		return nil
	case <-time.After(c.timeout):
		return fmt.Errorf("delivery of %s timed out after %s", ev.OrderID, c.timeout)
	}
}

func (c *ConfluentPublisher) Close() error {
	c.producer.Flush(int(c.timeout / time.Millisecond))
	c.producer.Close()
	return nil
}
