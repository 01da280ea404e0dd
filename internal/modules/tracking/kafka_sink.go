// README: Kafka tracking sink; one topic, keyed by order ID so a partition sees an order's events in order.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (s *KafkaSink) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := string(env.OrderID())
	if key == "" {
		key = env.Type
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(env.Type)},
			{Key: "id", Value: []byte(env.ID)},
		},
		Time: env.SentAt,
	}
	if ev, ok := env.Payload.(Event); ok && ev.RiderIndex != nil {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "rider", Value: []byte(strconv.Itoa(*ev.RiderIndex))})
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s envelope: %w", env.Type, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
