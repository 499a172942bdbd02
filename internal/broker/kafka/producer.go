package kafka

import (
	"context"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	w messageWriter
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{w: w}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}); err != nil {
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

// OrderEvents publishes order status changes to one topic.
type OrderEvents struct {
	p     *Producer
	topic string
}

func NewOrderEvents(p *Producer, topic string) *OrderEvents {
	return &OrderEvents{p: p, topic: topic}
}

func (o *OrderEvents) PublishOrderEvent(ctx context.Context, ev messages.OrderEvent) error {
	b, err := ev.Marshal()
	if err != nil {
		return err
	}
	return o.p.Publish(ctx, o.topic, ev.Key(), b)
}

func (p *Producer) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
