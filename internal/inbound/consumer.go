package inbound

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type ConsumeOptions struct {
	URL         string
	Queue       string
	ConsumerTag string
}

// Consumer feeds inbound events from a RabbitMQ queue into a Processor. It
// uses a single consumer with prefetch 1 so events for one recipient are
// handled in the order they were published.
type Consumer struct {
	opts      ConsumeOptions
	processor *Processor
	log       *zap.Logger
}

func NewConsumer(opts ConsumeOptions, p *Processor, log *zap.Logger) *Consumer {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = "scheduled-messaging"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{opts: opts, processor: p, log: log.Named("inbound")}
}

// Run consumes until ctx is done or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.opts.Queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.opts.Queue,
		c.opts.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.log.Info("started consuming inbound events",
		zap.String("queue", c.opts.Queue),
		zap.String("consumer_tag", c.opts.ConsumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("inbound consumer stopping")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("inbound delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	_, err := c.processor.Process(ctx, msg.Body)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			c.log.Warn("ack failed", zap.Error(ackErr))
		}
	case errors.Is(err, ErrMalformed):
		c.log.Error("dropping malformed inbound event", zap.ByteString("body", msg.Body), zap.Error(err))
		_ = msg.Nack(false, false)
	default:
		c.log.Error("failed to process inbound event",
			zap.String("queue", c.opts.Queue),
			zap.Error(err),
		)
		_ = msg.Nack(false, true)
	}
}
