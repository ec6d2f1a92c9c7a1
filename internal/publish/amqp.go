package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tes-profile-go/internal/docs"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON envelopes to a topic exchange with
// routing key "<beamline>.<document name>".
type AMQPPublisher struct {
	channel  amqpChannel
	exchange string
	beamline string
}

// DialAMQP connects, opens a channel and declares the durable topic exchange.
func DialAMQP(url, exchange, beamline string) (*AMQPPublisher, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := NewAMQPPublisher(conn, exchange, beamline)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return pub, conn, nil
}

func NewAMQPPublisher(conn *amqp.Connection, exchange, beamline string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, beamline: beamline}, nil
}

func (p *AMQPPublisher) RoutingKey(name string) string {
	return p.beamline + "." + name
}

func (p *AMQPPublisher) Emit(ctx context.Context, env docs.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Name, err)
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.RoutingKey(env.Name),
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         env.Name,
		},
	)
}

func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
