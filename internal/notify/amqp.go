package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// ConfirmationRoutingKey routes confirmation messages on the exchange.
const ConfirmationRoutingKey = "order.confirmation"

type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSender publishes confirmations to a RabbitMQ topic exchange.
type AMQPSender struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	now      func() time.Time
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSender, error) {
	if exchange == "" {
		return nil, errors.New("notify: amqp exchange is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &AMQPSender{conn: conn, channel: channel, exchange: exchange, now: time.Now}, nil
}

func (s *AMQPSender) Send(ctx context.Context, msg Confirmation) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal confirmation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.Publish(s.exchange, ConfirmationRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    "confirmation-" + msg.OrderID,
		Timestamp:    s.now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish confirmation: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
