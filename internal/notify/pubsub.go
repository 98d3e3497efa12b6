package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
)

// PubSubSender publishes confirmations to a Pub/Sub topic consumed by the mailer.
type PubSubSender struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubSender constructs a Pub/Sub backed sender.
func NewPubSubSender(topic *pubsub.Topic) (*PubSubSender, error) {
	if topic == nil {
		return nil, errors.New("notify: pubsub topic is required")
	}
	return &PubSubSender{topic: topic, marshal: json.Marshal}, nil
}

func (s *PubSubSender) Send(ctx context.Context, msg Confirmation) error {
	if err := msg.validate(); err != nil {
		return err
	}
	data, err := s.marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal confirmation: %w", err)
	}

	attrs := map[string]string{"type": "order.confirmation"}
	setAttr(attrs, "orderId", msg.OrderID)
	setAttr(attrs, "orderNumber", msg.OrderNumber)
	setAttr(attrs, "flow", string(msg.Flow))

	result := s.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("notify: publish confirmation: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
