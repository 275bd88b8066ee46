package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/returnloop/api/internal/services"
)

// PubSubOrderEvents publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEvents struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEvents)(nil)

// NewPubSubOrderEvents constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEvents(topic *pubsub.Topic) (*PubSubOrderEvents, error) {
	if topic == nil {
		return nil, errors.New("pubsub order events: topic is required")
	}
	return &PubSubOrderEvents{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues the event on the configured topic.
func (p *PubSubOrderEvents) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order events: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "currentStatus", event.CurrentStatus)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PubSubSettlementEvents publishes settlement events to a Pub/Sub topic.
type PubSubSettlementEvents struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.SettlementEventPublisher = (*PubSubSettlementEvents)(nil)

// NewPubSubSettlementEvents constructs a Pub/Sub backed settlement event publisher.
func NewPubSubSettlementEvents(topic *pubsub.Topic) (*PubSubSettlementEvents, error) {
	if topic == nil {
		return nil, errors.New("pubsub settlement events: topic is required")
	}
	return &PubSubSettlementEvents{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishSettlementEvent enqueues the event on the configured topic.
func (p *PubSubSettlementEvents) PublishSettlementEvent(ctx context.Context, event services.SettlementEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub settlement events: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal settlement event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "refundId", event.RefundID)
	setAttr(attrs, "giftCardDeliveryId", event.GiftCardDeliveryID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish settlement event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
