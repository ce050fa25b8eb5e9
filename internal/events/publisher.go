// Package events publishes chat domain events to Kafka for downstream
// consumers (notifications, analytics). Publishing is fire-and-forget:
// a broker outage degrades to dropped events, never a blocked request.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const topic = "chat-events"

// Publisher writes domain events to Kafka.
type Publisher struct {
	writer *kafka.Writer
	log    *logrus.Entry
}

// New constructs a Publisher against the given broker addresses.
func New(brokers []string, log *logrus.Entry) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
		},
		log: log,
	}
}

// Close flushes any buffered messages and releases the writer's
// connections.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// MessageSent publishes a message.created event.
func (p *Publisher) MessageSent(ctx context.Context, conversationID, messageID, senderID uint64) {
	p.publish(ctx, map[string]interface{}{
		"type":           "message.created",
		"conversationId": conversationID,
		"messageId":      messageID,
		"senderId":       senderID,
		"timestamp":      time.Now(),
	})
}

// MemberAdded publishes a conversation.member_added event.
func (p *Publisher) MemberAdded(ctx context.Context, conversationID, userID uint64) {
	p.publish(ctx, map[string]interface{}{
		"type":           "conversation.member_added",
		"conversationId": conversationID,
		"userId":         userID,
		"timestamp":      time.Now(),
	})
}

// MemberRemoved publishes a conversation.member_removed event.
func (p *Publisher) MemberRemoved(ctx context.Context, conversationID, userID uint64) {
	p.publish(ctx, map[string]interface{}{
		"type":           "conversation.member_removed",
		"conversationId": conversationID,
		"userId":         userID,
		"timestamp":      time.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).Error("marshal domain event failed")
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		p.log.WithError(err).WithField("event_type", event["type"]).Warn("publish domain event failed")
	}
}
