package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"carelink-chat/internal/chat"
)

// Publisher writes message.sent events for the notification service. Events
// are keyed by conversation so one thread stays ordered within a partition.
type Publisher struct {
	writer *kafkago.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: 5 * time.Second,
		Async:        false,
	}
	return &Publisher{writer: w}
}

type envelope struct {
	Type    string           `json:"type"`
	Payload chat.MessageSent `json:"payload"`
}

func (p *Publisher) PublishMessageSent(ctx context.Context, ev chat.MessageSent) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func encode(ev chat.MessageSent) (kafkago.Message, error) {
	b, err := json.Marshal(envelope{Type: "message.sent", Payload: ev})
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(ConversationKey(ev.Message.Key)),
		Value: b,
		Time:  ev.Message.CreatedAt,
	}, nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// ConversationKey renders a key as "<patient>:<clinician>".
func ConversationKey(k chat.ConversationKey) string {
	return fmt.Sprintf("%d:%d", k.PatientID, k.ClinicianID)
}
