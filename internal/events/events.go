// Package events publishes transaction status changes to downstream
// consumers (notifications, accounting).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CFABridge/internal/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const DefaultTopic = "transactions.status"

type StatusChanged struct {
	TransactionID string               `json:"transaction_id"`
	Direction     models.Direction     `json:"direction"`
	OldStatus     models.Status        `json:"old_status"`
	NewStatus     models.Status        `json:"new_status"`
	Reason        models.FailureReason `json:"reason,omitempty"`
	Actor         string               `json:"actor"`
	At            time.Time            `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev StatusChanged) error
}

// KafkaPublisher writes one message per status change keyed by transaction
// id, so a consumer sees a transaction's changes in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev StatusChanged) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message encodes ev as a kafka message.
func Message(ev StatusChanged) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("transaction.status_changed")},
		},
	}, nil
}

// LogPublisher only logs. Used when no broker is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev StatusChanged) error {
	p.Logger.Info("transaction status changed",
		zap.String("transaction_id", ev.TransactionID),
		zap.String("from", string(ev.OldStatus)),
		zap.String("to", string(ev.NewStatus)),
		zap.String("reason", string(ev.Reason)),
		zap.String("actor", ev.Actor),
	)
	return nil
}

// Multi fans out to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev StatusChanged) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
