// Package firehose mirrors engine events to a Kafka topic for the dashboard.
// Optional and strictly fire-and-forget: a broker outage never touches the
// routing path.
package firehose

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Publisher struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// New builds a publisher for the comma-separated broker list.
func New(brokers, topic string, log *slog.Logger) *Publisher {
	addrs := strings.Split(brokers, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(addrs...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  true,
			AllowAutoTopicCreation: true,
		},
		log: log,
	}
}

type envelope struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Publish mirrors one event. Nil-safe so the engine can call it
// unconditionally whether or not the firehose is configured.
func (p *Publisher) Publish(kind string, payload any) {
	if p == nil {
		return
	}
	data, err := json.Marshal(envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		p.log.Debug("firehose marshal failed", "kind", kind, "err", err)
		return
	}
	// Async writer: WriteMessages only enqueues here.
	if err := p.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(kind),
		Value: data,
	}); err != nil {
		p.log.Debug("firehose publish failed", "kind", kind, "err", err)
	}
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.writer.Close(); err != nil {
		p.log.Debug("firehose close failed", "err", err)
	}
}
