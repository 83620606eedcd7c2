package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the part of *amqp.Channel the notifier uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Report is the message body published for each report.
type Report struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	To      []string  `json:"to"`
	SentAt  time.Time `json:"sent_at"`
}

// AMQP publishes reports as persistent JSON messages; a downstream consumer
// owns the actual mailing.
type AMQP struct {
	pub        Publisher
	exchange   string
	routingKey string
	conn       *amqp.Connection
}

func NewAMQP(pub Publisher, exchange, routingKey string) *AMQP {
	return &AMQP{pub: pub, exchange: exchange, routingKey: routingKey}
}

// DialAMQP connects to the broker and opens the publishing channel.
func DialAMQP(url, exchange, routingKey string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	n := NewAMQP(ch, exchange, routingKey)
	n.conn = conn
	return n, nil
}

func (a *AMQP) Send(ctx context.Context, subject, body string, to []string) error {
	payload, err := json.Marshal(Report{Subject: subject, Body: body, To: to, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	err = a.pub.PublishWithContext(ctx, a.exchange, a.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

func (a *AMQP) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
