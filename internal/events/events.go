package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// DefaultExchange receives one message per finished job.
const DefaultExchange = "lotto.results"

// Event describes a job reaching a terminal status.
type Event struct {
	JobID     types.JobID     `json:"jobId"`
	Status    types.JobStatus `json:"status"`
	Stats     *types.Stats    `json:"stats,omitempty"`
	Error     string          `json:"error,omitempty"`
	Fallback  bool            `json:"fallback,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// RoutingKey is "job.done" or "job.error".
func (e Event) RoutingKey() string {
	return "job." + string(e.Status)
}

// Publisher delivers result events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// AMQPPublisher publishes events to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex // amqp channels are not safe for concurrent publishing
}

// DialAMQP connects to the broker and declares the exchange. Idempotent on the
// broker side.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends the event as JSON with routing key job.<status>.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx,
		p.exchange,
		e.RoutingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    string(e.JobID),
			Timestamp:    time.UnixMilli(e.Timestamp),
			Body:         body,
		})
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// Open returns a publisher for url: Noop when empty, a local Journal for
// file:// URLs, an AMQP publisher otherwise.
func Open(url, exchange string) (Publisher, error) {
	if url == "" {
		return Noop{}, nil
	}
	if path, ok := journalPath(url); ok {
		return OpenJournal(path)
	}
	return DialAMQP(url, exchange)
}

// FromJob builds the event for a job in a terminal status.
func FromJob(job types.Job, fallback bool) Event {
	return Event{
		JobID:     job.ID,
		Status:    job.Status,
		Stats:     job.Stats.Clone(),
		Error:     job.Error,
		Fallback:  fallback,
		Timestamp: job.UpdatedAt,
	}
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*Memory)(nil)
	_ Publisher = (*AMQPPublisher)(nil)
)
