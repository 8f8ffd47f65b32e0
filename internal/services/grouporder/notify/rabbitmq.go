package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
)

// QueueSessionEvents is the durable queue session events are published to.
const QueueSessionEvents = "grouporder-session-events"

// publisher is the slice of *amqp.Channel used for publishing.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes events as persistent JSON messages.
type RabbitMQ struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel publisher
	queue   string
	now     func() time.Time
}

// DialRabbitMQ connects to url and declares the session events queue.
func DialRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	_, err = channel.QueueDeclare(
		QueueSessionEvents, // name
		true,               // durable
		false,              // delete when unused
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", QueueSessionEvents, err)
	}
	return &RabbitMQ{conn: conn, channel: channel, queue: QueueSessionEvents, now: time.Now}, nil
}

// Notify implements Notifier.
func (r *RabbitMQ) Notify(ctx context.Context, evt domain.Event) error {
	msg, err := r.message(evt)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil {
		return fmt.Errorf("publish %s: notifier is closed", evt.Type)
	}
	if err := r.channel.PublishWithContext(ctx, "", r.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (r *RabbitMQ) message(evt domain.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    evt.SessionID + ":" + strconv.FormatInt(evt.Version, 10),
		Type:         string(evt.Type),
		Timestamp:    r.now(),
		Headers: amqp.Table{
			"session_id": evt.SessionID,
			"version":    evt.Version,
			"status":     string(evt.Status),
		},
		Body: body,
	}, nil
}

// Close releases the channel and connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		_ = r.channel.Close()
		r.channel = nil
	}
	if r.conn != nil {
		err := r.conn.Close()
		r.conn = nil
		return err
	}
	return nil
}
