package background

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matheus3301/chatsync/internal/platform"
)

// Facility is the name reported in UnsupportedError.
const Facility = "background-sync"

// Delivery is a tag whose delay elapsed. Ack removes it from the broker;
// Nack puts it back for redelivery.
type Delivery struct {
	Tag  string
	Ack  func() error
	Nack func() error
}

// Broker defers tags and hands them back once their delay elapsed.
type Broker interface {
	Schedule(ctx context.Context, tag string, delay time.Duration) error
	Deliveries(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

type triggerMessage struct {
	Tag         string `json:"tag"`
	RequestedAt int64  `json:"requested_at"`
}

// AMQPBroker defers tags with a RabbitMQ delay queue. Messages published to
// <queue>.delay expire after the requested delay and dead-letter into <queue>,
// which the registrar consumes.
type AMQPBroker struct {
	conn  *amqp.Connection
	pub   *amqp.Channel
	queue string
	mu    sync.Mutex
}

// NewBroker dials RabbitMQ. An empty url or a dial failure yields an
// UnsupportedError so callers can run without background sync.
func NewBroker(url, queue string) (Broker, error) {
	if url == "" {
		return nil, &platform.UnsupportedError{Facility: Facility, Err: errors.New("empty amqp url")}
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, &platform.UnsupportedError{Facility: Facility, Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &platform.UnsupportedError{Facility: Facility, Err: err}
	}

	// Trigger queue: consumed by the registrar.
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	// Delay queue: per-message TTL -> dead-letter into the trigger queue.
	if _, err := ch.QueueDeclare(
		queue+".delay",
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &AMQPBroker{conn: conn, pub: ch, queue: queue}, nil
}

// Schedule publishes tag to the delay queue.
func (b *AMQPBroker) Schedule(ctx context.Context, tag string, delay time.Duration) error {
	body, err := json.Marshal(triggerMessage{Tag: tag, RequestedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub.PublishWithContext(cctx,
		"",               // default exchange
		b.queue+".delay", // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Expiration:   strconv.FormatInt(max(delay.Milliseconds(), 0), 10),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Deliveries consumes the trigger queue until ctx is done.
func (b *AMQPBroker) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(8, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	msgs, err := ch.ConsumeWithContext(ctx, b.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for {
			select {
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var m triggerMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.Tag == "" {
					_ = d.Nack(false, false)
					continue
				}
				delivery := Delivery{
					Tag:  m.Tag,
					Ack:  func() error { return d.Ack(false) },
					Nack: func() error { return d.Nack(false, true) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) Close() error {
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
