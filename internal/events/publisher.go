// Package events publishes order events to a RabbitMQ topic exchange.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xenking/storefront/internal/domain/order"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "storefront.events"

const publishTimeout = 3 * time.Second

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ order.EventPublisher = (*Publisher)(nil)

// Publisher sends order events as persistent JSON messages routed by event
// type.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	newID    func() string
}

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %q", exchange)
	}
	p := newPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, newID: uuid.NewString}
}

// Publish sends e with its type as the routing key.
func (p *Publisher) Publish(ctx context.Context, e order.Event) error {
	id := p.newID()
	body := Encode(id, e)

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    e.OccurredAt,
		Type:         string(e.Type),
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s for order %q", e.Type, e.OrderID)
	}
	return nil
}

// Ping reports whether the connection is still open.
func (p *Publisher) Ping(context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Encode renders the event envelope.
func Encode(id string, ev order.Event) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("id")
	e.Str(id)
	e.FieldStart("type")
	e.Str(string(ev.Type))
	e.FieldStart("occurred_at")
	e.Str(ev.OccurredAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("data")
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(ev.OrderID)
	if ev.UserID != "" {
		e.FieldStart("user_id")
		e.Str(ev.UserID)
	}
	e.FieldStart("status")
	e.Str(string(ev.Status))
	if ev.PreviousStatus != "" {
		e.FieldStart("previous_status")
		e.Str(string(ev.PreviousStatus))
	}
	e.FieldStart("payment_status")
	e.Str(string(ev.PaymentStatus))
	if ev.PreviousPaymentStatus != "" {
		e.FieldStart("previous_payment_status")
		e.Str(string(ev.PreviousPaymentStatus))
	}
	e.FieldStart("total")
	e.Str(ev.Total.StringFixed(2))
	e.ObjEnd()
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

// Publish implements order.EventPublisher.
func (Nop) Publish(context.Context, order.Event) error { return nil }
