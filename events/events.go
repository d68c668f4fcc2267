/*
Package events delivers lending domain events to the outside world.

PUBLISHERS:
  AMQPPublisher: RabbitMQ topic exchange, routing key = event type
                 ("installment.paid", "loan.disbursed", ...)
  LogPublisher:  one structured log line per event
  Fanout:        several publishers at once

Publishing happens after the owning write has committed. The engine logs
a publish error and moves on; nothing here can undo a state change.
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/warp/loan-engine/lending"
)

const publishTimeout = 5 * time.Second

// =============================================================================
// AMQP
// =============================================================================

// AMQPPublisher publishes events as persistent JSON messages.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string

	// A channel must not be used for concurrent publishes.
	mu      sync.Mutex
	channel *amqp091.Channel
}

var _ lending.EventPublisher = (*AMQPPublisher)(nil)

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evs ...lending.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, ev := range evs {
		msg, err := NewMessage(ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = p.channel.PublishWithContext(ctx,
			p.exchange,      // exchange
			string(ev.Type), // routing key
			false,           // mandatory
			false,           // immediate
			msg,
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", ev.Type, ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NewMessage encodes an event as a persistent AMQP message.
func NewMessage(ev lending.Event) (amqp091.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}, nil
}

// =============================================================================
// LOG
// =============================================================================

// LogPublisher writes every event to the logger. Used when no broker is
// configured.
type LogPublisher struct {
	Logger logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, evs ...lending.Event) error {
	for _, ev := range evs {
		entry := p.Logger.WithFields(logrus.Fields{
			"component":  "events",
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"actor_id":   ev.ActorID,
		})
		if ev.LoanID != "" {
			entry = entry.WithField("loan_id", ev.LoanID)
		}
		if ev.InstallmentID != "" {
			entry = entry.WithField("installment_id", ev.InstallmentID)
		}
		entry.Info("domain event")
	}
	return nil
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout publishes to every publisher and joins their errors.
type Fanout []lending.EventPublisher

func (f Fanout) Publish(ctx context.Context, evs ...lending.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evs...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
