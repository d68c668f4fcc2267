package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Option configures Ledger, Lifecycle, Netting and Matcher.
type Option func(*options)

type options struct {
	publisher EventPublisher
	logger    logrus.FieldLogger
	now       func() time.Time
	newID     func() string
}

func defaultOptions() options {
	return options{
		publisher: NoopPublisher{},
		logger:    logrus.StandardLogger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithPublisher(p EventPublisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides uuid.NewString, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

func (o options) publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	if err := o.publisher.Publish(ctx, events...); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": events[0].Type,
			"count":      len(events),
		}).Warn("failed to publish domain events")
	}
}

func (o options) event(t EventType, actor Actor, loanID LoanID, installmentID InstallmentID, data map[string]string) Event {
	return Event{
		ID:            o.newID(),
		Type:          t,
		LoanID:        loanID,
		InstallmentID: installmentID,
		ActorID:       actor.ID,
		OccurredAt:    o.now(),
		Data:          data,
	}
}

func (o options) audit(action AuditAction, actor Actor, loanID LoanID, installmentID InstallmentID, payload map[string]string) AuditEntry {
	return AuditEntry{
		ID:            o.newID(),
		At:            o.now(),
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		Action:        action,
		LoanID:        loanID,
		InstallmentID: installmentID,
		Payload:       payload,
	}
}
