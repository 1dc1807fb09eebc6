package natsjs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FeiNiaoBF/MailMind/internal/store"
)

// Outbox is the store side of the dispatcher
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	PurgePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// EventPublisher publishes one deduplicated message
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into JetStream
type Dispatcher struct {
	Outbox     Outbox
	Publisher  EventPublisher
	Logger     logrus.FieldLogger
	Interval   time.Duration
	BatchSize  int
	MaxBackoff time.Duration
	// Retention is how long published rows are kept; zero keeps them forever
	Retention time.Duration
}

// Run drains the outbox every Interval until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPurge time.Time

	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger().WithError(err).Warn("outbox drain failed")
		}
		if d.Retention > 0 && time.Since(lastPurge) >= d.Retention/24 {
			lastPurge = time.Now()
			n, err := d.Outbox.PurgePublished(ctx, lastPurge.Add(-d.Retention))
			if err != nil && ctx.Err() == nil {
				d.logger().WithError(err).Warn("outbox purge failed")
			} else if n > 0 {
				d.logger().WithField("count", n).Info("purged published outbox rows")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce publishes one batch of due messages and returns how many were
// published. Failed messages are rescheduled with exponential backoff
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}

	msgs, err := d.Outbox.DequeueOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range msgs {
		if err := d.Publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.backoff(msg.Retries)
			d.logger().WithError(err).WithFields(logrus.Fields{
				"outbox_id": msg.ID,
				"subject":   msg.Subject,
				"retries":   msg.Retries,
				"backoff":   backoff.String(),
			}).Warn("publish failed, will retry")
			if err := d.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				return published, err
			}
			continue
		}
		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			return published, err
		}
		published++
	}

	if published > 0 {
		d.logger().WithField("count", published).Debug("published outbox events")
	}
	return published, nil
}

func (d *Dispatcher) backoff(retries int) time.Duration {
	max := d.MaxBackoff
	if max <= 0 {
		max = 5 * time.Minute
	}
	b := time.Second
	for i := 0; i < retries && b < max; i++ {
		b *= 2
	}
	if b > max {
		b = max
	}
	return b
}

func (d *Dispatcher) logger() logrus.FieldLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}
