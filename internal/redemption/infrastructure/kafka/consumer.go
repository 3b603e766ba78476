package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/kiosk-payments/internal/redemption/application"
	"github.com/dmehra2102/kiosk-payments/internal/redemption/domain"
	"github.com/dmehra2102/kiosk-payments/pkg/tracing"
)

const EventTicketIssued = "TicketIssued"

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Issuer interface {
	Issue(ctx context.Context, ev domain.TicketIssued) (domain.Ticket, error)
}

type Deduper interface {
	Key(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Consumer struct {
	log      *slog.Logger
	reader   Reader
	ledger   Issuer
	idem     Deduper
	tracer   trace.Tracer
	attempts int
	backoff  time.Duration
	pause    time.Duration
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, ledger Issuer, idem Deduper) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return newConsumer(log, r, ledger, idem)
}

func newConsumer(log *slog.Logger, r Reader, ledger Issuer, idem Deduper) *Consumer {
	return &Consumer{
		log:      log,
		reader:   r,
		ledger:   ledger,
		idem:     idem,
		tracer:   otel.Tracer("ticket-consumer"),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		pause:    5 * time.Second,
	}
}

// Run consumes until ctx is cancelled. A message is committed only once its
// ticket is stored or the message is unusable; otherwise it is retried in
// place and the partition waits behind it.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			// Left uncommitted; the group redelivers it after restart.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		}
	}
}

// process retries handle until it succeeds or ctx ends.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return nil
		}
		c.log.Warn("ticket message held back", "topic", msg.Topic, "offset", msg.Offset, "retry_in", c.pause.String(), "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pause):
		}
	}
}

// handle returns an error only when the message should be retried.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	if t := headerValue(msg.Headers, "event_type"); t != "" && t != EventTicketIssued {
		return nil
	}

	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		// Issue is idempotent on ticket id, which every accepted event carries.
		c.log.Warn("idempotency check failed", "key", key, "err", err)
	} else if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return nil
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeTicketIssued")
	defer span.End()

	var event domain.TicketIssued
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.log.Error("unmarshal failed", "offset", msg.Offset, "err", err)
		span.RecordError(err)
		return nil
	}
	span.SetAttributes(attribute.String("ticket_id", event.TicketID), attribute.String("payment_id", event.PaymentID))

	for attempt := 1; ; attempt++ {
		_, err = c.ledger.Issue(msgCtx, event)
		if err == nil || errors.Is(err, application.ErrInvalidTicket) || attempt >= c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
			continue
		}
		break
	}
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "issue ticket")
	if errors.Is(err, application.ErrInvalidTicket) {
		c.log.Error("ticket rejected", "ticket_id", event.TicketID, "payment_id", event.PaymentID, "err", err)
		return nil
	}
	c.log.Error("ticket issue failed", "ticket_id", event.TicketID, "payment_id", event.PaymentID, "err", err)
	if rErr := c.idem.Release(ctx, key); rErr != nil {
		c.log.Warn("idempotency release failed", "key", key, "err", rErr)
	}
	return err
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
