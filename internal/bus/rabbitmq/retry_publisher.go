package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	// Tier exchanges (topic). Each feeds a TTL queue that dead-letters back
	// into the main exchange, which is how redelivery delay is implemented.
	dlx10sExchange = "lease.events.dlx.10s"
	dlx1mExchange  = "lease.events.dlx.1m"
	dlx10mExchange = "lease.events.dlx.10m"

	// Final DLQ exchange and routing key: the broker-side backstop when the
	// dispatcher's own escalation path was bypassed.
	dlxFinalExchange = "lease.events.dlx.final"
	rkFinalDLQ       = "notify.final.dlq"

	publishWait = 250 * time.Millisecond
)

// Publisher re-publishes failed deliveries to a retry tier or the final DLQ.
// An interface so unit tests can inject a fake without AMQP channels.
type Publisher interface {
	PublishRetry(ctx context.Context, tier string, orig amqp.Delivery, nextAttempt int, cause error) error
	PublishFinal(ctx context.Context, orig amqp.Delivery, reason string, cause error) error
}

type retryPublisher struct {
	ch *amqp.Channel
	lg zerolog.Logger

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func newRetryPublisher(ch *amqp.Channel, lg zerolog.Logger) (*retryPublisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("nil channel")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	p := &retryPublisher{
		ch: ch,
		lg: lg.With().Str("component", "retry_publisher").Logger(),
	}
	// Must be registered after Confirm.
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 32))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 32))
	return p, nil
}

func tierExchange(tier string) string {
	switch tier {
	case "10s":
		return dlx10sExchange
	case "1m":
		return dlx1mExchange
	default:
		return dlx10mExchange
	}
}

func (p *retryPublisher) PublishRetry(ctx context.Context, tier string, orig amqp.Delivery, nextAttempt int, cause error) error {
	h := copyHeaders(orig.Headers)
	h["x-attempt"] = nextAttempt
	h["x-orig-routing-key"] = orig.RoutingKey
	if cause != nil {
		h["x-error"] = cause.Error()
	}

	ex := tierExchange(tier)
	pub := amqp.Publishing{
		ContentType:   orig.ContentType,
		Body:          orig.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Headers:       h,
		CorrelationId: orig.CorrelationId,
		MessageId:     orig.MessageId,
	}

	// mandatory=true so NO_ROUTE surfaces on the return channel instead of
	// the retry silently vanishing.
	if err := p.ch.PublishWithContext(ctx, ex, orig.RoutingKey, true, false, pub); err != nil {
		return fmt.Errorf("publish retry: %w", err)
	}
	return p.waitAckOrReturn(ctx, ex, orig.RoutingKey)
}

func (p *retryPublisher) PublishFinal(ctx context.Context, orig amqp.Delivery, reason string, cause error) error {
	h := copyHeaders(orig.Headers)
	h["x-orig-routing-key"] = orig.RoutingKey
	h["x-dlq-reason"] = reason
	if cause != nil {
		h["x-error"] = cause.Error()
	}

	pub := amqp.Publishing{
		ContentType:   orig.ContentType,
		Body:          orig.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Headers:       h,
		CorrelationId: orig.CorrelationId,
		MessageId:     orig.MessageId,
	}

	if err := p.ch.PublishWithContext(ctx, dlxFinalExchange, rkFinalDLQ, true, false, pub); err != nil {
		return fmt.Errorf("publish final dlq: %w", err)
	}
	return p.waitAckOrReturn(ctx, dlxFinalExchange, rkFinalDLQ)
}

func (p *retryPublisher) waitAckOrReturn(ctx context.Context, exchange, rk string) error {
	timer := time.NewTimer(publishWait)
	defer timer.Stop()

	select {
	case r := <-p.returnCh:
		return fmt.Errorf("publish returned: reply=%d text=%q exchange=%q rk=%q",
			r.ReplyCode, r.ReplyText, r.Exchange, r.RoutingKey)
	case c := <-p.confirmCh:
		if !c.Ack {
			return fmt.Errorf("publish nacked by broker (exchange=%q rk=%q)", exchange, rk)
		}
		return nil
	case <-timer.C:
		return errors.New("publish wait timeout (no confirm/return)")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyHeaders(in amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range in {
		out[k] = v
	}
	return out
}
