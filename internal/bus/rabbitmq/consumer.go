package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/dispatch"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/validation"
)

// Dispatcher is the app-layer contract the consumer drives. Dispatch returns
// nil when the delivery is terminally handled; a *dispatch.RedeliverError
// asks for another delivery attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) (dispatch.Result, error)
	EscalateExhausted(ctx context.Context, ev domain.Event, attempts int, cause error)
}

type Config struct {
	RabbitURL   string
	Exchange    string
	Queue       string
	BindKeys    []string
	Prefetch    int
	Tag         string
	MaxAttempts int
	Workers     int
}

const (
	maxBodyBytes = 1 << 20

	qRetry10s = "lease-notify.retry.10s"
	qRetry1m  = "lease-notify.retry.1m"
	qRetry10m = "lease-notify.retry.10m"
	qDLQ      = "lease-notify.dlq"
)

// Consumer owns the AMQP topology and the delivery loop: it declares the
// main queue, the tiered retry queues and the final DLQ, then feeds
// deliveries through a bounded worker pool into the dispatcher.
type Consumer struct {
	cfg Config

	lg         zerolog.Logger
	dispatcher Dispatcher

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}

	conn      *amqp.Connection
	chConsume *amqp.Channel
	chPublish *amqp.Channel

	deliveries <-chan amqp.Delivery
	pub        Publisher
	pool       *workerPool
}

func NewConsumer(cfg Config, d Dispatcher, lg zerolog.Logger) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Consumer{
		cfg:        cfg,
		dispatcher: d,
		lg:         lg.With().Str("component", "rabbitmq_consumer").Logger(),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.dispatcher == nil {
		return fmt.Errorf("nil dispatcher")
	}

	c.doneCh = make(chan struct{})
	c.running = true
	go c.run(ctx)
	return nil
}

func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	doneCh := c.doneCh
	c.running = false
	c.mu.Unlock()

	c.closeConn()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the reconnect supervisor: connect, declare, consume, and start over
// with exponential backoff whenever the broker connection drops.
func (c *Consumer) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		doneCh := c.doneCh
		c.doneCh = nil
		c.running = false
		c.mu.Unlock()
		if doneCh != nil {
			close(doneCh)
		}
	}()

	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.lg.Info().Msg("consumer supervisor exiting (ctx cancelled)")
			return
		default:
		}
		if !c.isRunning() {
			c.lg.Info().Msg("consumer supervisor exiting (stopped)")
			return
		}

		if err := c.connectAndDeclare(); err != nil {
			if isPreconditionFailed(err) {
				c.lg.Error().Err(err).Msg("FATAL: topology precondition failed; delete and recreate broker resources, then restart")
				return
			}
			c.lg.Error().Err(err).Dur("backoff", backoff).Msg("connect failed; retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 1 * time.Second
		c.consumeLoop(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}

		c.lg.Warn().Dur("backoff", backoff).Msg("deliveries closed; reconnecting")
		c.closeConn()
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) connectAndDeclare() error {
	c.closeConn()

	conn, err := amqp.Dial(c.cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	chConsume, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume channel: %w", err)
	}
	chPublish, err := conn.Channel()
	if err != nil {
		_ = chConsume.Close()
		_ = conn.Close()
		return fmt.Errorf("publish channel: %w", err)
	}

	if err := chConsume.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("main exchange declare: %w", err)
	}
	for _, ex := range []string{dlx10sExchange, dlx1mExchange, dlx10mExchange, dlxFinalExchange} {
		if err := chConsume.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			c.closeAll(conn, chConsume, chPublish)
			return fmt.Errorf("dlx exchange declare (%s): %w", ex, err)
		}
	}

	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    dlxFinalExchange,
		"x-dead-letter-routing-key": rkFinalDLQ,
	}
	if _, err := chConsume.QueueDeclare(c.cfg.Queue, true, false, false, false, mainArgs); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("main queue declare: %w", err)
	}
	for _, key := range c.cfg.BindKeys {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		if err := chConsume.QueueBind(c.cfg.Queue, k, c.cfg.Exchange, false, nil); err != nil {
			c.closeAll(conn, chConsume, chPublish)
			return fmt.Errorf("main queue bind (%s): %w", k, err)
		}
	}

	if _, err := chConsume.QueueDeclare(qDLQ, true, false, false, false, nil); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("dlq queue declare: %w", err)
	}
	if err := chConsume.QueueBind(qDLQ, rkFinalDLQ, dlxFinalExchange, false, nil); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("dlq queue bind: %w", err)
	}

	if err := declareRetryQueue(chConsume, qRetry10s, dlx10sExchange, 10*time.Second, c.cfg.Exchange); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return err
	}
	if err := declareRetryQueue(chConsume, qRetry1m, dlx1mExchange, 1*time.Minute, c.cfg.Exchange); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return err
	}
	if err := declareRetryQueue(chConsume, qRetry10m, dlx10mExchange, 10*time.Minute, c.cfg.Exchange); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return err
	}

	if c.cfg.Prefetch > 0 {
		if err := chConsume.Qos(c.cfg.Prefetch, 0, false); err != nil {
			c.closeAll(conn, chConsume, chPublish)
			return fmt.Errorf("qos: %w", err)
		}
	}

	dlv, err := chConsume.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("consume: %w", err)
	}

	pub, err := newRetryPublisher(chPublish, c.lg)
	if err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("retry publisher: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.chConsume = chConsume
	c.chPublish = chPublish
	c.deliveries = dlv
	c.pub = pub
	c.mu.Unlock()

	c.lg.Info().
		Str("exchange", c.cfg.Exchange).
		Str("queue", c.cfg.Queue).
		Strs("bind_keys", c.cfg.BindKeys).
		Int("prefetch", c.cfg.Prefetch).
		Int("workers", c.cfg.Workers).
		Msg("rabbitmq consumer ready")
	return nil
}

func declareRetryQueue(ch *amqp.Channel, qName, tierExchange string, ttl time.Duration, mainExchange string) error {
	args := amqp.Table{
		"x-message-ttl":          int64(ttl / time.Millisecond),
		"x-dead-letter-exchange": mainExchange,
	}
	if _, err := ch.QueueDeclare(qName, true, false, false, false, args); err != nil {
		return fmt.Errorf("retry queue declare (%s): %w", qName, err)
	}
	if err := ch.QueueBind(qName, "#", tierExchange, false, nil); err != nil {
		return fmt.Errorf("retry queue bind (%s): %w", qName, err)
	}
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	pool := newWorkerPool(c.cfg.Workers)
	c.pool = pool
	defer pool.stop()

	for {
		select {
		case <-ctx.Done():
			c.lg.Info().Msg("consume loop context cancelled")
			return
		case d, ok := <-c.deliveries:
			if !ok {
				c.lg.Warn().Msg("deliveries channel closed")
				return
			}
			pool.submit(func() {
				start := time.Now()
				err := c.handleDelivery(ctx, d)
				if err == nil {
					_ = d.Ack(false)
					c.lg.Debug().Str("routing_key", d.RoutingKey).Dur("took", time.Since(start)).Msg("delivery handled")
					return
				}

				var rerr *requeueError
				if errors.As(err, &rerr) {
					_ = d.Nack(false, true)
					c.lg.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("handle failed; requeue")
					return
				}

				// Safety net: broker DLX routes the nacked delivery to the
				// final DLQ.
				_ = d.Nack(false, false)
				c.lg.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("handle failed; nack to final DLQ")
			})
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	if len(d.Body) > maxBodyBytes {
		return c.toFinalDLQ(ctx, d, "oversized_body", fmt.Errorf("body is %d bytes", len(d.Body)))
	}

	var ev domain.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return c.toFinalDLQ(ctx, d, "bad_json", err)
	}

	_, err := c.dispatcher.Dispatch(ctx, ev)
	if err == nil {
		return nil
	}

	var rd *dispatch.RedeliverError
	if !errors.As(err, &rd) {
		// Dispatch only returns redelivery requests; anything else means a
		// bug, so requeue rather than drop.
		return requeue(err)
	}

	attempt := getAttempt(d.Headers)
	if attempt >= c.cfg.MaxAttempts {
		// External retry budget exhausted: this is what finally turns a
		// retriable failure into an escalation.
		c.dispatcher.EscalateExhausted(ctx, ev, attempt, rd.Err)
		return c.toFinalDLQ(ctx, d, "max_attempts_exceeded", rd.Err)
	}

	nextAttempt := attempt + 1
	tier := retryTier(nextAttempt)
	if c.pub == nil {
		return requeue(fmt.Errorf("nil retry publisher"))
	}
	if pubErr := c.pub.PublishRetry(ctx, tier, d, nextAttempt, rd.Err); pubErr != nil {
		return requeue(fmt.Errorf("republish retry failed: %w", pubErr))
	}

	c.lg.Warn().
		Int("attempt", nextAttempt).
		Str("event_id", validation.SanitizeID(string(ev.ID))).
		Str("tier", tier).
		Err(rd.Err).
		Msg("retriable dispatch failure; republished to retry tier")
	return nil
}

func (c *Consumer) toFinalDLQ(ctx context.Context, d amqp.Delivery, reason string, cause error) error {
	if c.pub == nil {
		return requeue(fmt.Errorf("nil retry publisher"))
	}
	if pubErr := c.pub.PublishFinal(ctx, d, reason, cause); pubErr != nil {
		return requeue(fmt.Errorf("republish dlq failed: %w", pubErr))
	}
	c.lg.Error().Str("reason", reason).Err(cause).Msg("delivery sent to final DLQ")
	return nil
}

func retryTier(nextAttempt int) string {
	switch {
	case nextAttempt <= 1:
		return "10s"
	case nextAttempt == 2:
		return "1m"
	default:
		return "10m"
	}
}

func getAttempt(h amqp.Table) int {
	if h == nil {
		return 0
	}
	v, ok := h["x-attempt"]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

type requeueError struct {
	err error
}

func (e *requeueError) Error() string { return e.err.Error() }
func (e *requeueError) Unwrap() error { return e.err }

func requeue(err error) error { return &requeueError{err: err} }

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (c *Consumer) closeAll(conn *amqp.Connection, a, b *amqp.Channel) {
	if b != nil {
		_ = b.Close()
	}
	if a != nil {
		_ = a.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chPublish != nil {
		_ = c.chPublish.Close()
		c.chPublish = nil
	}
	if c.chConsume != nil {
		_ = c.chConsume.Close()
		c.chConsume = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.deliveries = nil
	c.pub = nil
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECONDITION_FAILED") || strings.Contains(msg, "INEQUIVALENT ARG")
}
