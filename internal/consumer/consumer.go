// Package consumer reads compute notifications from RabbitMQ, one at a time,
// and hands each to the dispatcher. A message is acknowledged only after its
// workflow returns.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

// FailurePolicy selects what happens to a message whose workflow fails.
type FailurePolicy string

const (
	// PolicyDeadLetter stores the message, rejects it and carries on.
	PolicyDeadLetter FailurePolicy = "deadletter"
	// PolicyHalt stops the consumer and leaves the message unacknowledged.
	PolicyHalt FailurePolicy = "halt"
)

// Handler is implemented by *Dispatcher.
type Handler interface {
	Dispatch(ctx context.Context, body []byte) (Outcome, error)
}

// DeadLetterSink persists failed messages.
type DeadLetterSink interface {
	SaveDeadLetter(ctx context.Context, d *models.DeadLetter) error
}

// OutcomePublisher announces handled messages.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, ev models.OutcomeEvent) error
}

// Recorder counts handled messages.
type Recorder interface {
	MessageHandled(eventType, outcome string)
	DeadLettered()
}

// Options configures the broker side of a Consumer.
type Options struct {
	// URLs are tried in order; Redacted holds the same URLs for logging.
	URLs        []string
	Redacted    []string
	Queue       string
	Exchange    string
	Prefetch    int
	ConsumerTag string
	Policy      FailurePolicy
}

// Option adds an optional collaborator.
type Option func(*Consumer)

func WithDeadLetters(s DeadLetterSink) Option { return func(c *Consumer) { c.deadLetters = s } }
func WithPublisher(p OutcomePublisher) Option { return func(c *Consumer) { c.publisher = p } }
func WithRecorder(r Recorder) Option          { return func(c *Consumer) { c.recorder = r } }

type Consumer struct {
	opts        Options
	handler     Handler
	deadLetters DeadLetterSink
	publisher   OutcomePublisher
	recorder    Recorder
	connected   atomic.Bool
	logger      *zap.Logger
}

func New(opts Options, h Handler, logger *zap.Logger, options ...Option) (*Consumer, error) {
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Queue == "" {
		opts.Queue = "ral.info"
	}
	if opts.Exchange == "" {
		opts.Exchange = "nova"
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDeadLetter
	}
	c := &Consumer{opts: opts, handler: h, recorder: nopRecorder{}, logger: logger}
	for _, o := range options {
		o(c)
	}
	switch c.opts.Policy {
	case PolicyHalt:
	case PolicyDeadLetter:
		if c.deadLetters == nil {
			return nil, fmt.Errorf("dead-letter store is required for policy %q", PolicyDeadLetter)
		}
	default:
		return nil, fmt.Errorf("unknown failure policy %q", c.opts.Policy)
	}
	return c, nil
}

// Connected reports whether the consumer currently holds a live channel.
func (c *Consumer) Connected() bool {
	return c.connected.Load()
}

// Run connects, declares and binds the queue, and consumes until ctx is
// cancelled (returns nil) or the broker goes away (returns an error).
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.opts.Queue, err)
	}
	c.logger.Debug("binding to exchange", zap.String("exchange", c.opts.Exchange), zap.String("queue", c.opts.Queue))
	if err := ch.QueueBind(c.opts.Queue, c.opts.Queue, c.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", c.opts.Queue, c.opts.Exchange, err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.opts.Queue, c.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("consuming", zap.String("queue", c.opts.Queue))
	return c.consume(ctx, deliveries)
}

func (c *Consumer) dial() (*amqp.Connection, error) {
	if len(c.opts.URLs) == 0 {
		return nil, ErrNoHosts
	}
	var lastErr error
	for i, u := range c.opts.URLs {
		target := u
		if i < len(c.opts.Redacted) {
			target = c.opts.Redacted[i]
		}
		c.logger.Debug("connecting to rabbit", zap.String("url", target))
		conn, err := amqp.Dial(u)
		if err == nil {
			c.logger.Info("connected to rabbit", zap.String("url", target))
			return conn, nil
		}
		c.logger.Warn("rabbit connection failed", zap.String("url", target), zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("connect to rabbit: %w", lastErr)
}

// consume handles deliveries in order. Cancellation is only observed between
// messages; a running workflow finishes first.
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			if err := c.handle(work, d); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) error {
	log := c.logger.With(zap.String("delivery_id", uuid.NewString()), zap.Uint64("delivery_tag", d.DeliveryTag))

	out, err := c.process(ctx, d.Body, log)
	if err == nil {
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		c.report(ctx, out, out.Result, nil, log)
		return nil
	}

	log.Error("message handling failed", zap.String("event_type", out.EventType), zap.Error(err))
	if c.opts.Policy == PolicyHalt {
		c.report(ctx, out, models.OutcomeFailed, err, log)
		return err
	}

	dl := newDeadLetter(d, out, err)
	if serr := c.deadLetters.SaveDeadLetter(ctx, dl); serr != nil {
		if nerr := d.Nack(false, true); nerr != nil {
			log.Error("requeue failed", zap.Error(nerr))
		}
		return fmt.Errorf("save dead letter: %w", serr)
	}
	if err := d.Nack(false, false); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	c.recorder.DeadLettered()
	c.report(ctx, out, models.OutcomeDeadLetter, err, log)
	log.Warn("message dead-lettered", zap.String("dead_letter_id", dl.ID))
	return nil
}

// process runs the handler, turning a panic into an error.
func (c *Consumer) process(ctx context.Context, body []byte, log *zap.Logger) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in handler", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.handler.Dispatch(ctx, body)
}

func (c *Consumer) report(ctx context.Context, out Outcome, outcome string, err error, log *zap.Logger) {
	c.recorder.MessageHandled(out.EventType, outcome)
	if c.publisher == nil {
		return
	}
	ev := models.OutcomeEvent{Event: out.EventType, Outcome: outcome, Time: time.Now().Unix()}
	if out.Event != nil {
		ev.InstanceID = out.Event.Payload.InstanceID
		ev.ProjectID = out.Event.ProjectID
		ev.VMName = out.Event.Payload.VMName
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := c.publisher.PublishOutcome(ctx, ev); perr != nil {
		log.Warn("outcome publish failed", zap.Error(perr))
	}
}

func newDeadLetter(d amqp.Delivery, out Outcome, err error) *models.DeadLetter {
	now := time.Now().UTC()
	dl := &models.DeadLetter{
		ID:         uuid.Must(uuid.NewV7()).String(),
		EventType:  out.EventType,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Error:      err.Error(),
		Attempts:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if out.Event != nil {
		dl.InstanceID = out.Event.Payload.InstanceID
	}
	if len(d.Headers) > 0 {
		dl.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			dl.Headers[k] = fmt.Sprint(v)
		}
	}
	return dl
}

type nopRecorder struct{}

func (nopRecorder) MessageHandled(string, string) {}
func (nopRecorder) DeadLettered()                 {}
