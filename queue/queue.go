// Package queue carries the sync and write pipelines over Pulse streams
// backed by Redis. Delivery is at-least-once: a consumer group redelivers any
// event that is not acknowledged within the ack grace period, so handlers are
// written idempotent and decide per message between acking (done or permanent
// failure) and letting the queue redeliver (transient failure).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Queue is a handle on one named stream.
	Queue struct {
		name   string
		stream *streaming.Stream
	}

	// Options configures a Queue.
	Options struct {
		// Redis backs the stream. Required.
		Redis *redis.Client
		// MaxLen bounds the number of entries kept on the stream. Zero uses
		// the Pulse default.
		MaxLen int
	}

	// Handler processes one decoded message. A nil return acknowledges the
	// message. A Permanent error also acknowledges (retrying cannot help);
	// any other error leaves the message pending for redelivery.
	Handler interface {
		Handle(ctx context.Context, msg Message) error
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, msg Message) error

	// Consumer runs a handler against a consumer-group sink on a queue.
	Consumer struct {
		queue   *Queue
		name    string
		handler Handler
		grace   time.Duration

		mu     sync.Mutex
		sink   *streaming.Sink
		cancel context.CancelFunc
		done   chan struct{}
	}

	// ConsumerOptions configures a Consumer.
	ConsumerOptions struct {
		// Queue is the stream to consume. Required.
		Queue *Queue
		// Name identifies the consumer group. Required. Nodes sharing a name
		// share the work; each event is delivered to one of them.
		Name string
		// Handler processes messages. Required.
		Handler Handler
		// AckGracePeriod is how long an unacknowledged event stays invisible
		// before redelivery. Defaults to DefaultAckGracePeriod.
		AckGracePeriod time.Duration
	}

	permanentError struct {
		err error
	}
)

// DefaultAckGracePeriod is the redelivery delay for unacknowledged events.
const DefaultAckGracePeriod = 30 * time.Second

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering: the consumer logs it and
// acks the message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// New opens (creating if needed) the named stream.
func New(name string, opts Options) (*Queue, error) {
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	var sopts []streamopts.Stream
	if opts.MaxLen > 0 {
		sopts = append(sopts, streamopts.WithStreamMaxLen(opts.MaxLen))
	}
	stream, err := streaming.NewStream(name, opts.Redis, sopts...)
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", name, err)
	}
	return &Queue{name: name, stream: stream}, nil
}

// Name returns the stream name.
func (q *Queue) Name() string { return q.name }

// Publish appends msg to the stream. The message kind travels as the event
// name; the body is JSON.
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	if _, err := q.stream.Add(ctx, msg.Kind(), payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Kind(), q.name, err)
	}
	return nil
}

// NewConsumer builds a consumer. Call Start to begin processing.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Name == "" {
		return nil, errors.New("consumer name is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	grace := opts.AckGracePeriod
	if grace <= 0 {
		grace = DefaultAckGracePeriod
	}
	return &Consumer{
		queue:   opts.Queue,
		name:    opts.Name,
		handler: opts.Handler,
		grace:   grace,
	}, nil
}

// Start opens the sink and processes events until Stop. Events older than the
// group's creation are picked up too, so restarts drain any backlog.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		return nil
	}
	sink, err := c.queue.stream.NewSink(ctx, c.name,
		streamopts.WithSinkStartAtOldest(),
		streamopts.WithSinkAckGracePeriod(c.grace),
	)
	if err != nil {
		return fmt.Errorf("create sink %s on %s: %w", c.name, c.queue.name, err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.sink, c.cancel, c.done = sink, cancel, done
	go c.consume(loopCtx, sink, done)
	return nil
}

// Stop halts consumption and waits for the in-flight handler to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	sink, cancel, done := c.sink, c.cancel, c.done
	c.sink, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	if sink == nil {
		return
	}
	cancel()
	sink.Close(context.Background())
	<-done
}

func (c *Consumer) consume(ctx context.Context, sink *streaming.Sink, done chan struct{}) {
	defer close(done)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(ctx, sink, ev)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, sink *streaming.Sink, ev *streaming.Event) {
	ctx = log.With(ctx, log.KV{K: "queue", V: c.queue.name}, log.KV{K: "msg", V: ev.EventName})
	msg, err := Decode(ev.EventName, ev.Payload)
	if err != nil {
		// Undecodable events can never succeed; ack and move on.
		log.Errorf(ctx, err, "drop undecodable event %s", ev.ID)
		c.ack(ctx, sink, ev)
		return
	}
	err = c.handler.Handle(ctx, msg)
	switch {
	case err == nil:
		c.ack(ctx, sink, ev)
	case IsPermanent(err):
		log.Errorf(ctx, err, "permanent failure, acking event %s", ev.ID)
		c.ack(ctx, sink, ev)
	default:
		log.Errorf(ctx, err, "transient failure, event %s will be redelivered", ev.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, sink *streaming.Sink, ev *streaming.Event) {
	if err := sink.Ack(ctx, ev); err != nil {
		log.Errorf(ctx, err, "ack event %s", ev.ID)
	}
}
