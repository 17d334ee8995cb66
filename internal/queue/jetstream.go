package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// fetchWait bounds each pull so Consume can observe context cancellation.
const fetchWait = 2 * time.Second

// Config holds JetStream queue settings.
type Config struct {
	// Stream is the JetStream stream name.
	Stream string
	// Subject carries the job messages.
	Subject string
	// Durable is the pull consumer name shared by the worker pool.
	Durable string
	// VisibilityTimeout maps to the consumer AckWait: how long a delivered
	// job stays invisible before the broker redelivers it.
	VisibilityTimeout time.Duration
	// MaxDeliver bounds broker redeliveries. Must exceed the worker's max
	// attempts so retry exhaustion is decided by the worker, not the
	// broker.
	MaxDeliver int
}

// JetStream is the NATS JetStream Queue implementation. The stream uses
// work-queue retention: an acked message is gone for good.
type JetStream struct {
	js  nats.JetStreamContext
	sub *nats.Subscription
	cfg Config
}

// NewJetStream binds to (creating if needed) the job stream and its
// durable pull consumer.
func NewJetStream(nc *nats.Conn, cfg Config) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("queue: stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("queue: add stream: %w", err)
		}
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable,
		nats.AckWait(cfg.VisibilityTimeout),
		nats.MaxDeliver(cfg.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: pull subscribe: %w", err)
	}

	return &JetStream{js: js, sub: sub, cfg: cfg}, nil
}

// Publish durably stores the job and waits for the broker ack.
func (q *JetStream) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if _, err := q.js.Publish(q.cfg.Subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Consume blocks until a job arrives or ctx is cancelled.
func (q *JetStream) Consume(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := q.sub.Fetch(1, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("queue: fetch: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			// A malformed payload can never succeed; drop it rather than
			// let the broker redeliver it forever.
			_ = msg.Term(nats.Context(ctx))
			return nil, fmt.Errorf("queue: unmarshal job: %w", err)
		}

		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		return &jsDelivery{job: job, attempt: attempt, msg: msg}, nil
	}
}

// Stats reports stream depth and consumer in-flight count.
func (q *JetStream) Stats(ctx context.Context) (Stats, error) {
	si, err := q.js.StreamInfo(q.cfg.Stream, nats.Context(ctx))
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stream info: %w", err)
	}
	ci, err := q.js.ConsumerInfo(q.cfg.Stream, q.cfg.Durable, nats.Context(ctx))
	if err != nil {
		return Stats{}, fmt.Errorf("queue: consumer info: %w", err)
	}
	return Stats{Depth: si.State.Msgs, InFlight: ci.NumAckPending}, nil
}

// Drain unsubscribes the pull consumer binding.
func (q *JetStream) Drain() error {
	return q.sub.Unsubscribe()
}

type jsDelivery struct {
	job     Job
	attempt int
	msg     *nats.Msg
}

func (d *jsDelivery) Job() Job     { return d.job }
func (d *jsDelivery) Attempt() int { return d.attempt }

func (d *jsDelivery) Ack() error {
	return d.msg.AckSync()
}

func (d *jsDelivery) Nak(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}
