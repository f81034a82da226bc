// Package kafka implements broker.Dialer on top of franz-go, for Kafka and
// Redpanda clusters.
//
// Each broker.Conn wraps a kgo.Client seeded with a single node so that the
// Cluster, not the client, decides which node is in use. Private reply
// destinations are single-partition topics created with kadm and deleted
// when their subscription closes.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"parkline/internal/broker"
)

const (
	defaultHealthInterval = 2 * time.Second
	defaultHealthFailures = 2
	adminTimeout          = 10 * time.Second
)

// Dialer opens franz-go clients against individual nodes.
type Dialer struct {
	// ClientID identifies this process to the brokers.
	ClientID string
	// HealthInterval is how often a live connection is pinged.
	HealthInterval time.Duration
	// HealthFailures is how many consecutive failed pings mark the
	// connection lost.
	HealthFailures int
	Logger         *slog.Logger
}

// Dial pings node and returns a connection bound to it.
func (d *Dialer) Dial(ctx context.Context, node string) (broker.Conn, error) {
	client, err := kgo.NewClient(d.baseOpts(node)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client for %s: %w", node, err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", node, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	interval := d.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	failures := d.HealthFailures
	if failures <= 0 {
		failures = defaultHealthFailures
	}

	c := &conn{
		dialer:   d,
		node:     node,
		client:   client,
		admin:    kadm.NewClient(client),
		logger:   logger.With("node", node),
		done:     make(chan struct{}),
		interval: interval,
		failures: failures,
	}
	go c.monitor()
	return c, nil
}

func (d *Dialer) baseOpts(node string) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(node),
		kgo.AllowAutoTopicCreation(),
		kgo.RequestRetries(1),
	}
	if d.ClientID != "" {
		opts = append(opts, kgo.ClientID(d.ClientID))
	}
	return opts
}

type conn struct {
	dialer   *Dialer
	node     string
	client   *kgo.Client
	admin    *kadm.Client
	logger   *slog.Logger
	interval time.Duration
	failures int

	once sync.Once
	done chan struct{}

	mu   sync.Mutex
	lost bool
}

func (c *conn) Node() string          { return c.node }
func (c *conn) ConcurrentSafe() bool  { return true }
func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) monitor() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.interval)
		err := c.client.Ping(ctx)
		cancel()
		if err == nil {
			misses = 0
			continue
		}
		misses++
		c.logger.Warn("kafka ping failed", "misses", misses, "error", err)
		if misses >= c.failures {
			c.mu.Lock()
			c.lost = true
			c.mu.Unlock()
			c.shutdown()
			return
		}
	}
}

func (c *conn) wasLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *conn) Publish(ctx context.Context, destination string, msg broker.Message) error {
	select {
	case <-c.done:
		return broker.ErrConnectionLost
	default:
	}

	record := &kgo.Record{
		Topic: destination,
		Key:   []byte(msg.Key),
		Value: msg.Body,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := c.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if errors.Is(err, kgo.ErrClientClosed) {
			return broker.ErrConnectionLost
		}
		return err
	}
	return nil
}

func (c *conn) Subscribe(ctx context.Context, destination string, opts broker.SubscribeOptions) (broker.Stream, error) {
	select {
	case <-c.done:
		return nil, broker.ErrConnectionLost
	default:
	}

	if opts.AutoDelete {
		if err := c.createTopic(ctx, destination); err != nil {
			return nil, err
		}
	}

	consumerOpts := append(c.dialer.baseOpts(c.node),
		kgo.ConsumeTopics(destination),
		kgo.ConsumeResetOffset(startOffset(opts)),
	)
	if opts.Group != "" {
		consumerOpts = append(consumerOpts, kgo.ConsumerGroup(opts.Group))
	}
	consumer, err := kgo.NewClient(consumerOpts...)
	if err != nil {
		if opts.AutoDelete {
			c.deleteTopic(destination)
		}
		return nil, fmt.Errorf("create kafka consumer for %s: %w", destination, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:        c,
		destination: destination,
		autoDelete:  opts.AutoDelete,
		consumer:    consumer,
		out:         make(chan broker.Message),
		cancel:      cancel,
		finished:    make(chan struct{}),
	}
	go s.poll(pollCtx)
	return s, nil
}

// startOffset picks where a new consumer begins. Groups and private topics
// read from the start: a private topic is created by this subscription, so
// anything already in it was produced for it, and the end offset is resolved
// only on the first poll, after a fast reply may have landed. Plain shared
// subscriptions only see what is produced from now on.
func startOffset(opts broker.SubscribeOptions) kgo.Offset {
	if opts.Group != "" || opts.AutoDelete {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().AtEnd()
}

func (c *conn) createTopic(ctx context.Context, topic string) error {
	resp, err := c.admin.CreateTopic(ctx, 1, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}
	return nil
}

func (c *conn) deleteTopic(topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	resps, err := c.admin.DeleteTopics(ctx, topic)
	if err != nil {
		c.logger.Warn("delete private topic failed", "topic", topic, "error", err)
		return
	}
	for _, resp := range resps {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.UnknownTopicOrPartition) {
			c.logger.Warn("delete private topic failed", "topic", resp.Topic, "error", resp.Err)
		}
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.client.Close()
	})
}

func (c *conn) Close() error {
	c.shutdown()
	return nil
}

type stream struct {
	conn        *conn
	destination string
	autoDelete  bool
	consumer    *kgo.Client

	out       chan broker.Message
	cancel    context.CancelFunc
	closeOnce sync.Once
	finished  chan struct{}

	mu  sync.Mutex
	err error
}

func (s *stream) poll(ctx context.Context) {
	defer close(s.finished)
	defer close(s.out)
	defer s.consumer.Close()

	go func() {
		select {
		case <-s.conn.done:
			s.cancel()
		case <-ctx.Done():
		}
	}()

	for {
		fetches := s.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			s.finish()
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.conn.logger.Warn("kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		stopped := false
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped {
				return
			}
			select {
			case s.out <- toMessage(r):
			case <-ctx.Done():
				stopped = true
			}
		})
		if stopped {
			s.finish()
			return
		}
	}
}

func (s *stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.wasLost() {
		s.err = broker.ErrConnectionLost
		return
	}
	s.err = broker.ErrClosed
}

func toMessage(r *kgo.Record) broker.Message {
	msg := broker.Message{
		Destination: r.Topic,
		Key:         string(r.Key),
		Body:        r.Value,
	}
	if len(r.Headers) > 0 {
		msg.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func (s *stream) Messages() <-chan broker.Message { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.finished
		if s.autoDelete {
			s.conn.deleteTopic(s.destination)
		}
	})
	return nil
}
