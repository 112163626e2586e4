package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/metrics"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	DefaultQueue    = "cloudnotify.events"
	DefaultWorkers  = 5
	DefaultPrefetch = 50
)

var (
	ErrMissingConnection = errors.New("consumer: amqp connection is required")
	ErrMissingDispatcher = errors.New("consumer: dispatcher is required")
	// ErrDeliveriesClosed is returned by Start when the broker closes the delivery stream.
	ErrDeliveriesClosed = errors.New("consumer: delivery channel closed")
)

type Dispatcher interface {
	Dispatch(ownerIDs []string, base notification.Notification)
}

// queueChannel is the subset of *amqp.Channel the consumer relies on.
type queueChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Config holds the broker connection, queue settings and the dispatcher to feed.
type Config struct {
	Connection *amqp.Connection
	Queue      string
	Workers    int
	Prefetch   int
	Dispatcher Dispatcher
	Metrics    *metrics.Counters
	Logger     *zap.Logger
}

// Consumer reads event envelopes from a durable queue and hands them to the dispatcher.
type Consumer struct {
	openChannel func() (queueChannel, error)
	queue       string
	workers     int
	prefetch    int
	dispatcher  Dispatcher
	metrics     *metrics.Counters
	logger      *zap.Logger
}

// NewConsumer constructs a Consumer over the given AMQP connection.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Connection == nil {
		return nil, ErrMissingConnection
	}
	consumer, err := newConsumer(cfg)
	if err != nil {
		return nil, err
	}
	connection := cfg.Connection
	consumer.openChannel = func() (queueChannel, error) {
		return connection.Channel()
	}
	return consumer, nil
}

func newConsumer(cfg Config) (*Consumer, error) {
	if cfg.Dispatcher == nil {
		return nil, ErrMissingDispatcher
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = DefaultQueue
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	counters := cfg.Metrics
	if counters == nil {
		counters = metrics.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:      queue,
		workers:    workers,
		prefetch:   prefetch,
		dispatcher: cfg.Dispatcher,
		metrics:    counters,
		logger:     logger,
	}, nil
}

// Start declares the queue and consumes it with manual acknowledgements until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	channel, err := c.openChannel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue setup failed: %w", err)
	}
	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos configuration failed: %w", err)
	}
	deliveries, err := channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("event consumer started",
		zap.String("queue", c.queue),
		zap.Int("workers", c.workers),
		zap.Int("prefetch", c.prefetch),
	)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					if err := c.handleDelivery(msg); err != nil {
						c.logger.Warn("event rejected", zap.Uint64("delivery_tag", msg.DeliveryTag), zap.Error(err))
					}
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return ErrDeliveriesClosed
}

func (c *Consumer) handleDelivery(msg amqp.Delivery) error {
	c.metrics.IncConsumed()

	envelope, err := notification.DecodeEnvelope(msg.Body)
	if err != nil {
		if rejectErr := msg.Reject(false); rejectErr != nil {
			c.logger.Error("reject failed", zap.Error(rejectErr))
		}
		return err
	}
	base, err := envelope.Notification()
	if err != nil {
		if rejectErr := msg.Reject(false); rejectErr != nil {
			c.logger.Error("reject failed", zap.Error(rejectErr))
		}
		return err
	}

	c.dispatcher.Dispatch(envelope.RecipientIDs(), base)
	if err := msg.Ack(false); err != nil {
		c.logger.Error("ack failed", zap.Uint64("delivery_tag", msg.DeliveryTag), zap.Error(err))
	}
	return nil
}
