package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/metrics"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const validEnvelope = `{
	"type": "comment-added",
	"when": "2026-10-01T12:00:00Z",
	"change": {"id": "I42", "number": 42, "project": "core", "branch": "main", "subject": "Fix it"},
	"who": {"accountId": "100", "name": "Jane"},
	"comment": "LGTM",
	"recipients": ["200", "100", "300"]
}`

type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
	requeued bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return errors.New("nack not expected")
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	a.requeued = a.requeued || requeue
	return nil
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.rejected)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls [][]string
	bases []notification.Notification
}

func (d *recordingDispatcher) Dispatch(ownerIDs []string, base notification.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ownerIDs)
	d.bases = append(d.bases, base)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeChannel struct {
	deliveries chan amqp.Delivery
	declared   string
	durable    bool
	prefetch   int
	autoAck    bool
	closed     bool
	declareErr error
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declared = name
	f.durable = durable
	return amqp.Queue{Name: name}, f.declareErr
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.autoAck = autoAck
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestConsumer(t *testing.T, channel *fakeChannel, dispatcher Dispatcher, counters *metrics.Counters, logger *zap.Logger) *Consumer {
	t.Helper()
	consumer, err := newConsumer(Config{
		Queue:      "events-test",
		Workers:    2,
		Prefetch:   7,
		Dispatcher: dispatcher,
		Metrics:    counters,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to build consumer: %v", err)
	}
	consumer.openChannel = func() (queueChannel, error) { return channel, nil }
	return consumer
}

func TestHandleDeliveryDispatchesAndAcks(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	counters := metrics.New()
	consumer := newTestConsumer(t, &fakeChannel{}, dispatcher, counters, nil)
	ack := &fakeAcknowledger{}

	err := consumer.handleDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 9, Body: []byte(validEnvelope)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acked, rejected := ack.counts()
	if acked != 1 || rejected != 0 {
		t.Fatalf("expected one ack and no rejects, got %d/%d", acked, rejected)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", dispatcher.count())
	}
	if got := dispatcher.calls[0]; len(got) != 2 || got[0] != "200" || got[1] != "300" {
		t.Fatalf("unexpected recipients %v", got)
	}
	base := dispatcher.bases[0]
	if base.Event != notification.KindCommentAdded || base.Change != "I42" || base.LegacyChangeID != 42 {
		t.Fatalf("unexpected notification %+v", base)
	}
	if counters.Snapshot().Consumed != 1 {
		t.Fatalf("expected consumed counter to increase")
	}
}

func TestHandleDeliveryRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not-json", body: "{"},
		{name: "unknown-type", body: `{"type":"ref-updated","change":{"id":"I1"}}`},
		{name: "missing-change", body: `{"type":"change-merged"}`},
		{name: "reviewers-missing", body: `{"type":"reviewer-added","change":{"id":"I1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &recordingDispatcher{}
			consumer := newTestConsumer(t, &fakeChannel{}, dispatcher, nil, nil)
			ack := &fakeAcknowledger{}

			if err := consumer.handleDelivery(amqp.Delivery{Acknowledger: ack, Body: []byte(tt.body)}); err == nil {
				t.Fatalf("expected an error")
			}
			acked, rejected := ack.counts()
			if acked != 0 || rejected != 1 {
				t.Fatalf("expected a single reject, got %d acks and %d rejects", acked, rejected)
			}
			if ack.requeued {
				t.Fatalf("malformed envelopes must not be requeued")
			}
			if dispatcher.count() != 0 {
				t.Fatalf("malformed envelopes must not be dispatched")
			}
		})
	}
}

func TestStartConsumesUntilCancelled(t *testing.T) {
	channel := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	dispatcher := &recordingDispatcher{}
	core, logs := observer.New(zapcore.InfoLevel)
	consumer := newTestConsumer(t, channel, dispatcher, nil, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	ack := &fakeAcknowledger{}
	channel.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(validEnvelope)}
	channel.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("garbage")}

	deadline := time.Now().Add(2 * time.Second)
	for {
		acked, rejected := ack.counts()
		if acked == 1 && rejected == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for deliveries, acked=%d rejected=%d", acked, rejected)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}

	if channel.declared != "events-test" || !channel.durable {
		t.Fatalf("expected durable queue declaration, got %q durable=%v", channel.declared, channel.durable)
	}
	if channel.prefetch != 7 || channel.autoAck {
		t.Fatalf("expected prefetch 7 with manual ack, got %d autoAck=%v", channel.prefetch, channel.autoAck)
	}
	if !channel.closed {
		t.Fatalf("expected channel to be closed")
	}
	if logs.FilterMessage("event rejected").Len() != 1 {
		t.Fatalf("expected the malformed delivery to be logged")
	}
}

func TestStartReportsClosedDeliveryStream(t *testing.T) {
	channel := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	close(channel.deliveries)
	consumer := newTestConsumer(t, channel, &recordingDispatcher{}, nil, nil)

	if err := consumer.Start(context.Background()); !errors.Is(err, ErrDeliveriesClosed) {
		t.Fatalf("expected closed stream error, got %v", err)
	}
}

func TestStartFailsWhenQueueCannotBeDeclared(t *testing.T) {
	channel := &fakeChannel{declareErr: errors.New("access refused")}
	consumer := newTestConsumer(t, channel, &recordingDispatcher{}, nil, nil)

	if err := consumer.Start(context.Background()); err == nil {
		t.Fatalf("expected declaration failure")
	}
	if !channel.closed {
		t.Fatalf("expected channel to be closed on failure")
	}
}

func TestNewConsumerValidatesDependencies(t *testing.T) {
	if _, err := NewConsumer(Config{Dispatcher: &recordingDispatcher{}}); !errors.Is(err, ErrMissingConnection) {
		t.Fatalf("expected missing connection error, got %v", err)
	}
	if _, err := newConsumer(Config{}); !errors.Is(err, ErrMissingDispatcher) {
		t.Fatalf("expected missing dispatcher error, got %v", err)
	}
	consumer, err := newConsumer(Config{Dispatcher: &recordingDispatcher{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumer.queue != DefaultQueue || consumer.workers != DefaultWorkers || consumer.prefetch != DefaultPrefetch {
		t.Fatalf("unexpected defaults %+v", consumer)
	}
}
