package delivery

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/gateway"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/metrics"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/registry"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fakeRegistry struct {
	mu        sync.Mutex
	records   map[string][]registry.Registration
	listCalls int
	deleted   []string
}

func newFakeRegistry(records ...registry.Registration) *fakeRegistry {
	fake := &fakeRegistry{records: make(map[string][]registry.Registration)}
	for _, record := range records {
		fake.records[record.OwnerID] = append(fake.records[record.OwnerID], record)
	}
	return fake
}

func (r *fakeRegistry) List(_ context.Context, ownerID string) []registry.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	return append([]registry.Registration(nil), r.records[ownerID]...)
}

func (r *fakeRegistry) Delete(_ context.Context, ownerID, deviceID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ownerID+"|"+deviceID+"|"+token)
	return nil
}

func (r *fakeRegistry) lists() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []gateway.Request
	respond  func(gateway.Request) gateway.Response
}

func (g *fakeGateway) Send(_ context.Context, request gateway.Request) gateway.Response {
	g.mu.Lock()
	g.requests = append(g.requests, request)
	respond := g.respond
	g.mu.Unlock()
	if respond == nil {
		return gateway.Response{Outcome: gateway.OutcomeDelivered, StatusCode: 200}
	}
	return respond(request)
}

func (g *fakeGateway) sent() []gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Request(nil), g.requests...)
}

type fakeTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	fires   []func()
	stopped int
}

type fakeTimer struct {
	timers *fakeTimers
}

func (t *fakeTimer) Stop() bool {
	t.timers.mu.Lock()
	defer t.timers.mu.Unlock()
	t.timers.stopped++
	return true
}

func (f *fakeTimers) after(delay time.Duration, fire func()) stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, delay)
	f.fires = append(f.fires, fire)
	return &fakeTimer{timers: f}
}

func (f *fakeTimers) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func (f *fakeTimers) fire(index int) {
	f.mu.Lock()
	fire := f.fires[index]
	f.mu.Unlock()
	fire()
}

func (f *fakeTimers) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func startTestWorker(t *testing.T, cfg Config, timers *fakeTimers) *Worker {
	t.Helper()
	worker, err := NewWorker(cfg)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	if timers != nil {
		worker.after = timers.after
	}
	if err := worker.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() {
		_ = worker.Stop(context.Background())
	})
	return worker
}

func drain(t *testing.T, worker *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := worker.Stop(ctx); err != nil {
		t.Fatalf("worker did not drain: %v", err)
	}
}

func mergedNotification(t *testing.T) notification.Notification {
	t.Helper()
	base, err := notification.Build(notification.ChangeMerged{ChangeEvent: notification.ChangeEvent{
		When:   time.Unix(1700000000, 0),
		Change: notification.ChangeInfo{ID: "I42", Number: 42, Project: "tools", Branch: "main", Subject: "Merge me"},
		Who:    notification.Account{AccountID: "actor", Name: "Actor"},
	}})
	if err != nil {
		t.Fatalf("failed to build notification: %v", err)
	}
	return base
}

func TestDispatchIsNoOpWithoutGateway(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	worker := startTestWorker(t, Config{Registry: records}, nil)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	drain(t, worker)

	if worker.Enabled() {
		t.Fatalf("worker without gateway must be disabled")
	}
	if records.lists() != 0 {
		t.Fatalf("expected zero registry reads, got %d", records.lists())
	}
}

func TestDispatchDeliversOnlyToMatchingDevices(t *testing.T) {
	records := newFakeRegistry(
		registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: 0b1111, ResponseMode: registry.ResponseModeBoth},
		registry.Registration{OwnerID: "U", DeviceID: "D2", Token: "T2", Events: 0b0101, ResponseMode: registry.ResponseModeBoth},
	)
	gw := &fakeGateway{}
	worker := startTestWorker(t, Config{Gateway: gw, Registry: records}, &fakeTimers{})

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	drain(t, worker)

	sent := gw.sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(sent))
	}
	request := sent[0]
	if request.To != "D1" {
		t.Fatalf("expected delivery to D1, got %q", request.To)
	}
	if request.TimeToLive != gateway.DefaultTimeToLive {
		t.Fatalf("unexpected time to live %d", request.TimeToLive)
	}
	if request.Notification == nil || !strings.Contains(request.Notification.Body, "merged") {
		t.Fatalf("expected body referencing merged, got %+v", request.Notification)
	}
	if request.Notification.Title != DefaultTitle || request.Notification.Icon != DefaultIcon {
		t.Fatalf("unexpected notification block %+v", request.Notification)
	}
	if request.Data == nil || request.Data.Token != "T1" {
		t.Fatalf("expected data block carrying the device token, got %+v", request.Data)
	}
}

func TestDispatchIsolatesOwnerFailures(t *testing.T) {
	records := newFakeRegistry(
		registry.Registration{OwnerID: "U1", DeviceID: "D1", Token: "T1", Events: notification.AllKinds},
		registry.Registration{OwnerID: "U2", DeviceID: "D2", Token: "T2", Events: notification.AllKinds},
	)
	gw := &fakeGateway{respond: func(request gateway.Request) gateway.Response {
		if request.To == "D1" {
			return gateway.Response{Outcome: gateway.OutcomeTransportError, Err: context.DeadlineExceeded}
		}
		return gateway.Response{Outcome: gateway.OutcomeDelivered, StatusCode: 200}
	}}
	counters := metrics.New()
	worker := startTestWorker(t, Config{Gateway: gw, Registry: records, Metrics: counters}, &fakeTimers{})

	worker.Dispatch([]string{"U1", "U2", "U1", " "}, mergedNotification(t))
	drain(t, worker)

	sent := gw.sent()
	if len(sent) != 2 {
		t.Fatalf("expected one attempt per owner, got %d", len(sent))
	}
	targets := map[string]bool{}
	for _, request := range sent {
		targets[request.To] = true
	}
	if !targets["D1"] || !targets["D2"] {
		t.Fatalf("expected attempts for D1 and D2, got %v", targets)
	}
	snapshot := counters.Snapshot()
	if snapshot.Dispatched != 2 || snapshot.Delivered != 1 || snapshot.Failed != 1 {
		t.Fatalf("unexpected counters %+v", snapshot)
	}
}

func TestResponseModeSelectsBlocks(t *testing.T) {
	tests := []struct {
		name             string
		mode             registry.ResponseMode
		wantNotification bool
		wantData         bool
	}{
		{name: "data", mode: registry.ResponseModeData, wantData: true},
		{name: "notification", mode: registry.ResponseModeNotification, wantNotification: true},
		{name: "both", mode: registry.ResponseModeBoth, wantNotification: true, wantData: true},
		{name: "unset", mode: "", wantNotification: true, wantData: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds, ResponseMode: tt.mode})
			gw := &fakeGateway{}
			worker := startTestWorker(t, Config{Gateway: gw, Registry: records}, &fakeTimers{})

			worker.Dispatch([]string{"U"}, mergedNotification(t))
			drain(t, worker)

			sent := gw.sent()
			if len(sent) != 1 {
				t.Fatalf("expected one delivery, got %d", len(sent))
			}
			if (sent[0].Notification != nil) != tt.wantNotification {
				t.Fatalf("unexpected notification block presence: %+v", sent[0].Notification)
			}
			if (sent[0].Data != nil) != tt.wantData {
				t.Fatalf("unexpected data block presence: %+v", sent[0].Data)
			}
		})
	}
}

func TestServerErrorRetriesWithLinearBackoff(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		return gateway.Response{Outcome: gateway.OutcomeRetry, StatusCode: 500}
	}}
	timers := &fakeTimers{}
	worker := startTestWorker(t, Config{Gateway: gw, Registry: records}, timers)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	waitFor(t, "first retry", func() bool { return len(timers.scheduled()) == 1 })
	if delay := timers.scheduled()[0]; delay != 30*time.Second {
		t.Fatalf("expected first retry at 30s, got %v", delay)
	}

	timers.fire(0)
	waitFor(t, "second retry", func() bool { return len(timers.scheduled()) == 2 })
	if delay := timers.scheduled()[1]; delay != 60*time.Second {
		t.Fatalf("expected second retry at 60s, got %v", delay)
	}
	if len(gw.sent()) != 2 {
		t.Fatalf("expected two sends, got %d", len(gw.sent()))
	}
}

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		return gateway.Response{Outcome: gateway.OutcomeRetry, StatusCode: 200, ErrorCode: gateway.ErrorUnavailable, RetryAfter: 5 * time.Second}
	}}
	timers := &fakeTimers{}
	worker := startTestWorker(t, Config{Gateway: gw, Registry: records}, timers)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	waitFor(t, "retry", func() bool { return len(timers.scheduled()) == 1 })
	if delay := timers.scheduled()[0]; delay != 5*time.Second {
		t.Fatalf("expected gateway hint to win, got %v", delay)
	}
}

func TestNotRegisteredRemovesRegistration(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&registry.Registration{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := registry.NewStore(registry.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Upsert(ctx, "U", registry.Registration{DeviceID: "D1", Token: "T1", Events: notification.AllKinds}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		return gateway.Response{Outcome: gateway.OutcomeNotRegistered, StatusCode: 200, ErrorCode: gateway.ErrorNotRegistered}
	}}
	timers := &fakeTimers{}
	counters := metrics.New()
	worker := startTestWorker(t, Config{Gateway: gw, Registry: store, Metrics: counters}, timers)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	drain(t, worker)

	if _, ok := store.Get(ctx, "U", "D1", "T1"); ok {
		t.Fatalf("expected registration to be removed")
	}
	if len(timers.scheduled()) != 0 {
		t.Fatalf("expected no retry after NotRegistered")
	}
	if counters.Snapshot().Unregistered != 1 {
		t.Fatalf("expected one unregistered device, got %+v", counters.Snapshot())
	}
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		return gateway.Response{Outcome: gateway.OutcomeRetry, StatusCode: 500}
	}}
	timers := &fakeTimers{}
	core, logs := observer.New(zapcore.InfoLevel)
	counters := metrics.New()
	worker := startTestWorker(t, Config{
		Gateway:     gw,
		Registry:    records,
		Metrics:     counters,
		Logger:      zap.New(core),
		MaxAttempts: 2,
	}, timers)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	waitFor(t, "first retry", func() bool { return len(timers.scheduled()) == 1 })
	timers.fire(0)
	waitFor(t, "second retry", func() bool { return len(timers.scheduled()) == 2 })
	timers.fire(1)
	waitFor(t, "dead letter", func() bool { return counters.Snapshot().Failed == 1 })

	if len(timers.scheduled()) != 2 {
		t.Fatalf("expected no third retry, got %v", timers.scheduled())
	}
	if len(gw.sent()) != 3 {
		t.Fatalf("expected three sends, got %d", len(gw.sent()))
	}
	entries := logs.FilterMessage("retries exhausted; notification dead-lettered").All()
	if len(entries) != 1 {
		t.Fatalf("expected one dead-letter log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level, got %s", entries[0].Level)
	}
	if token, _ := entries[0].ContextMap()["token"].(string); token == "T1" {
		t.Fatalf("token must be redacted in logs")
	}
}

func TestStopDropsPendingRetries(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		return gateway.Response{Outcome: gateway.OutcomeRetry, StatusCode: 500}
	}}
	timers := &fakeTimers{}
	worker := startTestWorker(t, Config{Gateway: gw, Registry: records}, timers)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	waitFor(t, "retry", func() bool { return len(timers.scheduled()) == 1 })
	drain(t, worker)

	if timers.stopCount() != 1 {
		t.Fatalf("expected pending timer to be stopped, got %d", timers.stopCount())
	}
	timers.fire(0)
	if len(gw.sent()) != 1 {
		t.Fatalf("expected dropped retry not to send, got %d sends", len(gw.sent()))
	}

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	if len(gw.sent()) != 1 {
		t.Fatalf("expected dispatch after stop to be dropped")
	}
}

func TestRateLimitStartsCooldown(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		return gateway.Response{Outcome: gateway.OutcomeRateLimited, StatusCode: 200, ErrorCode: gateway.ErrorDeviceMessageRateExceeded}
	}}
	counters := metrics.New()
	worker := startTestWorker(t, Config{
		Gateway:           gw,
		Registry:          records,
		Metrics:           counters,
		Cooldown:          NewMemoryCooldownStore(nil),
		RateLimitCooldown: time.Minute,
	}, &fakeTimers{})

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	waitFor(t, "rate limited send", func() bool { return counters.Snapshot().Failed == 1 })
	worker.Dispatch([]string{"U"}, mergedNotification(t))
	drain(t, worker)

	if len(gw.sent()) != 1 {
		t.Fatalf("expected cooling device to be skipped, got %d sends", len(gw.sent()))
	}
	if counters.Snapshot().Suppressed != 1 {
		t.Fatalf("expected one suppressed delivery, got %+v", counters.Snapshot())
	}
}

func TestRateLimitWithoutCooldownIsLoggedOnly(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		return gateway.Response{Outcome: gateway.OutcomeRateLimited, StatusCode: 200, ErrorCode: gateway.ErrorDeviceMessageRateExceeded}
	}}
	timers := &fakeTimers{}
	worker := startTestWorker(t, Config{Gateway: gw, Registry: records, Cooldown: NewMemoryCooldownStore(nil)}, timers)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	worker.Dispatch([]string{"U"}, mergedNotification(t))
	drain(t, worker)

	if len(gw.sent()) != 2 {
		t.Fatalf("expected both deliveries to be attempted, got %d", len(gw.sent()))
	}
	if len(timers.scheduled()) != 0 || len(records.deleted) != 0 {
		t.Fatalf("rate limiting must neither retry nor delete")
	}
}

func TestStartTwiceFails(t *testing.T) {
	worker := startTestWorker(t, Config{}, nil)
	if err := worker.Start(); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestNewWorkerRequiresRegistryWhenEnabled(t *testing.T) {
	if _, err := NewWorker(Config{Gateway: &fakeGateway{}}); err != ErrMissingRegistry {
		t.Fatalf("expected ErrMissingRegistry, got %v", err)
	}
}

func TestFastRetriesHandOffAttemptOwnership(t *testing.T) {
	records := newFakeRegistry(registry.Registration{OwnerID: "U", DeviceID: "D1", Token: "T1", Events: notification.AllKinds})
	var sends atomic.Int32
	gw := &fakeGateway{respond: func(gateway.Request) gateway.Response {
		if sends.Add(1) <= 20 {
			return gateway.Response{Outcome: gateway.OutcomeRetry, StatusCode: 500}
		}
		return gateway.Response{Outcome: gateway.OutcomeDelivered, StatusCode: 200}
	}}
	counters := metrics.New()
	worker := startTestWorker(t, Config{
		Gateway:      gw,
		Registry:     records,
		Metrics:      counters,
		BackoffStep:  time.Nanosecond,
		RetryWorkers: 4,
		MaxAttempts:  25,
	}, nil)

	worker.Dispatch([]string{"U"}, mergedNotification(t))
	waitFor(t, "delivery after retries", func() bool { return counters.Snapshot().Delivered == 1 })
	drain(t, worker)

	snapshot := counters.Snapshot()
	if snapshot.Retried != 20 || snapshot.Failed != 0 {
		t.Fatalf("expected twenty retries and no failures, got %+v", snapshot)
	}
	if len(gw.sent()) != 21 {
		t.Fatalf("expected twenty-one sends, got %d", len(gw.sent()))
	}
}
