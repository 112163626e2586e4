package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/gateway"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/metrics"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/registry"
	"go.uber.org/zap"
)

const (
	DefaultRetryWorkers = 50
	DefaultBackoffStep  = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultTitle        = "Gerrit notification"
	DefaultIcon         = "ic_stats_gerrit_notification"
)

var (
	// ErrAlreadyStarted is returned by Start on a running worker.
	ErrAlreadyStarted = errors.New("delivery: worker already started")
	// ErrMissingRegistry indicates an enabled worker without a registry.
	ErrMissingRegistry = errors.New("delivery: registry is required")
)

// Registry is the part of the device registry the delivery path reads and mutates.
type Registry interface {
	List(ctx context.Context, ownerID string) []registry.Registration
	Delete(ctx context.Context, ownerID, deviceID, token string) error
}

// Gateway sends one request to the push gateway.
type Gateway interface {
	Send(ctx context.Context, request gateway.Request) gateway.Response
}

// Config wires a Worker's collaborators and delivery policy. Zero values fall back to defaults.
type Config struct {
	// Gateway is nil when no gateway credential is configured; the worker is then disabled.
	Gateway  Gateway
	Registry Registry
	Cooldown CooldownStore
	Metrics  *metrics.Counters
	Logger   *zap.Logger

	IDProvider   IDProvider
	RetryWorkers int
	BackoffStep  time.Duration
	// MaxAttempts caps the number of retries per attempt; zero leaves retries unbounded.
	MaxAttempts       int
	RateLimitCooldown time.Duration

	Title      string
	Icon       string
	TimeToLive int
}

// Worker fans notifications out to every matching device of every recipient owner.
type Worker struct {
	gateway     Gateway
	registry    Registry
	cooldown    CooldownStore
	counters    *metrics.Counters
	logger      *zap.Logger
	idProvider  IDProvider
	after       afterFunc
	workerCount int
	backoffStep time.Duration
	maxAttempts int
	coolFor     time.Duration
	title       string
	icon        string
	timeToLive  int

	mu      sync.RWMutex
	running bool
	retries *retryScheduler
	tasks   sync.WaitGroup
}

// NewWorker constructs a stopped Worker; call Start before dispatching.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Gateway != nil && cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counters := cfg.Metrics
	if counters == nil {
		counters = metrics.New()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	workerCount := cfg.RetryWorkers
	if workerCount <= 0 {
		workerCount = DefaultRetryWorkers
	}
	backoffStep := cfg.BackoffStep
	if backoffStep <= 0 {
		backoffStep = DefaultBackoffStep
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	title := cfg.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	icon := cfg.Icon
	if strings.TrimSpace(icon) == "" {
		icon = DefaultIcon
	}
	timeToLive := cfg.TimeToLive
	if timeToLive <= 0 {
		timeToLive = gateway.DefaultTimeToLive
	}

	return &Worker{
		gateway:     cfg.Gateway,
		registry:    cfg.Registry,
		cooldown:    cfg.Cooldown,
		counters:    counters,
		logger:      logger,
		idProvider:  idProvider,
		after:       realAfterFunc,
		workerCount: workerCount,
		backoffStep: backoffStep,
		maxAttempts: maxAttempts,
		coolFor:     cfg.RateLimitCooldown,
		title:       title,
		icon:        icon,
		timeToLive:  timeToLive,
	}, nil
}

// Enabled reports whether a gateway is configured.
func (w *Worker) Enabled() bool {
	return w.gateway != nil
}

// Start spins up the retry pool. Dispatch drops notifications until Start has been called.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyStarted
	}
	w.retries = newRetryScheduler(w.workerCount, w.after, w.send)
	w.running = true
	w.logger.Info("delivery worker started",
		zap.Bool("enabled", w.Enabled()),
		zap.Int("retry_workers", w.workerCount),
		zap.Int("max_attempts", w.maxAttempts))
	return nil
}

// Stop cancels pending retries immediately and waits for in-flight deliveries until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	retries := w.retries
	w.mu.Unlock()

	if dropped := retries.stop(); dropped > 0 {
		w.logger.Info("pending retries dropped at shutdown", zap.Int("count", dropped))
	}

	drained := make(chan struct{})
	go func() {
		w.tasks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		w.logger.Info("delivery worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch schedules one delivery task per distinct owner and returns without waiting.
func (w *Worker) Dispatch(ownerIDs []string, base notification.Notification) {
	if w.gateway == nil {
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		w.logger.Warn("delivery worker not running; notification dropped",
			zap.String("change", base.Change),
			zap.Stringer("event", base.Event))
		return
	}

	for _, ownerID := range distinctOwners(ownerIDs) {
		w.counters.IncDispatched()
		w.tasks.Add(1)
		go func(ownerID string) {
			defer w.tasks.Done()
			w.deliverToOwner(context.Background(), ownerID, base)
		}(ownerID)
	}
}

func distinctOwners(ownerIDs []string) []string {
	seen := make(map[string]struct{}, len(ownerIDs))
	owners := make([]string, 0, len(ownerIDs))
	for _, raw := range ownerIDs {
		ownerID := strings.TrimSpace(raw)
		if ownerID == "" {
			continue
		}
		if _, ok := seen[ownerID]; ok {
			continue
		}
		seen[ownerID] = struct{}{}
		owners = append(owners, ownerID)
	}
	return owners
}

// deliverToOwner sends base to every registration of ownerID whose mask covers the event.
func (w *Worker) deliverToOwner(ctx context.Context, ownerID string, base notification.Notification) {
	records := w.registry.List(ctx, ownerID)
	for _, record := range records {
		if !record.Wants(base.Event) {
			continue
		}
		if w.coolingDown(ctx, record.DeviceID) {
			w.counters.IncSuppressed()
			w.logger.Debug("device cooling down; delivery skipped",
				zap.String("owner_id", ownerID),
				zap.String("device_id", record.DeviceID))
			continue
		}

		attempt, err := w.newAttempt(ownerID, record, base)
		if err != nil {
			w.counters.IncFailed()
			w.logger.Error("delivery attempt could not be created",
				zap.String("owner_id", ownerID),
				zap.String("device_id", record.DeviceID),
				zap.Error(err))
			continue
		}

		w.tasks.Add(1)
		go func(attempt *Attempt) {
			defer w.tasks.Done()
			w.send(ctx, attempt)
		}(attempt)
	}
}

func (w *Worker) newAttempt(ownerID string, record registry.Registration, base notification.Notification) (*Attempt, error) {
	id, err := w.idProvider.NewID()
	if err != nil {
		return nil, err
	}
	return &Attempt{
		ID:       id,
		OwnerID:  ownerID,
		DeviceID: record.DeviceID,
		Token:    record.Token,
		Request:  w.buildRequest(record, base.ForToken(record.Token)),
		State:    StateNew,
	}, nil
}

// buildRequest addresses the registration id and fills the blocks its response mode selects.
func (w *Worker) buildRequest(record registry.Registration, payload notification.Notification) gateway.Request {
	request := gateway.Request{
		To:         record.DeviceID,
		TimeToLive: w.timeToLive,
	}
	mode := registry.ParseResponseMode(string(record.ResponseMode))
	if mode.IncludesNotification() {
		request.Notification = &gateway.RequestNotification{
			Title: w.title,
			Body:  notification.RenderBody(payload),
			Icon:  w.icon,
		}
	}
	if mode.IncludesData() {
		data := payload
		request.Data = &data
	}
	return request
}

// send runs one SENDING transition and applies the gateway outcome.
func (w *Worker) send(ctx context.Context, attempt *Attempt) {
	if ctx.Err() != nil {
		return
	}
	attempt.State = StateSending
	w.counters.IncAttempts()

	response := w.gateway.Send(ctx, attempt.Request)
	fields := w.attemptFields(attempt,
		zap.Int("status", response.StatusCode),
		zap.String("error_code", response.ErrorCode))

	switch response.Outcome {
	case gateway.OutcomeDelivered:
		attempt.State = StateDelivered
		w.counters.IncDelivered()
		w.logger.Debug("notification delivered", fields...)
	case gateway.OutcomeRetry:
		w.scheduleRetry(attempt, response.RetryAfter)
	case gateway.OutcomeNotRegistered:
		attempt.State = StateFailedPermanent
		w.counters.IncUnregistered()
		if err := w.registry.Delete(ctx, attempt.OwnerID, attempt.DeviceID, attempt.Token); err != nil {
			w.logger.Error("unregistered device could not be removed", append(fields, zap.Error(err))...)
			return
		}
		w.logger.Info("device no longer registered; registration removed", fields...)
	case gateway.OutcomeRateLimited:
		attempt.State = StateFailedPermanent
		w.logger.Warn("device message rate exceeded", fields...)
		w.startCooldown(ctx, attempt)
		w.counters.IncFailed()
	case gateway.OutcomeTransportError:
		attempt.State = StateFailedPermanent
		if ctx.Err() != nil {
			w.logger.Debug("delivery abandoned at shutdown", fields...)
			return
		}
		w.counters.IncFailed()
		w.logger.Error("gateway exchange failed", append(fields, zap.Error(response.Err))...)
	default:
		attempt.State = StateFailedPermanent
		w.counters.IncFailed()
		w.logger.Warn("gateway rejected notification", append(fields, zap.Error(response.Err))...)
	}
}

func (w *Worker) scheduleRetry(attempt *Attempt, hint time.Duration) {
	attempt.Attempts++
	if w.maxAttempts > 0 && attempt.Attempts > w.maxAttempts {
		attempt.State = StateFailedPermanent
		w.counters.IncFailed()
		w.logger.Error("retries exhausted; notification dead-lettered", w.attemptFields(attempt)...)
		return
	}

	delay := retryDelay(attempt.Attempts, hint, w.backoffStep)
	w.mu.RLock()
	retries := w.retries
	w.mu.RUnlock()

	// The attempt belongs to the retry pool once schedule succeeds; it must not be touched after.
	attempt.State = StateRetryScheduled
	fields := w.attemptFields(attempt, zap.Duration("delay", delay))
	if retries == nil || !retries.schedule(delay, attempt) {
		attempt.State = StateFailedPermanent
		w.logger.Info("retry dropped; worker stopping", fields...)
		return
	}
	w.counters.IncRetried()
	w.logger.Info("retry scheduled", fields...)
}

func (w *Worker) coolingDown(ctx context.Context, deviceID string) bool {
	if w.cooldown == nil || w.coolFor <= 0 {
		return false
	}
	cooling, err := w.cooldown.IsCoolingDown(ctx, deviceID)
	if err != nil {
		w.logger.Warn("cool-down lookup failed", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	return cooling
}

func (w *Worker) startCooldown(ctx context.Context, attempt *Attempt) {
	if w.cooldown == nil || w.coolFor <= 0 {
		return
	}
	if err := w.cooldown.CoolDown(ctx, attempt.DeviceID, w.coolFor); err != nil {
		w.logger.Warn("cool-down could not be recorded", w.attemptFields(attempt, zap.Error(err))...)
	}
}

func (w *Worker) attemptFields(attempt *Attempt, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.String("attempt_id", attempt.ID),
		zap.String("owner_id", attempt.OwnerID),
		zap.String("device_id", attempt.DeviceID),
		zap.String("token", redactToken(attempt.Token)),
		zap.Int("attempt", attempt.Attempts),
	}
	return append(fields, extra...)
}
