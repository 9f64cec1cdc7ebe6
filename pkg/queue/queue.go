package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/membersync/pkg/dispatch"
	"github.com/cuemby/membersync/pkg/events"
	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/metrics"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxRetries is the number of attempts before an item fails for good
const DefaultMaxRetries = 3

// recoveryGrace is added to the handler timeout before an in-progress claim
// counts as abandoned, leaving room for the result write.
const recoveryGrace = 5 * time.Second

// failTimeout bounds the failure hook of an item that reached Error
const failTimeout = 10 * time.Second

// Config controls the worker loop
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	HandlerTimeout time.Duration
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		BatchSize:      10,
		MaxRetries:     DefaultMaxRetries,
		HandlerTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	return c
}

// PollResult summarizes one poll-and-process cycle
type PollResult struct {
	Skipped   bool `json:"skipped,omitempty"`
	Claimed   int  `json:"claimed"`
	Completed int  `json:"completed"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
}

// Queue is the work item store façade and the retrying worker loop. Only the
// queue moves items through their lifecycle.
type Queue struct {
	store      storage.WorkItemStore
	dispatcher dispatch.Dispatcher
	events     events.Publisher
	cfg        Config
	logger     zerolog.Logger

	polling  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a queue. A nil publisher discards events.
func New(store storage.WorkItemStore, dispatcher dispatch.Dispatcher, publisher events.Publisher, cfg Config) *Queue {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		events:     publisher,
		cfg:        cfg.withDefaults(),
		logger:     log.WithComponent("queue"),
		stopCh:     make(chan struct{}),
	}
}

// Config returns the effective configuration
func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue stores a pending work item for payload and returns its id
func (q *Queue) Enqueue(ctx context.Context, payload types.Payload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return q.enqueue(ctx, payload.WorkType(), raw)
}

// EnqueueRaw stores a pending work item from an untyped payload. The payload
// must decode into the shape of t.
func (q *Queue) EnqueueRaw(ctx context.Context, t types.WorkType, raw json.RawMessage) (string, error) {
	if _, err := types.DecodePayload(t, raw); err != nil {
		return "", err
	}
	return q.enqueue(ctx, t, raw)
}

func (q *Queue) enqueue(ctx context.Context, t types.WorkType, raw json.RawMessage) (string, error) {
	now := time.Now().UTC()
	item := &types.WorkItem{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   raw,
		Status:    types.WorkStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.CreateWorkItem(ctx, item); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", t, err)
	}

	metrics.WorkItemsEnqueued.WithLabelValues(string(t)).Inc()
	q.publish(events.EventWorkEnqueued, item, "")
	q.logger.Debug().
		Str("work_item_id", item.ID).
		Str("type", string(t)).
		Msg("Work item enqueued")
	return item.ID, nil
}

// Start recovers abandoned claims and begins polling on the configured
// interval
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop ends the polling loop and waits for an in-flight poll to finish
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	metrics.RegisterComponent("worker", true, "")
	q.recoverStale()
	lastRecovery := time.Now()
	for {
		select {
		case <-ticker.C:
			if time.Since(lastRecovery) >= q.cfg.HandlerTimeout {
				q.recoverStale()
				lastRecovery = time.Now()
			}
			if _, err := q.PollAndProcess(context.Background(), q.cfg.BatchSize); err != nil {
				q.logger.Error().Err(err).Msg("Poll failed")
				metrics.UpdateComponent("worker", false, err.Error())
				continue
			}
			metrics.UpdateComponent("worker", true, "")
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) recoverStale() {
	if _, err := q.Recover(context.Background()); err != nil {
		q.logger.Error().Err(err).Msg("Recovery failed")
	}
}

// Recover releases in-progress items whose claim is older than the handler
// timeout. A worker that crashed, or failed to record a result, leaves such
// items behind. Attempts are kept: an item with retries left goes back to
// Pending, one that has used them all goes to Error.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-q.cfg.HandlerTimeout - recoveryGrace)
	stale, err := q.store.ListStaleWorkItems(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale work items: %w", err)
	}

	recovered := 0
	for _, candidate := range stale {
		updated, err := q.store.UpdateWorkItem(ctx, candidate.ID, func(w *types.WorkItem) error {
			if w.Status != types.WorkStatusInProgress || !w.UpdatedAt.Before(cutoff) {
				return storage.ErrConflict
			}
			w.ErrorMessage = fmt.Sprintf("abandoned in progress since %s", w.UpdatedAt.Format(time.RFC3339))
			w.UpdatedAt = now
			if w.Attempts >= q.cfg.MaxRetries {
				w.Status = types.WorkStatusError
			} else {
				w.Status = types.WorkStatusPending
			}
			return nil
		})
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover %s: %w", candidate.ID, err)
		}
		recovered++

		logger := log.WorkItemContext(q.logger, updated.ID, string(updated.Type), updated.Attempts)
		switch updated.Status {
		case types.WorkStatusPending:
			metrics.WorkItemsRecovered.WithLabelValues("requeued").Inc()
			q.publish(events.EventWorkRecovered, updated, updated.ErrorMessage)
			logger.Warn().Str("reason", updated.ErrorMessage).Msg("Abandoned work item requeued")
		case types.WorkStatusError:
			metrics.WorkItemsRecovered.WithLabelValues("error").Inc()
			q.publish(events.EventWorkFailed, updated, updated.ErrorMessage)
			logger.Error().Str("reason", updated.ErrorMessage).Msg("Abandoned work item out of retries")
			q.fail(ctx, updated, errors.New(updated.ErrorMessage))
		}
	}
	return recovered, nil
}

// fail runs the failure hook of an item that reached Error. The hook gets
// its own deadline so a cancelled poll still settles the item's task.
func (q *Queue) fail(ctx context.Context, item *types.WorkItem, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	if err := q.dispatcher.Failed(fctx, item, cause); err != nil {
		q.logger.Warn().Err(err).Str("work_item_id", item.ID).Msg("Failure hook failed")
	}
}

// PollAndProcess claims up to batchSize pending items, oldest first, and
// runs each through the dispatcher. Overlapping calls return immediately
// with Skipped set. Handler failures are recorded on the item; only storage
// failures are returned.
func (q *Queue) PollAndProcess(ctx context.Context, batchSize int) (PollResult, error) {
	if !q.polling.CompareAndSwap(false, true) {
		metrics.PollsSkipped.Inc()
		return PollResult{Skipped: true}, nil
	}
	defer q.polling.Store(false)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollDuration)

	var res PollResult
	if batchSize <= 0 {
		batchSize = q.cfg.BatchSize
	}
	pending, err := q.store.ListPendingWorkItems(ctx, batchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list pending work items: %w", err)
	}

	for _, candidate := range pending {
		item, err := q.store.ClaimWorkItem(ctx, candidate.ID)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			// Cancelled or taken by another worker since listing
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to claim %s: %w", candidate.ID, err)
		}
		res.Claimed++

		status, err := q.process(ctx, item)
		if err != nil {
			return res, err
		}
		switch status {
		case types.WorkStatusCompleted:
			res.Completed++
		case types.WorkStatusPending:
			res.Retried++
		case types.WorkStatusError:
			res.Failed++
		}
	}
	return res, nil
}

// process runs one claimed item and records the outcome
func (q *Queue) process(ctx context.Context, item *types.WorkItem) (types.WorkStatus, error) {
	logger := log.WorkItemContext(q.logger, item.ID, string(item.Type), item.Attempts)

	hctx, cancel := context.WithTimeout(ctx, q.cfg.HandlerTimeout)
	timer := metrics.NewTimer()
	handlerErr := q.execute(hctx, item)
	timer.ObserveDurationVec(metrics.WorkItemDuration, string(item.Type))
	cancel()

	updated, err := q.store.UpdateWorkItem(ctx, item.ID, func(w *types.WorkItem) error {
		if w.Status != types.WorkStatusInProgress {
			return fmt.Errorf("work item %s is %s: %w", w.ID, w.Status, storage.ErrConflict)
		}
		w.UpdatedAt = time.Now().UTC()
		switch {
		case handlerErr == nil:
			w.Status = types.WorkStatusCompleted
			w.ErrorMessage = ""
		case dispatch.IsPermanent(handlerErr) || w.Attempts >= q.cfg.MaxRetries:
			w.Status = types.WorkStatusError
			w.ErrorMessage = handlerErr.Error()
		default:
			w.Status = types.WorkStatusPending
			w.ErrorMessage = handlerErr.Error()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to record result of %s: %w", item.ID, err)
	}

	switch updated.Status {
	case types.WorkStatusCompleted:
		metrics.WorkItemsProcessed.WithLabelValues(string(item.Type), "completed").Inc()
		q.publish(events.EventWorkCompleted, updated, "")
		logger.Info().Msg("Work item completed")
	case types.WorkStatusPending:
		metrics.WorkItemsProcessed.WithLabelValues(string(item.Type), "retry").Inc()
		q.publish(events.EventWorkRetrying, updated, updated.ErrorMessage)
		logger.Warn().Err(handlerErr).Int("max_retries", q.cfg.MaxRetries).Msg("Work item failed, will retry")
	case types.WorkStatusError:
		metrics.WorkItemsProcessed.WithLabelValues(string(item.Type), "error").Inc()
		q.publish(events.EventWorkFailed, updated, updated.ErrorMessage)
		logger.Error().Err(handlerErr).Bool("permanent", dispatch.IsPermanent(handlerErr)).Msg("Work item failed")
		q.fail(ctx, updated, handlerErr)
	}
	return updated.Status, nil
}

func (q *Queue) execute(ctx context.Context, item *types.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues(string(item.Type)).Inc()
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.dispatcher.Dispatch(ctx, item)
}

// Get returns a work item by id
func (q *Queue) Get(ctx context.Context, id string) (*types.WorkItem, error) {
	return q.store.GetWorkItem(ctx, id)
}

// Reset puts a terminally failed item back in the queue with a fresh retry
// budget. It returns false when the item is not in the Error state.
func (q *Queue) Reset(ctx context.Context, id string) (bool, error) {
	updated, err := q.store.UpdateWorkItem(ctx, id, func(w *types.WorkItem) error {
		if w.Status != types.WorkStatusError {
			return storage.ErrConflict
		}
		w.Status = types.WorkStatusPending
		w.Attempts = 0
		w.ErrorMessage = ""
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	q.publish(events.EventWorkReset, updated, "")
	q.logger.Info().Str("work_item_id", id).Msg("Work item reset for retry")
	return true, nil
}

// Cancel stops a pending item from ever being picked up. Items already
// claimed cannot be cancelled; it returns false for them.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	updated, err := q.store.UpdateWorkItem(ctx, id, func(w *types.WorkItem) error {
		if !w.Status.CanTransitionTo(types.WorkStatusCancelled) {
			return storage.ErrConflict
		}
		w.Status = types.WorkStatusCancelled
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	q.publish(events.EventWorkCancelled, updated, "")
	q.logger.Info().Str("work_item_id", id).Msg("Work item cancelled")
	return true, nil
}

// Status counts live work items by state
func (q *Queue) Status(ctx context.Context) (types.QueueStatus, error) {
	counts, err := q.store.CountWorkItems(ctx)
	if err != nil {
		return types.QueueStatus{}, fmt.Errorf("failed to count work items: %w", err)
	}
	return types.NewQueueStatus(counts), nil
}

// Archive moves terminal items not updated within olderThan out of the live set
func (q *Queue) Archive(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("archive age must not be negative, got %s", olderThan)
	}
	n, err := q.store.ArchiveWorkItems(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to archive work items: %w", err)
	}

	metrics.WorkItemsArchived.Add(float64(n))
	q.logger.Info().Int("archived", n).Dur("older_than", olderThan).Msg("Archived work items")
	return n, nil
}

func (q *Queue) publish(t events.EventType, item *types.WorkItem, message string) {
	q.events.Publish(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"work_item_id": item.ID,
			"type":         string(item.Type),
			"status":       string(item.Status),
			"attempts":     strconv.Itoa(item.Attempts),
		},
	})
}
