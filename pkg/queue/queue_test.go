package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/membersync/pkg/dispatch"
	"github.com/cuemby/membersync/pkg/events"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestQueue(t *testing.T, r *dispatch.Registry) (*Queue, *storage.BoltStore) {
	t.Helper()
	store := newTestStore(t)
	q := New(store, r, nil, Config{PollInterval: 10 * time.Millisecond, BatchSize: 10, MaxRetries: 3, HandlerTimeout: time.Second})
	return q, store
}

func grant(role string) types.GrantRolePayload {
	return types.GrantRolePayload{SubjectID: "42", RoleID: role}
}

// countingHandler fails the first failures calls and succeeds afterwards;
// a negative count fails forever
type countingHandler struct {
	calls    atomic.Int32
	failures int32
}

func (h *countingHandler) handle(context.Context, *types.WorkItem) error {
	n := h.calls.Add(1)
	if h.failures < 0 || n <= h.failures {
		return errors.New("503 service unavailable")
	}
	return nil
}

func pollN(t *testing.T, q *Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.PollAndProcess(context.Background(), 10)
		require.NoError(t, err)
	}
}

func TestRetryBound(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{failures: -1}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	q, _ := newTestQueue(t, r)

	id, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	pollN(t, q, 6)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusError, item.Status)
	assert.Equal(t, DefaultMaxRetries, item.Attempts)
	assert.Equal(t, int32(DefaultMaxRetries), h.calls.Load())
	assert.Contains(t, item.ErrorMessage, "503")
}

func TestSuccessAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{failures: 1}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	q, _ := newTestQueue(t, r)

	id, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	res, err := q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, PollResult{Claimed: 1, Retried: 1}, res)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	res, err = q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, PollResult{Claimed: 1, Completed: 1}, res)

	item, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusCompleted, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.Empty(t, item.ErrorMessage)
}

func TestUnknownTypeUsesRetryBudget(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, dispatch.NewRegistry())

	id, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, grant("grp-b"))
	require.NoError(t, err)

	res, err := q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed, "one bad item does not abort the batch")

	pollN(t, q, 2)

	for _, wid := range []string{id, other} {
		item, err := q.Get(ctx, wid)
		require.NoError(t, err)
		assert.Equal(t, types.WorkStatusError, item.Status)
		assert.Equal(t, 3, item.Attempts)
		assert.Contains(t, item.ErrorMessage, "unknown work type")
	}
}

func TestUndecodablePayloadFailsImmediately(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{}
	r := dispatch.NewRegistry()
	require.NoError(t, dispatch.Register(r, func(ctx context.Context, item *types.WorkItem, _ types.GrantRolePayload) error {
		return h.handle(ctx, item)
	}))
	q, store := newTestQueue(t, r)

	// Written straight to the store, bypassing enqueue validation
	bad := &types.WorkItem{
		ID:      "bad-payload",
		Type:    types.WorkTypeGrantRole,
		Payload: json.RawMessage(`{"subjectId":"42","toGrant":["a"]}`),
		Status:  types.WorkStatusPending,
	}
	require.NoError(t, store.CreateWorkItem(ctx, bad))

	res, err := q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	item, err := q.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusError, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestHandlerPanicIsRecorded(t *testing.T) {
	ctx := context.Background()
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, func(context.Context, *types.WorkItem) error {
		panic("nil map")
	}))
	q, _ := newTestQueue(t, r)

	id, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	_, err = q.PollAndProcess(ctx, 10)
	require.NoError(t, err)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, item.Status)
	assert.Contains(t, item.ErrorMessage, "handler panic: nil map")
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	var (
		mu   sync.Mutex
		seen []string
	)
	r := dispatch.NewRegistry()
	require.NoError(t, dispatch.Register(r, func(_ context.Context, _ *types.WorkItem, p types.GrantRolePayload) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p.RoleID)
		return nil
	}))
	q, _ := newTestQueue(t, r)

	for _, role := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(ctx, grant(role))
		require.NoError(t, err)
	}

	res, err := q.PollAndProcess(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, []string{"first", "second"}, seen)

	_, err = q.PollAndProcess(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestOverlappingPollIsSkipped(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, func(context.Context, *types.WorkItem) error {
		close(entered)
		<-release
		return nil
	}))
	q, _ := newTestQueue(t, r)

	_, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	done := make(chan PollResult)
	go func() {
		res, _ := q.PollAndProcess(ctx, 10)
		done <- res
	}()
	<-entered

	res, err := q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Claimed)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Completed)

	res, err = q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	q, _ := newTestQueue(t, r)

	cancelled, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)
	done, err := q.Enqueue(ctx, grant("grp-b"))
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, cancelled)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Cancel(ctx, cancelled)
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")

	pollN(t, q, 1)
	assert.Equal(t, int32(1), h.calls.Load(), "cancelled item is never picked up")

	ok, err = q.Cancel(ctx, done)
	require.NoError(t, err)
	assert.False(t, ok, "completed items cannot be cancelled")

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{failures: 3}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	q, _ := newTestQueue(t, r)

	id, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	ok, err := q.Reset(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "pending items are not reset")

	pollN(t, q, 3)
	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.WorkStatusError, item.Status)

	ok, err = q.Reset(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	item, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)

	pollN(t, q, 1)
	item, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusCompleted, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestStatusAndArchive(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	q, _ := newTestQueue(t, r)

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, grant("grp-a"))
		require.NoError(t, err)
	}
	pollN(t, q, 1)
	pending, err := q.Enqueue(ctx, grant("grp-b"))
	require.NoError(t, err)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatus{Pending: 1, Completed: 2}, status)

	n, err := q.Archive(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatus{Pending: 1}, status)

	_, err = q.Get(ctx, pending)
	assert.NoError(t, err)

	_, err = q.Archive(ctx, -time.Hour)
	assert.Error(t, err)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, dispatch.NewRegistry())

	_, err := q.Enqueue(ctx, types.GrantRolePayload{SubjectID: "42"})
	assert.ErrorIs(t, err, types.ErrInvalidPayload)

	_, err = q.EnqueueRaw(ctx, "send_email", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, types.ErrInvalidWorkType)

	_, err = q.EnqueueRaw(ctx, types.WorkTypeRevokeRole, json.RawMessage(`{"subjectId":"42"}`))
	assert.ErrorIs(t, err, types.ErrInvalidPayload)

	id, err := q.EnqueueRaw(ctx, types.WorkTypeRevokeRole, json.RawMessage(`{"subjectId":"42","roleId":"grp-a"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

// conflictStore loses every claim, as if another worker got there first
type conflictStore struct {
	*storage.BoltStore
}

func (conflictStore) ClaimWorkItem(_ context.Context, id string) (*types.WorkItem, error) {
	return nil, storage.ErrConflict
}

func TestLostClaimIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	store := conflictStore{newTestStore(t)}
	q := New(store, r, nil, Config{})

	_, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	res, err := q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	q := New(newTestStore(t), r, broker, Config{PollInterval: 10 * time.Millisecond})
	q.Start()

	id, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		item, err := q.Get(ctx, id)
		return err == nil && item.Status == types.WorkStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()
	q.Stop()

	var seen []events.EventType
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub:
			if ev.Metadata["work_item_id"] == id {
				seen = append(seen, ev.Type)
			}
		case <-timeout:
			t.Fatalf("missing events, got %v", seen)
		}
	}
	assert.Equal(t, []events.EventType{events.EventWorkEnqueued, events.EventWorkCompleted}, seen)
}

// failureRecorder is a failure hook that remembers what it was called with
type failureRecorder struct {
	mu     sync.Mutex
	causes []string
	ctxErr []error
}

func (f *failureRecorder) hook(ctx context.Context, _ *types.WorkItem, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.causes = append(f.causes, cause.Error())
	f.ctxErr = append(f.ctxErr, ctx.Err())
	return nil
}

func (f *failureRecorder) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.causes...)
}

func TestFailureHookRunsOnceOnError(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{failures: -1}
	failures := &failureRecorder{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	require.NoError(t, r.OnFailure(types.WorkTypeGrantRole, failures.hook))
	q, _ := newTestQueue(t, r)

	_, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)

	pollN(t, q, DefaultMaxRetries-1)
	assert.Empty(t, failures.calls(), "retries do not run the hook")

	pollN(t, q, 2)
	calls := failures.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "503")
	assert.NoError(t, failures.ctxErr[0])
}

// claimAndAbandon claims id the way a worker would and backdates the claim,
// as if that worker died an hour ago
func claimAndAbandon(t *testing.T, store *storage.BoltStore, id string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.ClaimWorkItem(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.WorkStatusInProgress, claimed.Status)

	_, err = store.UpdateWorkItem(ctx, id, func(w *types.WorkItem) error {
		w.UpdatedAt = time.Now().UTC().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)
}

func TestRecoverAbandonedClaim(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	q, store := newTestQueue(t, r)

	abandoned, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)
	fresh, err := q.Enqueue(ctx, grant("grp-b"))
	require.NoError(t, err)
	claimAndAbandon(t, store, abandoned)
	_, err = store.ClaimWorkItem(ctx, fresh)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := q.Get(ctx, abandoned)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts, "attempts are kept")
	assert.Contains(t, item.ErrorMessage, "abandoned in progress")

	item, err = q.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusInProgress, item.Status, "a claim within the handler timeout is left alone")

	res, err := q.PollAndProcess(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, PollResult{Claimed: 1, Completed: 1}, res)

	item, err = q.Get(ctx, abandoned)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusCompleted, item.Status)
	assert.Equal(t, 2, item.Attempts)
}

func TestRecoverOutOfRetries(t *testing.T) {
	ctx := context.Background()
	failures := &failureRecorder{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, (&countingHandler{}).handle))
	require.NoError(t, r.OnFailure(types.WorkTypeGrantRole, failures.hook))
	store := newTestStore(t)
	q := New(store, r, nil, Config{MaxRetries: 1, HandlerTimeout: time.Second})

	id, err := q.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)
	claimAndAbandon(t, store, id)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusError, item.Status)
	assert.Equal(t, 1, item.Attempts)

	calls := failures.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "abandoned in progress")

	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartRecoversAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := Config{PollInterval: 10 * time.Millisecond, HandlerTimeout: time.Second}

	// The first process claims the item and dies before recording a result
	before := New(store, dispatch.NewRegistry(), nil, cfg)
	id, err := before.Enqueue(ctx, grant("grp-a"))
	require.NoError(t, err)
	claimAndAbandon(t, store, id)

	h := &countingHandler{}
	r := dispatch.NewRegistry()
	require.NoError(t, r.Handle(types.WorkTypeGrantRole, h.handle))
	after := New(store, r, nil, cfg)
	after.Start()
	defer after.Stop()

	require.Eventually(t, func() bool {
		item, err := after.Get(ctx, id)
		return err == nil && item.Status == types.WorkStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	item, err := after.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, int32(1), h.calls.Load())
}
