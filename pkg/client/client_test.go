package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/membersync/pkg/api"
	"github.com/cuemby/membersync/pkg/batch"
	"github.com/cuemby/membersync/pkg/dispatch"
	"github.com/cuemby/membersync/pkg/integrations"
	"github.com/cuemby/membersync/pkg/integrations/memory"
	"github.com/cuemby/membersync/pkg/queue"
	"github.com/cuemby/membersync/pkg/reconciler"
	"github.com/cuemby/membersync/pkg/service"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *queue.Queue) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider := memory.New()
	batches := batch.NewManager(store, nil)
	registry := dispatch.NewRegistry()
	require.NoError(t, batch.NewHandler(batches, provider).Register(registry))
	require.NoError(t, dispatch.RegisterIdentityHandlers(registry, provider))

	q := queue.New(store, registry, nil, queue.Config{HandlerTimeout: time.Second})
	rec := reconciler.New(
		reconciler.Catalog{Interests: []string{"go"}},
		integrations.StaticRoleConfig{
			reconciler.MembershipKey:     "r-member",
			reconciler.InterestKey("go"): "r-go",
		},
		batches, q,
	)

	ts := httptest.NewServer(api.NewServer(service.New(q, batches, rec), nil, api.Config{}).Handler())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	return c, q
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)

	c, err = NewClient("https://sync.example.org/")
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.org", c.baseURL)

	_, err = NewClient("http://")
	assert.Error(t, err)
}

func TestWorkItems(t *testing.T) {
	ctx := context.Background()
	c, q := newTestClient(t)

	id, err := c.EnqueueWork(ctx, types.WorkTypeGrantRole, json.RawMessage(`{"subjectId":"42","roleId":"r-x"}`))
	require.NoError(t, err)

	_, err = q.PollAndProcess(ctx, 10)
	require.NoError(t, err)

	item, err := c.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusCompleted, item.Status)
	assert.Equal(t, 1, item.Attempts)

	_, err = c.EnqueueWork(ctx, "send_fax", json.RawMessage(`{}`))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, api.CodeInvalidInput, apiErr.Code)

	_, err = c.GetWorkItem(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestTasks(t *testing.T) {
	ctx := context.Background()
	c, q := newTestClient(t)

	res, err := c.ReconcileMember(ctx, types.Member{ID: "m-1", ExternalID: "42", Interests: []string{"go"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-member", "r-go"}, res.ToGrant)

	tasks, err := c.ListTasks(ctx, types.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, res.TaskID, tasks[0].ID)

	status, err := c.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)

	_, err = q.PollAndProcess(ctx, 10)
	require.NoError(t, err)

	detail, err := c.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, detail.Status)
	assert.Len(t, detail.Subtasks, 2)

	retried, err := c.RetryTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.False(t, retried)

	cancelled, err := c.CancelTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	archived, err := c.Archive(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	_, err = c.GetTask(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestErrorWithoutBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	_, err = c.QueueStatus(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
}
