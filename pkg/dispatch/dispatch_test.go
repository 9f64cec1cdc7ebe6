package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cuemby/membersync/pkg/integrations/memory"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(t *testing.T, wt types.WorkType, payload any) *types.WorkItem {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &types.WorkItem{ID: "w-1", Type: wt, Payload: raw, Status: types.WorkStatusInProgress}
}

func TestRegisterDecodesPayload(t *testing.T) {
	r := NewRegistry()
	var got types.GrantRolePayload
	require.NoError(t, Register(r, func(_ context.Context, _ *types.WorkItem, p types.GrantRolePayload) error {
		got = p
		return nil
	}))

	err := r.Dispatch(context.Background(), item(t, types.WorkTypeGrantRole, types.GrantRolePayload{SubjectID: "42", RoleID: "grp-a"}))
	require.NoError(t, err)
	assert.Equal(t, "42", got.SubjectID)
	assert.Equal(t, "grp-a", got.RoleID)
	assert.True(t, r.Has(types.WorkTypeGrantRole))
}

func TestDispatchUnknownType(t *testing.T) {
	r := NewRegistry()
	err := r.Dispatch(context.Background(), item(t, types.WorkTypeCreateUser, map[string]string{}))

	assert.ErrorIs(t, err, ErrUnknownWorkType)
	assert.False(t, IsPermanent(err), "unknown types go through the normal retry policy")
}

func TestDispatchInvalidPayloadIsPermanent(t *testing.T) {
	r := NewRegistry()
	called := false
	require.NoError(t, Register(r, func(context.Context, *types.WorkItem, types.RevokeRolePayload) error {
		called = true
		return nil
	}))

	bad := &types.WorkItem{ID: "w-2", Type: types.WorkTypeRevokeRole, Payload: json.RawMessage(`{"subject":"42"}`)}
	err := r.Dispatch(context.Background(), bad)

	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.True(t, IsPermanent(err))
	assert.False(t, called)
}

func TestHandlerErrorIsNotPermanent(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("connection reset")
	require.NoError(t, Register(r, func(context.Context, *types.WorkItem, types.DeactivateUserPayload) error {
		return boom
	}))

	err := r.Dispatch(context.Background(), item(t, types.WorkTypeDeactivateUser, types.DeactivateUserPayload{SubjectID: "7"}))
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsPermanent(err))
}

func TestFailureHook(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	var got types.GrantRolePayload
	var gotCause error
	require.NoError(t, RegisterFailure(r, func(_ context.Context, _ *types.WorkItem, p types.GrantRolePayload, cause error) error {
		got, gotCause = p, cause
		return nil
	}))

	cause := errors.New("503 service unavailable")
	require.NoError(t, r.Failed(ctx, item(t, types.WorkTypeGrantRole, types.GrantRolePayload{SubjectID: "42", RoleID: "grp-a"}), cause))
	assert.Equal(t, "grp-a", got.RoleID)
	assert.Equal(t, cause, gotCause)

	// No hook for the type, and an undecodable payload, are both no-ops
	assert.NoError(t, r.Failed(ctx, item(t, types.WorkTypeRevokeRole, map[string]string{}), cause))
	assert.NoError(t, r.Failed(ctx, &types.WorkItem{Type: types.WorkTypeGrantRole, Payload: json.RawMessage(`{"bogus":1}`)}, cause))

	err := r.OnFailure(types.WorkTypeGrantRole, func(context.Context, *types.WorkItem, error) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicateHandler)
	assert.ErrorIs(t, r.OnFailure("send_email", func(context.Context, *types.WorkItem, error) error { return nil }), types.ErrInvalidWorkType)
}

func TestHandleRejects(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *types.WorkItem) error { return nil }

	assert.ErrorIs(t, r.Handle("send_email", noop), types.ErrInvalidWorkType)
	assert.Error(t, r.Handle(types.WorkTypeGrantRole, nil))

	require.NoError(t, r.Handle(types.WorkTypeGrantRole, noop))
	assert.ErrorIs(t, r.Handle(types.WorkTypeGrantRole, noop), ErrDuplicateHandler)
}

func TestRegisterIdentityHandlers(t *testing.T) {
	ctx := context.Background()
	provider := memory.New()
	r := NewRegistry()
	require.NoError(t, RegisterIdentityHandlers(r, provider))

	assert.Equal(t, []types.WorkType{
		types.WorkTypeCreateUser,
		types.WorkTypeDeactivateUser,
		types.WorkTypeGrantRole,
		types.WorkTypeRevokeRole,
	}, r.Types())

	require.NoError(t, r.Dispatch(ctx, item(t, types.WorkTypeGrantRole, types.GrantRolePayload{SubjectID: "42", RoleID: "grp-a"})))
	assert.True(t, provider.HasRole("42", "grp-a"))

	require.NoError(t, r.Dispatch(ctx, item(t, types.WorkTypeRevokeRole, types.RevokeRolePayload{SubjectID: "42", RoleID: "grp-a"})))
	assert.False(t, provider.HasRole("42", "grp-a"))

	create := types.CreateUserPayload{MemberID: "m-1", Username: "ada", Email: "ada@example.org"}
	require.NoError(t, r.Dispatch(ctx, item(t, types.WorkTypeCreateUser, create)))
	require.NoError(t, r.Dispatch(ctx, item(t, types.WorkTypeDeactivateUser, types.DeactivateUserPayload{SubjectID: "1"})))
	assert.False(t, provider.Active("1"))

	// Registering twice fails on the first duplicate
	assert.ErrorIs(t, RegisterIdentityHandlers(r, provider), ErrDuplicateHandler)
}
