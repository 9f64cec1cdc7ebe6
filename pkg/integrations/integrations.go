package integrations

import (
	"context"
	"errors"

	"github.com/cuemby/membersync/pkg/metrics"
)

// ErrUserNotFound is returned when a subject has no account in the provider
var ErrUserNotFound = errors.New("user not found")

// RoleGranter grants and revokes external roles. Both calls must be safe to
// repeat: granting a held role or revoking a missing one succeeds.
type RoleGranter interface {
	GrantRole(ctx context.Context, subjectID, roleID string) error
	RevokeRole(ctx context.Context, subjectID, roleID string) error
}

// User is the account shape sent to an identity provider
type User struct {
	Username string
	Name     string
	Email    string
}

// IdentityProvider is the external identity system members are mirrored into
type IdentityProvider interface {
	RoleGranter

	// CreateUser provisions an account and returns its subject id. If the
	// username already exists the existing subject id is returned.
	CreateUser(ctx context.Context, user User) (string, error)
	DeactivateUser(ctx context.Context, subjectID string) error
}

// RoleConfigLookup resolves logical role keys such as "membership" or
// "interest.rust" to external role ids
type RoleConfigLookup interface {
	Get(key string) (string, bool)
}

// StaticRoleConfig is a RoleConfigLookup backed by a fixed map, usually the
// roles section of the config file
type StaticRoleConfig map[string]string

// Get returns the role id for key. Keys mapped to an empty id are absent.
func (c StaticRoleConfig) Get(key string) (string, bool) {
	id, ok := c[key]
	return id, ok && id != ""
}

// Instrumented wraps an IdentityProvider with request metrics
type Instrumented struct {
	next IdentityProvider
}

// NewInstrumented returns provider wrapped with request metrics
func NewInstrumented(provider IdentityProvider) *Instrumented {
	return &Instrumented{next: provider}
}

func (i *Instrumented) GrantRole(ctx context.Context, subjectID, roleID string) error {
	return observe("grant_role", func() error { return i.next.GrantRole(ctx, subjectID, roleID) })
}

func (i *Instrumented) RevokeRole(ctx context.Context, subjectID, roleID string) error {
	return observe("revoke_role", func() error { return i.next.RevokeRole(ctx, subjectID, roleID) })
}

func (i *Instrumented) CreateUser(ctx context.Context, user User) (string, error) {
	var id string
	err := observe("create_user", func() error {
		var err error
		id, err = i.next.CreateUser(ctx, user)
		return err
	})
	return id, err
}

func (i *Instrumented) DeactivateUser(ctx context.Context, subjectID string) error {
	return observe("deactivate_user", func() error { return i.next.DeactivateUser(ctx, subjectID) })
}

func observe(operation string, call func() error) error {
	timer := metrics.NewTimer()
	err := call()
	timer.ObserveDurationVec(metrics.IdentityRequestDuration, operation)

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.IdentityRequests.WithLabelValues(operation, result).Inc()
	return err
}
