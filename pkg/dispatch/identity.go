package dispatch

import (
	"context"
	"fmt"

	"github.com/cuemby/membersync/pkg/integrations"
	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/types"
)

// RegisterIdentityHandlers wires the single-call identity provider work types
func RegisterIdentityHandlers(r *Registry, provider integrations.IdentityProvider) error {
	handlers := []func() error{
		func() error {
			return Register(r, func(ctx context.Context, _ *types.WorkItem, p types.GrantRolePayload) error {
				return provider.GrantRole(ctx, p.SubjectID, p.RoleID)
			})
		},
		func() error {
			return Register(r, func(ctx context.Context, _ *types.WorkItem, p types.RevokeRolePayload) error {
				return provider.RevokeRole(ctx, p.SubjectID, p.RoleID)
			})
		},
		func() error {
			return Register(r, func(ctx context.Context, item *types.WorkItem, p types.CreateUserPayload) error {
				id, err := provider.CreateUser(ctx, integrations.User{
					Username: p.Username,
					Name:     p.Name,
					Email:    p.Email,
				})
				if err != nil {
					return err
				}
				logger := log.WithWorkItemID(item.ID)
				logger.Info().
					Str("member_id", p.MemberID).
					Str("subject_id", id).
					Msg("Identity provider account ready")
				return nil
			})
		},
		func() error {
			return Register(r, func(ctx context.Context, _ *types.WorkItem, p types.DeactivateUserPayload) error {
				return provider.DeactivateUser(ctx, p.SubjectID)
			})
		},
	}

	for _, register := range handlers {
		if err := register(); err != nil {
			return fmt.Errorf("failed to register identity handlers: %w", err)
		}
	}
	return nil
}
