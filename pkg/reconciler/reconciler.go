package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/membersync/pkg/batch"
	"github.com/cuemby/membersync/pkg/integrations"
	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/metrics"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/rs/zerolog"
)

// MembershipKey is the role config key of the role every linked member holds
const MembershipKey = "membership"

// Reasons a reconciliation produces no batch
const (
	SkipUnlinked = "unlinked"
	SkipNoRoles  = "no_roles"
)

// AffiliationKey returns the role config key for an affiliation tier
func AffiliationKey(tier string) string {
	return "affiliation." + tier
}

// InterestKey returns the role config key for an interest tag
func InterestKey(tag string) string {
	return "interest." + tag
}

// Catalog lists every affiliation tier and interest tag a member can have.
// Together with the membership role it bounds the roles the reconciler may
// revoke.
type Catalog struct {
	Affiliations []string `yaml:"affiliations" json:"affiliations"`
	Interests    []string `yaml:"interests" json:"interests"`
}

func (c Catalog) hasAffiliation(tier string) bool {
	for _, a := range c.Affiliations {
		if a == tier {
			return true
		}
	}
	return false
}

func (c Catalog) hasInterest(tag string) bool {
	for _, i := range c.Interests {
		if i == tag {
			return true
		}
	}
	return false
}

// Enqueuer stores a work item for a payload
type Enqueuer interface {
	Enqueue(ctx context.Context, payload types.Payload) (string, error)
}

// Result describes what one reconciliation queued
type Result struct {
	TaskID     string   `json:"taskId,omitempty"`
	WorkItemID string   `json:"workItemId,omitempty"`
	ToGrant    []string `json:"toGrant"`
	ToRevoke   []string `json:"toRevoke"`
	Skipped    bool     `json:"skipped"`
	Reason     string   `json:"reason,omitempty"`
}

// Reconciler turns a member's attributes into a batch of role operations
type Reconciler struct {
	catalog Catalog
	roles   integrations.RoleConfigLookup
	batches *batch.Manager
	queue   Enqueuer
	logger  zerolog.Logger
}

// New creates a reconciler
func New(catalog Catalog, roles integrations.RoleConfigLookup, batches *batch.Manager, queue Enqueuer) *Reconciler {
	return &Reconciler{
		catalog: catalog,
		roles:   roles,
		batches: batches,
		queue:   queue,
		logger:  log.WithComponent("reconciler"),
	}
}

// Universe returns every configured external role the reconciler manages:
// the membership role, one per affiliation tier and one per interest tag.
// Keys without a configured role are left out.
func (r *Reconciler) Universe() []string {
	keys := make([]string, 0, 1+len(r.catalog.Affiliations)+len(r.catalog.Interests))
	keys = append(keys, MembershipKey)
	for _, tier := range r.catalog.Affiliations {
		keys = append(keys, AffiliationKey(tier))
	}
	for _, tag := range r.catalog.Interests {
		keys = append(keys, InterestKey(tag))
	}
	return r.resolve(keys)
}

// Target returns the roles member should hold. Tiers and tags missing from
// the catalog or the role config are skipped.
func (r *Reconciler) Target(member types.Member) []string {
	keys := []string{MembershipKey}
	if member.Affiliation != "" && r.catalog.hasAffiliation(member.Affiliation) {
		keys = append(keys, AffiliationKey(member.Affiliation))
	}
	for _, tag := range member.Interests {
		if r.catalog.hasInterest(tag) {
			keys = append(keys, InterestKey(tag))
		}
	}
	return r.resolve(keys)
}

// resolve maps keys to role ids, dropping unconfigured keys and duplicates
func (r *Reconciler) resolve(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, ok := r.roles.Get(key)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Diff computes the operations that move any current state to target. Every
// target role inside the universe is granted, since the provider's current
// state is not trusted. Universe roles outside the target are revoked. Roles
// outside the universe are never touched.
func Diff(universe, target []string) (toGrant, toRevoke []string) {
	inUniverse := make(map[string]bool, len(universe))
	for _, role := range universe {
		inUniverse[role] = true
	}
	inTarget := make(map[string]bool, len(target))
	for _, role := range target {
		if inUniverse[role] && !inTarget[role] {
			inTarget[role] = true
			toGrant = append(toGrant, role)
		}
	}
	for _, role := range universe {
		if !inTarget[role] {
			toRevoke = append(toRevoke, role)
		}
	}
	return toGrant, toRevoke
}

// Plan returns the grants and revokes for member without queueing anything
func (r *Reconciler) Plan(member types.Member) (toGrant, toRevoke []string) {
	return Diff(r.Universe(), r.Target(member))
}

// Reconcile queues one batch that brings the member's external roles in
// line with their attributes. Members without an external identity are
// skipped without error.
func (r *Reconciler) Reconcile(ctx context.Context, member types.Member) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	logger := log.WithMemberID(member.ID)
	if !member.Linked() {
		metrics.ReconciliationsSkipped.WithLabelValues(SkipUnlinked).Inc()
		logger.Debug().Msg("Member has no external identity, skipping role reconciliation")
		return Result{Skipped: true, Reason: SkipUnlinked}, nil
	}

	toGrant, toRevoke := r.Plan(member)
	res := Result{ToGrant: toGrant, ToRevoke: toRevoke}
	if len(toGrant)+len(toRevoke) == 0 {
		metrics.ReconciliationsSkipped.WithLabelValues(SkipNoRoles).Inc()
		logger.Warn().Msg("No roles configured, skipping role reconciliation")
		res.Skipped = true
		res.Reason = SkipNoRoles
		return res, nil
	}

	payload := types.BatchRoleUpdatePayload{
		SubjectID: member.ExternalID,
		ToGrant:   toGrant,
		ToRevoke:  toRevoke,
	}
	subject := batch.Subject{EntityType: "user", EntityID: member.ExternalID}
	taskID, err := r.batches.CreateBatch(ctx, subject, payload.Operations(), describe(member))
	if err != nil {
		return res, fmt.Errorf("failed to create role batch for member %s: %w", member.ID, err)
	}
	res.TaskID = taskID
	payload.BatchTaskID = taskID

	workItemID, err := r.queue.Enqueue(ctx, payload)
	if err != nil {
		if abandonErr := r.batches.Abandon(ctx, taskID, err); abandonErr != nil {
			logger.Error().Err(abandonErr).Str("task_id", taskID).Msg("Failed to abandon role batch")
		}
		return res, fmt.Errorf("failed to enqueue role batch %s: %w", taskID, err)
	}
	res.WorkItemID = workItemID

	if err := r.batches.AttachWorkItem(ctx, taskID, workItemID); err != nil {
		// The item runs regardless; only the retry and cancel shortcuts lose it
		logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to link work item to role batch")
	}

	metrics.ReconciliationOperations.WithLabelValues(string(types.RoleActionGrant)).Add(float64(len(toGrant)))
	metrics.ReconciliationOperations.WithLabelValues(string(types.RoleActionRevoke)).Add(float64(len(toRevoke)))
	logger.Info().
		Str("task_id", taskID).
		Str("work_item_id", workItemID).
		Int("grants", len(toGrant)).
		Int("revokes", len(toRevoke)).
		Msg("Role reconciliation queued")
	return res, nil
}

func describe(member types.Member) string {
	interests := append([]string(nil), member.Interests...)
	sort.Strings(interests)
	affiliation := member.Affiliation
	if affiliation == "" {
		affiliation = "none"
	}
	return fmt.Sprintf("Sync roles for member %s (affiliation %s, interests [%s])",
		member.ID, affiliation, strings.Join(interests, ", "))
}
