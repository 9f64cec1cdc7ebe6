// Package memory is an in-process identity provider. It backs local
// development and tests, and counts effective changes so retries can be
// checked for duplicate side effects.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/membersync/pkg/integrations"
)

type failure struct {
	err       error
	remaining int // -1 fails forever
}

type account struct {
	user   integrations.User
	active bool
}

// Provider implements integrations.IdentityProvider in memory
type Provider struct {
	mu         sync.Mutex
	roles      map[string]map[string]bool
	users      map[string]*account
	byUsername map[string]string
	failures   map[string]*failure
	nextID     int
	calls      int
	effects    int
}

// New returns an empty provider
func New() *Provider {
	return &Provider{
		roles:      make(map[string]map[string]bool),
		users:      make(map[string]*account),
		byUsername: make(map[string]string),
		failures:   make(map[string]*failure),
	}
}

// FailOn makes every grant or revoke of roleID return err
func (p *Provider) FailOn(roleID string, err error) {
	p.FailTimes(roleID, -1, err)
}

// FailTimes makes the next n grants or revokes of roleID return err
func (p *Provider) FailTimes(roleID string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[roleID] = &failure{err: err, remaining: n}
}

func (p *Provider) GrantRole(_ context.Context, subjectID, roleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if err := p.injected(roleID); err != nil {
		return err
	}
	held := p.roles[subjectID]
	if held == nil {
		held = make(map[string]bool)
		p.roles[subjectID] = held
	}
	if !held[roleID] {
		held[roleID] = true
		p.effects++
	}
	return nil
}

func (p *Provider) RevokeRole(_ context.Context, subjectID, roleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if err := p.injected(roleID); err != nil {
		return err
	}
	if p.roles[subjectID][roleID] {
		delete(p.roles[subjectID], roleID)
		p.effects++
	}
	return nil
}

func (p *Provider) CreateUser(_ context.Context, user integrations.User) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if id, ok := p.byUsername[user.Username]; ok {
		return id, nil
	}
	p.nextID++
	id := strconv.Itoa(p.nextID)
	p.users[id] = &account{user: user, active: true}
	p.byUsername[user.Username] = id
	p.effects++
	return id, nil
}

func (p *Provider) DeactivateUser(_ context.Context, subjectID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	acct, ok := p.users[subjectID]
	if !ok {
		return fmt.Errorf("subject %s: %w", subjectID, integrations.ErrUserNotFound)
	}
	if acct.active {
		acct.active = false
		p.effects++
	}
	return nil
}

// HasRole reports whether subjectID currently holds roleID
func (p *Provider) HasRole(subjectID, roleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roles[subjectID][roleID]
}

// Roles returns the roles subjectID holds, sorted
func (p *Provider) Roles(subjectID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	roles := make([]string, 0, len(p.roles[subjectID]))
	for role := range p.roles[subjectID] {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// SetRoles replaces the roles held by subjectID
func (p *Provider) SetRoles(subjectID string, roles ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := make(map[string]bool, len(roles))
	for _, role := range roles {
		held[role] = true
	}
	p.roles[subjectID] = held
}

// Active reports whether the account exists and is active
func (p *Provider) Active(subjectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.users[subjectID]
	return ok && acct.active
}

// Calls is the number of provider calls made, including failed ones
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Effects is the number of calls that changed state
func (p *Provider) Effects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effects
}

func (p *Provider) injected(roleID string) error {
	f, ok := p.failures[roleID]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}
