// Package account implements the account and account-type store:
// registration-key issuance and redemption, permission checks, bans,
// expiries, moderator messages, and the delete-all-content sweep.
package account

import (
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/bandwidth"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Target is what a permission applies to: a repository content kind, or one
// of the administrative domains.
type Target string

const (
	TargetFiles       Target = Target(types.ContentFiles)
	TargetMappings    Target = Target(types.ContentMappings)
	TargetTagParents  Target = Target(types.ContentTagParents)
	TargetTagSiblings Target = Target(types.ContentTagSiblings)
	TargetAccounts    Target = "accounts"
	TargetServices    Target = "services"
	TargetOptions     Target = "options"
)

// actionRank orders permission actions so a stronger grant implies the
// weaker ones.
func actionRank(a types.PermissionAction) int {
	switch a {
	case types.ActionPetition:
		return 1
	case types.ActionCreate:
		return 2
	case types.ActionModerate:
		return 3
	default:
		return 0
	}
}

// AccountType carries a title, a permission map, bandwidth rules, and an
// auto-creation velocity with its own usage history.
type AccountType struct {
	ID               int64
	ServiceID        int64
	Title            string
	Permissions      map[Target]types.PermissionAction
	BandwidthRules   *bandwidth.Rules
	AutoCreateCount  int64
	AutoCreatePeriod time.Duration
	IsNullType       bool

	// AutoCreateLimiter tracks recent auto-created accounts against the
	// velocity; in-memory, rebuilt empty at boot.
	AutoCreateLimiter *bandwidth.Tracker
}

// CanAutoCreate reports whether the velocity admits another auto-created
// account at now.
func (at *AccountType) CanAutoCreate(now time.Time) bool {
	if at.AutoCreateCount <= 0 {
		return false
	}
	rules := &bandwidth.Rules{Rules: []bandwidth.Rule{{
		Kind:   bandwidth.KindRequests,
		Window: int64(at.AutoCreatePeriod / time.Second),
		Limit:  at.AutoCreateCount,
	}}}
	return rules.CanStartRequest(at.AutoCreateLimiter, now)
}

// Account is one account record with its type attached.
type Account struct {
	ID            int64
	Key           types.Key
	ServiceID     int64
	Type          *AccountType
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Ban           *types.BanInfo
	Message       string
	PetitionScore int64
	Bandwidth     *bandwidth.Tracker
}

// IsBanned reports whether a ban is in force at now.
func (a *Account) IsBanned(now time.Time) bool {
	return a.Ban != nil && !a.Ban.Expired(now)
}

// IsExpired reports whether the account has lapsed at now.
func (a *Account) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// IsAdmin reports whether the account type carries moderate on the services
// domain, the grant that passes every permission check.
func (a *Account) IsAdmin() bool {
	return actionRank(a.Type.Permissions[TargetServices]) >= actionRank(types.ActionModerate)
}

// MayPerform checks the account may take action on target at now. Banned
// and expired accounts fail with unauthorized; admins pass every other
// check; anyone else needs a grant of at least the requested strength.
func (a *Account) MayPerform(target Target, action types.PermissionAction, now time.Time) error {
	if a.IsBanned(now) {
		return herr.Newf(herr.Unauthorized, "account is banned: %s", a.Ban.Reason)
	}
	if a.IsExpired(now) {
		return herr.New(herr.Unauthorized, "account has expired")
	}
	if a.IsAdmin() {
		return nil
	}
	if actionRank(a.Type.Permissions[target]) >= actionRank(action) {
		return nil
	}
	return herr.Newf(herr.Forbidden, "account may not %s %s", action, target)
}

// CheckBandwidth gates a new request against the account type's rules,
// recording the decision for the named service.
func (a *Account) CheckBandwidth(service string, now time.Time) error {
	ok := a.Type.BandwidthRules.CanStartRequest(a.Bandwidth, now)
	bandwidth.RecordDecision(service, ok)
	if !ok {
		return herr.New(herr.BandwidthExceeded, "bandwidth rules reject the request")
	}
	return nil
}
