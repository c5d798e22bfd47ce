// Package permissions owns delegation grants: the durable, TTL-bound
// records of what a delegate may execute on behalf of a user, and the
// quota accounting that keeps that authority bounded.
package permissions

import (
	"time"
)

// DelegationGrant represents bounded authority handed to the delegate
// signer for one user's smart account.
type DelegationGrant struct {
	UserAddress     string    `json:"user_address"`
	DelegateAddress string    `json:"delegate_address"`
	AllowedActions  []string  `json:"allowed_actions"`
	MaxOperations   int64     `json:"max_operations"`
	OperationsUsed  int64     `json:"operations_used"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// IsValid reports whether the grant still authorizes executions: it must
// be unexpired and have quota remaining. An exhausted or expired grant is
// permanently inert; a new grant replaces it.
func (g *DelegationGrant) IsValid(now time.Time) bool {
	return now.Before(g.ExpiresAt) && g.OperationsUsed < g.MaxOperations
}

// AllowsAction reports whether actionName is on the grant's whitelist.
func (g *DelegationGrant) AllowsAction(actionName string) bool {
	for _, allowed := range g.AllowedActions {
		if allowed == actionName {
			return true
		}
	}
	return false
}

// RemainingOperations returns how many executions the grant has left.
func (g *DelegationGrant) RemainingOperations() int64 {
	remaining := g.MaxOperations - g.OperationsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimeToLive returns the grant's remaining lifetime, zero once expired.
func (g *DelegationGrant) TimeToLive(now time.Time) time.Duration {
	ttl := g.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
