package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyphera/delegation-server/internal/kv"
	"github.com/cyphera/delegation-server/internal/logger"
	"go.uber.org/zap"
)

var (
	// ErrQuotaExceeded is returned by RecordUsage once the grant's
	// operation ceiling has been reached.
	ErrQuotaExceeded = errors.New("delegation grant quota exceeded")

	// ErrNoGrant is returned by RecordUsage when no live grant exists for
	// the user.
	ErrNoGrant = errors.New("no delegation grant for user")
)

// GrantConfig describes a new grant request.
type GrantConfig struct {
	DelegateAddress string
	AllowedActions  []string
	MaxOperations   int64
	Duration        time.Duration
}

// Store persists delegation grants in a TTL-capable key-value store. The
// backing TTL always equals the grant's remaining lifetime, so expired
// grants are reclaimed by the store itself without a sweeper.
//
// The usage counter lives under its own key (same TTL) so that quota
// enforcement is an atomic increment in the backing store rather than a
// read-modify-write in this process.
type Store struct {
	kv     kv.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a permission store over the given key-value backend.
func NewStore(backend kv.Store) *Store {
	return &Store{
		kv:     backend,
		logger: logger.Log,
		now:    time.Now,
	}
}

// SetClock overrides the store's clock for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func grantKey(userAddress string) string {
	return "delegation:grant:" + strings.ToLower(userAddress)
}

func usageKey(userAddress string) string {
	return "delegation:usage:" + strings.ToLower(userAddress)
}

// Grant creates (or replaces) the delegation grant for userAddress. The
// usage counter is reset alongside it.
func (s *Store) Grant(ctx context.Context, userAddress string, cfg GrantConfig) (*DelegationGrant, error) {
	now := s.now().UTC()
	grant := &DelegationGrant{
		UserAddress:     userAddress,
		DelegateAddress: cfg.DelegateAddress,
		AllowedActions:  cfg.AllowedActions,
		MaxOperations:   cfg.MaxOperations,
		OperationsUsed:  0,
		CreatedAt:       now,
		ExpiresAt:       now.Add(cfg.Duration),
	}

	payload, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize grant: %w", err)
	}

	ttl := cfg.Duration
	if err := s.kv.SetWithTTL(ctx, grantKey(userAddress), string(payload), ttl); err != nil {
		return nil, fmt.Errorf("failed to store grant: %w", err)
	}
	if err := s.kv.SetWithTTL(ctx, usageKey(userAddress), "0", ttl); err != nil {
		return nil, fmt.Errorf("failed to store usage counter: %w", err)
	}

	s.logger.Info("Created delegation grant",
		zap.String("user_address", userAddress),
		zap.String("delegate_address", cfg.DelegateAddress),
		zap.Strings("allowed_actions", cfg.AllowedActions),
		zap.Int64("max_operations", cfg.MaxOperations),
		zap.Time("expires_at", grant.ExpiresAt),
	)

	return grant, nil
}

// Get returns the grant for userAddress, or nil when none exists or the
// backing record's TTL has elapsed. A missing grant is not an error.
func (s *Store) Get(ctx context.Context, userAddress string) (*DelegationGrant, error) {
	payload, err := s.kv.Get(ctx, grantKey(userAddress))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}

	var grant DelegationGrant
	if err := json.Unmarshal([]byte(payload), &grant); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}

	// The counter is authoritative for usage; the serialized grant only
	// records the value at creation time.
	used, err := s.kv.Get(ctx, usageKey(userAddress))
	if err == nil {
		var parsed int64
		if _, scanErr := fmt.Sscan(used, &parsed); scanErr == nil {
			if parsed > grant.MaxOperations {
				parsed = grant.MaxOperations
			}
			grant.OperationsUsed = parsed
		}
	}

	return &grant, nil
}

// RecordUsage atomically consumes one unit of quota for userAddress. It
// returns ErrQuotaExceeded when the ceiling has been reached and ErrNoGrant
// when no live grant exists. The counter never decreases; concurrent calls
// can never jointly exceed MaxOperations.
func (s *Store) RecordUsage(ctx context.Context, userAddress string) error {
	grant, err := s.Get(ctx, userAddress)
	if err != nil {
		return err
	}
	if grant == nil {
		return ErrNoGrant
	}

	used, err := s.kv.Incr(ctx, usageKey(userAddress))
	if errors.Is(err, kv.ErrNotFound) {
		// Counter expired between Get and Incr; the grant is gone too.
		return ErrNoGrant
	}
	if err != nil {
		return fmt.Errorf("failed to increment usage counter: %w", err)
	}

	if used > grant.MaxOperations {
		return ErrQuotaExceeded
	}

	s.logger.Info("Recorded delegation usage",
		zap.String("user_address", userAddress),
		zap.Int64("operations_used", used),
		zap.Int64("max_operations", grant.MaxOperations),
	)

	return nil
}

// Revoke deletes the grant and its usage counter ahead of expiry.
func (s *Store) Revoke(ctx context.Context, userAddress string) error {
	if err := s.kv.Del(ctx, grantKey(userAddress), usageKey(userAddress)); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	s.logger.Info("Revoked delegation grant",
		zap.String("user_address", userAddress),
	)
	return nil
}
