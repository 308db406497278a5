// Package usecase contains the control-plane services: credential pool,
// proxy forwarder, crawl engine, scheduler loop and the task service the
// HTTP surface is a thin adapter over.
package usecase

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/domain"
)

// KeyPoolService selects and accounts upstream credentials. Selection is
// uniform random among eligible keys: it spreads load and avoids starvation
// patterns tied to monotonic counters.
type KeyPoolService struct {
	creds     domain.CredentialRepository
	clk       domain.Clock
	resetHour int

	// pick chooses an index in [0,n); injectable for deterministic tests.
	pick func(n int) int
}

// NewKeyPoolService constructs the pool. resetHour is the local wall-clock
// hour at which daily counters zero out.
func NewKeyPoolService(creds domain.CredentialRepository, clk domain.Clock, resetHour int) *KeyPoolService {
	return &KeyPoolService{
		creds:     creds,
		clk:       clk,
		resetHour: resetHour,
		pick:      rand.Intn,
	}
}

// resetBoundary computes the effective daily-reset boundary: today at the
// reset hour when that instant has passed, otherwise the same instant a day
// earlier. Credentials whose last_reset predates the boundary are stale.
func (s *KeyPoolService) resetBoundary(now time.Time) time.Time {
	r := time.Date(now.Year(), now.Month(), now.Day(), s.resetHour, 0, 0, 0, now.Location())
	if now.Before(r) {
		r = r.Add(-24 * time.Hour)
	}
	return r
}

// Acquire resets stale counters, then picks uniformly at random among active
// credentials with headroom for kind. domain.ErrNoCredential when none.
func (s *KeyPoolService) Acquire(ctx domain.Context, kind domain.SearchKind) (domain.Credential, error) {
	if !kind.Valid() {
		return domain.Credential{}, fmt.Errorf("op=keypool.acquire: %w: kind %q", domain.ErrInvalidArgument, kind)
	}
	now := s.clk.Now()
	reset, err := s.creds.ResetStaleCounters(ctx, s.resetBoundary(now), now)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=keypool.acquire: %w", err)
	}
	if reset > 0 {
		slog.Info("credential counters reset", slog.Int("credentials", reset))
	}

	eligible, err := s.creds.ListEligible(ctx, kind)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=keypool.acquire: %w", err)
	}
	if len(eligible) == 0 {
		observability.AcquireMiss(string(kind))
		return domain.Credential{}, fmt.Errorf("op=keypool.acquire: %w", domain.ErrNoCredential)
	}
	c := eligible[s.pick(len(eligible))]
	observability.AcquireHit(string(kind))
	return c, nil
}

// IncrementUsage adds one to used[kind]; false on unknown kind or storage
// failure. The forwarder only logs the failure, the upstream call already
// happened.
func (s *KeyPoolService) IncrementUsage(ctx domain.Context, id int64, kind domain.SearchKind) bool {
	if !kind.Valid() {
		return false
	}
	if err := s.creds.IncrementUsage(ctx, id, kind); err != nil {
		slog.Error("credential usage increment failed",
			slog.Int64("credential_id", id),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return false
	}
	return true
}

// MarkDailyExhausted pins the counter at the limit so the credential stays
// ineligible for kind until the next reset.
func (s *KeyPoolService) MarkDailyExhausted(ctx domain.Context, id int64, kind domain.SearchKind) {
	if err := s.creds.ForceExhaust(ctx, id, kind); err != nil {
		slog.Error("credential exhaust mark failed",
			slog.Int64("credential_id", id),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return
	}
	slog.Warn("credential daily quota exhausted",
		slog.Int64("credential_id", id),
		slog.String("kind", string(kind)))
}

// Disable permanently quarantines the credential, recording reason in its
// description. Sticky.
func (s *KeyPoolService) Disable(ctx domain.Context, id int64, reason string) {
	if err := s.creds.Disable(ctx, id, reason); err != nil {
		slog.Error("credential disable failed",
			slog.Int64("credential_id", id),
			slog.Any("error", err))
		return
	}
	slog.Warn("credential disabled", slog.Int64("credential_id", id), slog.String("reason", reason))
}

// UpdateLimits overrides the per-kind daily caps.
func (s *KeyPoolService) UpdateLimits(ctx domain.Context, id int64, limits domain.CredentialLimits) error {
	_, err := s.creds.Update(ctx, id, domain.CredentialUpdate{Limits: &limits})
	if err != nil {
		return fmt.Errorf("op=keypool.update_limits: %w", err)
	}
	return nil
}

// GetUsage returns the per-kind usage snapshot for a credential.
func (s *KeyPoolService) GetUsage(ctx domain.Context, id int64) (domain.CredentialUsage, error) {
	c, err := s.creds.Get(ctx, id)
	if err != nil {
		return domain.CredentialUsage{}, fmt.Errorf("op=keypool.get_usage: %w", err)
	}
	return c.UsageSnapshot(), nil
}
