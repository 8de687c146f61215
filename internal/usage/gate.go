package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tryon/internal/domain"
)

// Limits configures the gate's three layers plus the global kill switch.
type Limits struct {
	// DailyCap is the per-user generations-per-UTC-day ceiling.
	DailyCap int64
	// Cooldown is the minimum gap between two generations by one user.
	Cooldown time.Duration
	// IPHourlyCap is the per-IP abuse backstop.
	IPHourlyCap int64
	// KillSwitchCents trips the global circuit breaker once cumulative daily
	// estimated spend crosses it.
	KillSwitchCents int64
	// CostPerCallCents is the estimated provider cost of one model call.
	CostPerCallCents int64
	// LockTTL auto-expires a user's session lock so a crashed request cannot
	// wedge the account.
	LockTTL time.Duration
	// Disabled bypasses every check. Escape hatch only; defaults to false.
	Disabled bool
}

// DefaultLimits mirrors the production configuration.
func DefaultLimits() Limits {
	return Limits{
		DailyCap:         20,
		Cooldown:         30 * time.Second,
		IPHourlyCap:      30,
		KillSwitchCents:  5000,
		CostPerCallCents: 4,
		LockTTL:          120 * time.Second,
	}
}

// Decision is the gate's verdict for one generation request.
type Decision struct {
	Allowed        bool
	RequestID      string
	RemainingToday int64
	// Degraded is set when the kill switch has tripped and optional features
	// should be reported as disabled.
	Degraded bool
	// Reason is the sentinel explaining a denial.
	Reason error
}

// Outcome is the terminal state a generation reports back to the gate.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeAborted Outcome = "aborted"
	OutcomeFailed  Outcome = "failed"
)

// CountryLookup resolves ISO country codes for abuse-context logging.
type CountryLookup func(ip string) (string, error)

// Gate applies the per-user, per-session, and per-IP layers and the global
// kill switch before any model call is scheduled.
type Gate struct {
	store   Store
	limits  Limits
	logger  zerolog.Logger
	country CountryLookup
	now     func() time.Time
}

// NewGate builds a gate over the given store. lookup may be nil.
func NewGate(store Store, limits Limits, logger zerolog.Logger, lookup CountryLookup) *Gate {
	return &Gate{
		store:   store,
		limits:  limits,
		logger:  logger,
		country: lookup,
		now:     time.Now,
	}
}

// WithClock overrides the gate's clock for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func dailyKey(prefix, id string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", prefix, id, now.UTC().Format("2006-01-02"))
}

func (g *Gate) untilMidnightUTC() time.Duration {
	now := g.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now)
}

// CheckGenerationGate evaluates all layers in order: kill switch, user daily
// cap, cooldown, IP hourly cap, then the session lock. The lock is taken last
// so a denial at an earlier layer never leaves a dangling lock.
func (g *Gate) CheckGenerationGate(ctx context.Context, userID, ip string) Decision {
	if g.limits.Disabled {
		return Decision{Allowed: true, RequestID: uuid.NewString(), RemainingToday: g.limits.DailyCap}
	}
	now := g.now()

	spendKey := dailyKey("spend", "global", now)
	if spend, ok, err := g.store.Get(ctx, spendKey); err == nil && ok && spend >= g.limits.KillSwitchCents {
		g.logger.Error().Int64("spend_cents", spend).Msg("usage: daily spend kill switch tripped")
		return Decision{Degraded: true, Reason: domain.ErrKillSwitch}
	}

	countKey := dailyKey("gen", userID, now)
	count, _, err := g.store.Get(ctx, countKey)
	if err != nil {
		g.logger.Error().Err(err).Msg("usage: count lookup failed")
	}
	remaining := g.limits.DailyCap - count
	if remaining <= 0 {
		return Decision{RemainingToday: 0, Reason: domain.ErrQuotaExceeded}
	}

	lastKey := "last:" + userID
	if last, ok, err := g.store.Get(ctx, lastKey); err == nil && ok {
		elapsed := now.Sub(time.Unix(last, 0))
		if elapsed < g.limits.Cooldown {
			return Decision{RemainingToday: remaining, Reason: domain.ErrCooldown}
		}
	}

	ipKey := fmt.Sprintf("ip:%s:%s", ip, now.UTC().Format("2006-01-02T15"))
	ipCount, err := g.store.Incr(ctx, ipKey, 1, time.Hour)
	if err != nil {
		g.logger.Error().Err(err).Msg("usage: ip window increment failed")
	}
	if ipCount > g.limits.IPHourlyCap {
		event := g.logger.Warn().Str("ip", ip).Int64("hourly_count", ipCount)
		if g.country != nil {
			if code, err := g.country(ip); err == nil && code != "" {
				event = event.Str("country", code)
			}
		}
		event.Msg("usage: ip hourly cap exceeded")
		return Decision{RemainingToday: remaining, Reason: domain.ErrIPThrottled}
	}

	requestID := uuid.NewString()
	acquired, err := g.store.AcquireLock(ctx, "lock:"+userID, requestID, g.limits.LockTTL)
	if err != nil {
		g.logger.Error().Err(err).Msg("usage: lock acquire failed")
		return Decision{RemainingToday: remaining, Reason: domain.ErrSessionBusy}
	}
	if !acquired {
		return Decision{RemainingToday: remaining, Reason: domain.ErrSessionBusy}
	}

	return Decision{Allowed: true, RequestID: requestID, RemainingToday: remaining}
}

// CompleteGeneration releases the session lock and settles the ledger. Model
// calls are charged for successful and failed runs; aborted runs release the
// lock without charging. Only successful runs consume daily quota and arm the
// cooldown.
func (g *Gate) CompleteGeneration(ctx context.Context, userID, requestID string, result Outcome, modelCalls int) {
	if g.limits.Disabled {
		return
	}
	now := g.now()

	if err := g.store.ReleaseLock(ctx, "lock:"+userID, requestID); err != nil {
		g.logger.Error().Err(err).Msg("usage: lock release failed")
	}

	if result != OutcomeAborted && modelCalls > 0 {
		spendKey := dailyKey("spend", "global", now)
		cost := int64(modelCalls) * g.limits.CostPerCallCents
		if spend, err := g.store.Incr(ctx, spendKey, cost, g.untilMidnightUTC()); err == nil {
			if spend >= g.limits.KillSwitchCents {
				g.logger.Error().Int64("spend_cents", spend).Msg("usage: daily spend crossed kill switch threshold")
			}
		}
	}

	if result == OutcomeSuccess {
		countKey := dailyKey("gen", userID, now)
		if _, err := g.store.Incr(ctx, countKey, 1, g.untilMidnightUTC()); err != nil {
			g.logger.Error().Err(err).Msg("usage: count increment failed")
		}
		if err := g.store.Set(ctx, "last:"+userID, now.Unix(), g.limits.Cooldown*2); err != nil {
			g.logger.Error().Err(err).Msg("usage: cooldown stamp failed")
		}
	}

	g.logger.Info().
		Str("user", userID).
		Str("request", requestID).
		Str("result", string(result)).
		Int("model_calls", modelCalls).
		Msg("usage: generation settled")
}

// Snapshot reports the calling user's remaining quota, cooldown state, and
// whether the kill switch has tripped.
type Snapshot struct {
	RemainingToday int64
	CooldownActive bool
	KillSwitchOn   bool
	DailyCap       int64
}

// UsageSnapshot returns the current ledger view for one user.
func (g *Gate) UsageSnapshot(ctx context.Context, userID string) Snapshot {
	now := g.now()
	count, _, _ := g.store.Get(ctx, dailyKey("gen", userID, now))
	remaining := g.limits.DailyCap - count
	if remaining < 0 {
		remaining = 0
	}
	cooldown := false
	if last, ok, _ := g.store.Get(ctx, "last:"+userID); ok {
		cooldown = now.Sub(time.Unix(last, 0)) < g.limits.Cooldown
	}
	killed := false
	if spend, ok, _ := g.store.Get(ctx, dailyKey("spend", "global", now)); ok {
		killed = spend >= g.limits.KillSwitchCents
	}
	return Snapshot{
		RemainingToday: remaining,
		CooldownActive: cooldown,
		KillSwitchOn:   killed,
		DailyCap:       g.limits.DailyCap,
	}
}

// StartSweeper periodically sweeps the store until ctx is cancelled. The
// memory store's janitor already sweeps itself; this covers shared stores.
func (g *Gate) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := g.store.Sweep(ctx); err != nil {
					g.logger.Error().Err(err).Msg("usage: sweep failed")
				}
			}
		}
	}()
}
