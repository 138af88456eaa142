package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/types"
)

// maintenanceStore is the slice of the store maintenance needs.
type maintenanceStore interface {
	RolloverDaily(ctx context.Context) (int, error)
	PruneJobs(ctx context.Context) (int64, error)
	ListAccounts(ctx context.Context, filter types.AccountFilter) ([]*types.Account, error)
}

// windowResetter clears an account's upload rate window.
type windowResetter interface {
	Reset(ctx context.Context, accountID string) error
}

// Maintenance runs the periodic housekeeping: daily counter rollover at
// local midnight and retention pruning of settled jobs.
type Maintenance struct {
	store   maintenanceStore
	limiter windowResetter
	loc     *time.Location

	pruneEvery time.Duration
	now        func() time.Time
}

// NewMaintenance creates the housekeeping loop. loc defaults to the local
// timezone, pruneEvery to one hour.
func NewMaintenance(st maintenanceStore, limiter windowResetter, loc *time.Location, pruneEvery time.Duration) *Maintenance {
	if loc == nil {
		loc = time.Local
	}
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	return &Maintenance{
		store:      st,
		limiter:    limiter,
		loc:        loc,
		pruneEvery: pruneEvery,
		now:        time.Now,
	}
}

// Run blocks until ctx is done, firing rollover at each midnight in the
// configured location and pruning on its own cadence.
func (m *Maintenance) Run(ctx context.Context) {
	rollover := time.NewTimer(m.untilNextMidnight())
	defer rollover.Stop()
	prune := time.NewTicker(m.pruneEvery)
	defer prune.Stop()

	log.Info().
		Str("tz", m.loc.String()).
		Dur("first_rollover_in", m.untilNextMidnight()).
		Msg("Maintenance loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-rollover.C:
			m.Rollover(ctx)
			rollover.Reset(m.untilNextMidnight())
		case <-prune.C:
			if removed, err := m.store.PruneJobs(ctx); err != nil {
				log.Error().Err(err).Msg("Job pruning failed")
			} else if removed > 0 {
				log.Info().Int64("removed", removed).Msg("Pruned settled jobs")
			}
		}
	}
}

// Rollover zeroes daily counters, restores limited accounts, and clears
// every account's sliding rate window so the new day starts clean.
func (m *Maintenance) Rollover(ctx context.Context) {
	reset, err := m.store.RolloverDaily(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Daily rollover failed")
		return
	}

	accounts, err := m.store.ListAccounts(ctx, types.AccountFilter{})
	if err != nil {
		log.Error().Err(err).Msg("Failed to list accounts for rate window reset")
		return
	}
	for _, acct := range accounts {
		if err := m.limiter.Reset(ctx, acct.ID); err != nil {
			log.Warn().Err(err).Str("account_id", acct.ID).Msg("Failed to reset rate window")
		}
	}
	log.Info().Int("counters_reset", reset).Int("accounts", len(accounts)).Msg("Daily rollover applied")
}

// untilNextMidnight computes the wait to the next midnight in m.loc.
func (m *Maintenance) untilNextMidnight() time.Duration {
	now := m.now().In(m.loc)
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, m.loc)
	return next.Sub(now)
}
