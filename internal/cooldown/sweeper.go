package cooldown

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// SweepSchedule is the cron spec used to prune expired in-memory state.
const SweepSchedule = "@every 1m"

// RunSweeper prunes g on SweepSchedule until ctx is cancelled.
func RunSweeper(ctx context.Context, g *MemoryGuard) error {
	c := cron.New()
	if _, err := c.AddFunc(SweepSchedule, func() {
		if removed := g.Sweep(); removed > 0 {
			log.Debug().Int("removed", removed).Msg("Pruned expired cooldown entries")
		}
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
