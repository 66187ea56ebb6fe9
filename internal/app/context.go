package app

import (
	"context"
	"errors"
	"fmt"

	"regline/internal/config"
	"regline/internal/engine"
	"regline/internal/repo"
)

// ResolveCycleAndConfig picks the active cycle and ensures a cycle + config
// exist in the DB, seeding defaults if missing. It prefers overrides, then
// single-cycle DB. If the cycle does not exist, it is created on the fly.
func ResolveCycleAndConfig(ctx context.Context, cycleOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	cycleID := cycleOverride
	if cycleID == "" {
		if c, err := e.Repo.SingleCycle(ctx); err == nil {
			cycleID = c.ID
		} else {
			return "", nil, fmt.Errorf("cycle not specified; use --cycle")
		}
	}
	if actorID == "" {
		actorID = "local-user"
	}

	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if _, err := e.InitCycle(ctx, cycleID, "", actorID, nil); err != nil {
			return "", nil, fmt.Errorf("create cycle: %w", err)
		}
	}
	cfg, err := e.Repo.GetCycleConfig(ctx, cycleID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cfg = config.Default(cycleID, cycleID)
			if err := e.Repo.UpsertCycleConfig(ctx, cycleID, cfg); err != nil {
				return "", nil, fmt.Errorf("seed cycle config: %w", err)
			}
		} else {
			return "", nil, err
		}
	}
	cfg.Cycle.ID = cycleID
	return cycleID, cfg, nil
}
