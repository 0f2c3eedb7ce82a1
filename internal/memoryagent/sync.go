package memoryagent

import (
	"context"
	"log/slog"
)

// backfillLimit bounds how many recent rows per project the startup sweep
// re-mirrors. Older rows fall outside the 90-day retrieval window anyway.
const backfillLimit = 500

// BackfillVectors re-mirrors recent Store rows into the vector index at
// startup. Upserts use stable derived ids, so re-mirroring a row that is
// already indexed is a no-op overwrite — cheaper than tracking which rows
// are missing. Failures are logged and never propagate; the Store stays
// the source of truth.
func (r *Runner) BackfillVectors(ctx context.Context) {
	if r.vec == nil {
		return
	}
	projects, err := r.store.GetUniqueProjects(ctx)
	if err != nil {
		slog.Warn("vector backfill: listing projects failed", "error", err)
		return
	}
	var synced int
	for _, project := range projects {
		observations, err := r.store.GetRecentObservations(ctx, project, backfillLimit)
		if err != nil {
			slog.Warn("vector backfill: listing observations failed", "project", project, "error", err)
			continue
		}
		for _, obs := range observations {
			r.syncObservation(ctx, obs)
			synced++
		}

		summaries, err := r.store.GetRecentSummaries(ctx, project, backfillLimit)
		if err != nil {
			slog.Warn("vector backfill: listing summaries failed", "project", project, "error", err)
			continue
		}
		for _, sum := range summaries {
			r.syncSummary(ctx, sum)
			synced++
		}

		prompts, err := r.store.GetRecentPrompts(ctx, project, backfillLimit)
		if err != nil {
			slog.Warn("vector backfill: listing prompts failed", "project", project, "error", err)
			continue
		}
		for _, p := range prompts {
			r.syncPrompt(ctx, project, p)
			synced++
		}
	}
	slog.Info("vector backfill complete", "projects", len(projects), "rows", synced)
}
