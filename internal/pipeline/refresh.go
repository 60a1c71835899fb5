package pipeline

import (
	"context"
	"errors"
	"fmt"

	logx "reelbot/pkg/logx"
)

// RefreshMetrics fetches fresh engagement counters for the most recently
// published records and writes them back to the ledger.
//
// Per-record failures are absorbed: a platform that hides counters for one
// post (ErrNoMetrics) or a transient fetch error must not starve the rest of
// the batch. Only a failure to list records is returned.
func (r *Runner) RefreshMetrics(ctx context.Context, limit int) error {
	recs, err := r.cfg.Ledger.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("refresh metrics: %w", err)
	}

	var updated, skipped int
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := r.cfg.Publisher.FetchMetrics(ctx, rec.PlatformPostID)
		if errors.Is(err, ErrNoMetrics) {
			skipped++
			continue
		}
		if err != nil {
			r.log.Warn("metrics fetch failed",
				logx.String("source_id", rec.SourceID),
				logx.String("post_id", rec.PlatformPostID),
				logx.Err(err))
			skipped++
			continue
		}
		if err := r.cfg.Ledger.UpdateMetrics(ctx, rec.SourceID, m.Likes, m.Comments, m.Views); err != nil {
			r.log.Warn("metrics update failed",
				logx.String("source_id", rec.SourceID),
				logx.Err(err))
			skipped++
			continue
		}
		updated++
	}

	r.log.Info("metrics refresh finished",
		logx.Int("updated", updated),
		logx.Int("skipped", skipped))
	return nil
}
