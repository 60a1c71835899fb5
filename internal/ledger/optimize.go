package ledger

import (
	"context"
	"sort"

	logx "reelbot/pkg/logx"
)

// Advisory optimization reads.
//
// These never propagate storage errors: optimization output only tunes future
// behavior, so a broken read degrades to "no insight" rather than failing the
// caller. Errors are still logged for operators.

// TopByEngagement returns up to n records ordered by engagement rate
// descending, ties broken by most recent published_at first.
func (s *Store) TopByEngagement(ctx context.Context, n int) []PublishRecord {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM publish_records
          ORDER BY engagement_rate DESC, published_at DESC LIMIT ?`, n)
	if err != nil {
		s.log.Warn("ledger: top-by-engagement query failed", logx.Err(err))
		return nil
	}
	defer rows.Close()
	recs, err := collectRecords(rows)
	if err != nil {
		s.log.Warn("ledger: top-by-engagement scan failed", logx.Err(err))
		return nil
	}
	return recs
}

// BestPostingHours groups engaged posts by the hour-of-day they were
// published (in the store's location) and returns hours ordered by mean
// engagement, best first. Returns nil until at least minSample qualifying
// records exist, so a single lucky post doesn't steer the schedule.
func (s *Store) BestPostingHours(ctx context.Context, minSample int) []int {
	if minSample < 1 {
		minSample = 1
	}
	recs := s.engagedRecords(ctx)
	if len(recs) < minSample {
		return nil
	}

	sums := map[int]float64{}
	counts := map[int]int{}
	for _, r := range recs {
		h := r.PublishedAt.In(s.loc).Hour()
		sums[h] += r.EngagementRate
		counts[h]++
	}

	hours := make([]int, 0, len(sums))
	for h := range sums {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		mi := sums[hours[i]] / float64(counts[hours[i]])
		mj := sums[hours[j]] / float64(counts[hours[j]])
		if mi != mj {
			return mi > mj
		}
		return hours[i] < hours[j]
	})
	return hours
}

// BestTags returns up to n tags ordered by mean engagement over the posts
// that used them, best first. Tags used fewer than minUses times are
// excluded to protect against single-lucky-post bias.
func (s *Store) BestTags(ctx context.Context, n, minUses int) []string {
	if n <= 0 {
		n = 10
	}
	if minUses < 1 {
		minUses = 1
	}
	recs := s.engagedRecords(ctx)
	if len(recs) == 0 {
		return nil
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	for _, r := range recs {
		for _, tag := range r.Tags {
			sums[tag] += r.EngagementRate
			counts[tag]++
		}
	}

	tags := make([]string, 0, len(sums))
	for tag, c := range counts {
		if c >= minUses {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		mi := sums[tags[i]] / float64(counts[tags[i]])
		mj := sums[tags[j]] / float64(counts[tags[j]])
		if mi != mj {
			return mi > mj
		}
		return tags[i] < tags[j]
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

// Stats aggregates counters across all records. All-zero when the ledger is
// empty; never divides by zero.
func (s *Store) Stats(ctx context.Context) Stats {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1),
                COALESCE(SUM(likes), 0),
                COALESCE(SUM(comments), 0),
                COALESCE(SUM(views), 0),
                COALESCE(AVG(engagement_rate), 0)
           FROM publish_records`,
	).Scan(&st.TotalPosts, &st.TotalLikes, &st.TotalComments, &st.TotalViews, &st.AvgEngagement)
	if err != nil {
		s.log.Warn("ledger: stats query failed", logx.Err(err))
		return Stats{}
	}
	if st.TotalPosts > 0 {
		n := float64(st.TotalPosts)
		st.AvgLikes = float64(st.TotalLikes) / n
		st.AvgComments = float64(st.TotalComments) / n
		st.AvgViews = float64(st.TotalViews) / n
	}
	return st
}

// engagedRecords loads all records with engagement_rate > 0, degrading to nil
// on storage errors.
func (s *Store) engagedRecords(ctx context.Context) []PublishRecord {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM publish_records WHERE engagement_rate > 0`)
	if err != nil {
		s.log.Warn("ledger: engaged-records query failed", logx.Err(err))
		return nil
	}
	defer rows.Close()
	recs, err := collectRecords(rows)
	if err != nil {
		s.log.Warn("ledger: engaged-records scan failed", logx.Err(err))
		return nil
	}
	return recs
}
