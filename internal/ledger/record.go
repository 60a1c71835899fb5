package ledger

import (
	"errors"
	"time"
)

var (
	// ErrConflict means a record for the source already exists. RecordPublish
	// returns it instead of overwriting: published_at and the dedup fact are
	// immutable.
	ErrConflict = errors.New("ledger: record already exists")

	// ErrNotFound means no record exists for the source.
	ErrNotFound = errors.New("ledger: record not found")
)

// PublishRecord is the durable fact "source item X was published as post Y",
// plus its evolving performance metrics.
type PublishRecord struct {
	SourceID       string
	PlatformPostID string
	PlatformURL    string
	Title          string
	SourceURL      string
	Caption        string
	Tags           []string
	Category       string
	PublishedAt    time.Time

	Likes            int64
	Comments         int64
	Views            int64
	EngagementRate   float64 // percentage in [0,100]
	MetricsUpdatedAt time.Time
}

// EngagementRate computes the engagement percentage for a set of metric
// counters. Views are floored at 1 so a post with zero views never divides
// by zero.
func EngagementRate(likes, comments, views int64) float64 {
	v := views
	if v < 1 {
		v = 1
	}
	return float64(likes+comments) / float64(v) * 100
}

// Stats is an aggregate view over all publish records. Zero-valued when the
// ledger is empty.
type Stats struct {
	TotalPosts    int64   `json:"total_posts"`
	TotalLikes    int64   `json:"total_likes"`
	TotalComments int64   `json:"total_comments"`
	TotalViews    int64   `json:"total_views"`
	AvgEngagement float64 `json:"avg_engagement_rate"`
	AvgLikes      float64 `json:"avg_likes_per_post"`
	AvgComments   float64 `json:"avg_comments_per_post"`
	AvgViews      float64 `json:"avg_views_per_post"`
}
