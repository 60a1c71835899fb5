package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Export is the JSON document produced by Store.Export: the aggregate stats
// followed by every publish record, newest first.
type Export struct {
	ExportedAt time.Time      `json:"exported_at"`
	Stats      Stats          `json:"stats"`
	Records    []exportRecord `json:"records"`
}

type exportRecord struct {
	SourceID         string    `json:"source_id"`
	PlatformPostID   string    `json:"platform_post_id"`
	PlatformURL      string    `json:"platform_url,omitempty"`
	Title            string    `json:"title,omitempty"`
	SourceURL        string    `json:"source_url,omitempty"`
	Caption          string    `json:"caption,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	Category         string    `json:"category,omitempty"`
	PublishedAt      time.Time `json:"published_at"`
	Likes            int64     `json:"likes"`
	Comments         int64     `json:"comments"`
	Views            int64     `json:"views"`
	EngagementRate   float64   `json:"engagement_rate"`
	MetricsUpdatedAt time.Time `json:"metrics_updated_at,omitzero"`
}

// Export writes the whole ledger as indented JSON. Unlike the advisory
// reads, export surfaces storage errors: a partial dump is worse than none.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	count, err := s.Count(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	recs, err := s.Recent(ctx, int(count))
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	doc := Export{
		ExportedAt: time.Now().UTC(),
		Stats:      s.Stats(ctx),
		Records:    make([]exportRecord, 0, len(recs)),
	}
	for _, r := range recs {
		doc.Records = append(doc.Records, exportRecord{
			SourceID:         r.SourceID,
			PlatformPostID:   r.PlatformPostID,
			PlatformURL:      r.PlatformURL,
			Title:            r.Title,
			SourceURL:        r.SourceURL,
			Caption:          r.Caption,
			Tags:             r.Tags,
			Category:         r.Category,
			PublishedAt:      r.PublishedAt,
			Likes:            r.Likes,
			Comments:         r.Comments,
			Views:            r.Views,
			EngagementRate:   r.EngagementRate,
			MetricsUpdatedAt: r.MetricsUpdatedAt,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return nil
}
