// Package discovery implements feed-backed content discovery: it parses a
// set of RSS/Atom feeds, filters items against the content policy, scores
// them, and downloads the media behind the selected item.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"reelbot/internal/pipeline"
	logx "reelbot/pkg/logx"
)

const extraMediaURL = "media_url"

// Config tunes discovery filtering and acquisition.
type Config struct {
	Feeds []string

	MinDuration time.Duration // 0 disables the bound
	MaxDuration time.Duration // 0 disables the bound

	// MinPopularity is a percentage in [0,100]. Candidates scoring below it
	// are dropped; 0 keeps everything.
	MinPopularity float64

	// WorkDir receives downloaded media.
	WorkDir string

	// HTTPTimeout bounds a single feed fetch or media download. Defaults to
	// 2 minutes; downloads also honor the caller's context.
	HTTPTimeout time.Duration
}

// Service implements pipeline.Discovery over RSS/Atom feeds.
type Service struct {
	cfg    Config
	parser *gofeed.Parser
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 2 * time.Minute
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		parser: gofeed.NewParser(),
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    log,
		now:    time.Now,
	}
}

// Search fetches all configured feeds and returns matching candidates,
// best-scoring first. An unreachable or malformed feed is logged and
// skipped; a cycle with no reachable source publishes nothing instead of
// failing.
func (s *Service) Search(ctx context.Context, keywords []string, limit int) ([]pipeline.Candidate, error) {
	if limit <= 0 {
		limit = 50
	}

	var all []pipeline.Candidate
	for _, url := range s.cfg.Feeds {
		feed, err := s.parser.ParseURLWithContext(url, ctx)
		if err != nil {
			s.log.Warn("feed fetch failed", logx.String("feed", url), logx.Err(err))
			continue
		}
		all = append(all, candidatesFromFeed(feed)...)
	}
	if len(all) == 0 {
		return nil, nil
	}

	scorePopularity(all, s.now())
	matched := filterCandidates(all, keywords, s.cfg.MinDuration, s.cfg.MaxDuration, s.cfg.MinPopularity)

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Popularity != matched[j].Popularity {
			return matched[i].Popularity > matched[j].Popularity
		}
		return matched[i].PublishedAt.After(matched[j].PublishedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	s.log.Debug("search finished",
		logx.Int("fetched", len(all)),
		logx.Int("matched", len(matched)))
	return matched, nil
}

// Acquire downloads the candidate's media into the work dir.
func (s *Service) Acquire(ctx context.Context, c pipeline.Candidate) (pipeline.Asset, error) {
	url := c.Extra[extraMediaURL]
	if url == "" {
		url = c.URL
	}
	if url == "" {
		return pipeline.Asset{}, fmt.Errorf("discovery: candidate %s has no media url", c.SourceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pipeline.Asset{}, fmt.Errorf("discovery: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return pipeline.Asset{}, fmt.Errorf("discovery: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pipeline.Asset{}, fmt.Errorf("discovery: download %s: status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return pipeline.Asset{}, fmt.Errorf("discovery: work dir: %w", err)
	}
	dst := filepath.Join(s.cfg.WorkDir, assetFilename(c.SourceID, url))

	// Download to a temp name first so a torn download never looks like a
	// complete asset.
	tmp, err := os.CreateTemp(s.cfg.WorkDir, "acquire-*")
	if err != nil {
		return pipeline.Asset{}, fmt.Errorf("discovery: temp file: %w", err)
	}
	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if copyErr == nil {
			copyErr = closeErr
		}
		return pipeline.Asset{}, fmt.Errorf("discovery: download body: %w", copyErr)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return pipeline.Asset{}, fmt.Errorf("discovery: place asset: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	s.log.Info("asset acquired",
		logx.String("source_id", c.SourceID),
		logx.String("path", dst))
	return pipeline.Asset{Path: dst, MIME: mime}, nil
}

func candidatesFromFeed(feed *gofeed.Feed) []pipeline.Candidate {
	if feed == nil {
		return nil
	}
	out := make([]pipeline.Candidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || (item.Link == "" && len(item.Enclosures) == 0) {
			continue
		}
		c := pipeline.Candidate{
			SourceID:    itemID(item),
			Title:       item.Title,
			URL:         item.Link,
			Description: item.Description,
			Channel:     feed.Title,
			Duration:    itemDuration(item),
			Extra:       map[string]string{},
		}
		if item.PublishedParsed != nil {
			c.PublishedAt = *item.PublishedParsed
		}
		if len(item.Enclosures) > 0 && item.Enclosures[0] != nil {
			c.Extra[extraMediaURL] = item.Enclosures[0].URL
		}
		if views, ok := itemViews(item); ok {
			c.Extra["views"] = strconv.FormatInt(views, 10)
		}
		out = append(out, c)
	}
	return out
}

func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

// itemDuration reads the itunes duration field, accepting plain seconds,
// "MM:SS" and "HH:MM:SS".
func itemDuration(item *gofeed.Item) time.Duration {
	if item.ITunesExt == nil || item.ITunesExt.Duration == "" {
		return 0
	}
	raw := strings.TrimSpace(item.ITunesExt.Duration)
	parts := strings.Split(raw, ":")
	if len(parts) == 1 {
		secs, err := strconv.Atoi(parts[0])
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if len(parts) > 3 {
		return 0
	}
	var total int
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

// itemViews digs the media:statistics views attribute out of the item's
// extension tree.
func itemViews(item *gofeed.Item) (int64, bool) {
	media, ok := item.Extensions["media"]
	if !ok {
		return 0, false
	}
	for _, ext := range media["statistics"] {
		if v, err := strconv.ParseInt(ext.Attrs["views"], 10, 64); err == nil {
			return v, true
		}
	}
	for _, community := range media["community"] {
		for _, stat := range community.Children["statistics"] {
			if v, err := strconv.ParseInt(stat.Attrs["views"], 10, 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// scorePopularity fills Popularity in [0,100] for every candidate. When
// view counts are available they dominate (normalized against the batch
// maximum); otherwise fresher items score higher over a 30-day window.
func scorePopularity(cands []pipeline.Candidate, now time.Time) {
	var maxViews int64
	for i := range cands {
		if v, ok := candidateViews(&cands[i]); ok && v > maxViews {
			maxViews = v
		}
	}

	const recencyWindow = 30 * 24 * time.Hour
	for i := range cands {
		if v, ok := candidateViews(&cands[i]); ok && maxViews > 0 {
			cands[i].Popularity = float64(v) / float64(maxViews) * 100
			continue
		}
		if cands[i].PublishedAt.IsZero() {
			cands[i].Popularity = 0
			continue
		}
		age := now.Sub(cands[i].PublishedAt)
		if age < 0 {
			age = 0
		}
		if age >= recencyWindow {
			cands[i].Popularity = 0
			continue
		}
		cands[i].Popularity = (1 - float64(age)/float64(recencyWindow)) * 100
	}
}

func candidateViews(c *pipeline.Candidate) (int64, bool) {
	raw, ok := c.Extra["views"]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, err == nil
}

func filterCandidates(cands []pipeline.Candidate, keywords []string, minDur, maxDur time.Duration, minPop float64) []pipeline.Candidate {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}

	out := make([]pipeline.Candidate, 0, len(cands))
	for _, c := range cands {
		if len(lowered) > 0 && !matchesKeywords(c, lowered) {
			continue
		}
		if c.Duration > 0 {
			if minDur > 0 && c.Duration < minDur {
				continue
			}
			if maxDur > 0 && c.Duration > maxDur {
				continue
			}
		}
		if c.Popularity < minPop {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesKeywords(c pipeline.Candidate, keywords []string) bool {
	haystack := strings.ToLower(c.Title + " " + c.Description)
	for _, k := range keywords {
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

// assetFilename derives a stable local name from the source ID, keeping the
// media URL's extension when it has one.
func assetFilename(sourceID, url string) string {
	ext := path.Ext(strings.SplitN(path.Base(url), "?", 2)[0])
	if ext == "" || len(ext) > 8 {
		ext = ".mp4"
	}
	var b strings.Builder
	for _, r := range sourceID {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > 80 {
		name = name[:80]
	}
	if name == "" {
		name = "asset"
	}
	return name + ext
}
