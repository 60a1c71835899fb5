// Package pipeline orchestrates a single publish cycle: discover candidate
// content, pick the first item not yet published, acquire and transform the
// media, generate a caption, publish, and record the result in the ledger.
//
// The orchestrator owns ordering and failure policy only. Everything
// platform-specific lives behind the collaborator interfaces below, so the
// cycle logic is testable with in-process fakes.
package pipeline

import (
	"context"
	"time"
)

// Candidate is a transient description of discoverable content. It exists
// only for the duration of a cycle; the ledger keeps the durable facts.
type Candidate struct {
	SourceID    string
	Title       string
	URL         string
	Duration    time.Duration
	Popularity  float64
	Description string
	Channel     string
	PublishedAt time.Time

	// Extra carries source-specific metadata that no pipeline stage
	// interprets but adapters may want downstream.
	Extra map[string]string
}

// Asset is a local media file produced by Acquire or Process.
type Asset struct {
	Path string
	MIME string
}

// Caption is the annotation attached to a published post.
type Caption struct {
	Text string
	Tags []string // hashtags, without the leading '#'
}

// Post identifies content successfully placed on the target platform.
type Post struct {
	ID          string
	URL         string
	PublishedAt time.Time
}

// Metrics are engagement counters fetched from the platform.
type Metrics struct {
	Likes    int64
	Comments int64
	Views    int64
}

// Discovery finds candidate content and fetches its media.
//
// Search returns an empty slice rather than an error when the upstream
// source is unreachable; a cycle with nothing to publish is a no-op, not a
// failure.
type Discovery interface {
	Search(ctx context.Context, keywords []string, limit int) ([]Candidate, error)
	Acquire(ctx context.Context, c Candidate) (Asset, error)
}

// Transformer converts an acquired asset into its publishable form.
type Transformer interface {
	Process(ctx context.Context, a Asset) (Asset, error)
}

// Captioner generates the caption for a candidate.
type Captioner interface {
	Generate(ctx context.Context, c Candidate) (Caption, error)
}

// Publisher places an asset on the target platform.
//
// Publish reports an expired session as ErrReauthRequired; the runner then
// calls Login and retries exactly once.
type Publisher interface {
	Login(ctx context.Context) error
	Publish(ctx context.Context, a Asset, c Caption) (Post, error)
	FetchMetrics(ctx context.Context, postID string) (Metrics, error)
}
