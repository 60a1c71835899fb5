package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"reelbot/internal/eventbus"
	"reelbot/internal/ledger"
	logx "reelbot/pkg/logx"
)

// Ledger is the slice of the publication ledger the runner needs.
// *ledger.Store satisfies it.
type Ledger interface {
	HasPublished(ctx context.Context, sourceID string) (bool, error)
	RecordPublish(ctx context.Context, rec ledger.PublishRecord) error
	UpdateMetrics(ctx context.Context, sourceID string, likes, comments, views int64) error
	Recent(ctx context.Context, limit int) ([]ledger.PublishRecord, error)
}

// Config wires a Runner.
type Config struct {
	Discovery   Discovery
	Transformer Transformer // nil means publish the acquired asset as-is
	Captioner   Captioner
	Fallback    Captioner // used when Captioner fails; annotation never aborts a cycle
	Publisher   Publisher
	Ledger      Ledger
	Bus         eventbus.Bus // optional
	Log         logx.Logger

	Keywords      []string
	Category      string
	MaxCandidates int
}

// Runner executes publish cycles. One Runner serves the whole process;
// concurrent RunCycle calls are safe because all shared state lives in the
// ledger, but the scheduler serializes them anyway.
type Runner struct {
	cfg Config
	log logx.Logger
}

// NewRunner validates the wiring and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	switch {
	case cfg.Discovery == nil:
		return nil, errors.New("pipeline: discovery is required")
	case cfg.Publisher == nil:
		return nil, errors.New("pipeline: publisher is required")
	case cfg.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 50
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log}, nil
}

// RunCycle executes one full cycle: discover, select, acquire, transform,
// annotate, publish, record, cleanup. It never publishes an item the ledger
// already knows, and it only writes the ledger after the platform confirmed
// a post ID.
func (r *Runner) RunCycle(ctx context.Context) Result {
	cycleID := uuid.NewString()
	log := r.log.With(logx.String("cycle_id", cycleID))
	log.Info("cycle started", logx.Any("keywords", r.cfg.Keywords))

	res := r.runCycle(ctx, cycleID, log)

	switch res.Outcome {
	case Published:
		log.Info("cycle published",
			logx.String("source_id", res.Record.SourceID),
			logx.String("post_id", res.Record.PlatformPostID))
	case NoOp:
		log.Info("cycle finished with nothing to publish", logx.String("reason", res.Reason))
	case Failed:
		log.Error("cycle failed",
			logx.String("stage", string(res.Stage)),
			logx.String("reason", res.Reason),
			logx.Err(res.Err))
	}
	r.emit("cycle."+res.Outcome.String(), cycleEvent(res))
	return res
}

func (r *Runner) runCycle(ctx context.Context, cycleID string, log logx.Logger) Result {
	fail := func(stage Stage, err error) Result {
		return Result{CycleID: cycleID, Outcome: Failed, Stage: stage, Reason: err.Error(), Err: err}
	}

	// Discover.
	candidates, err := r.cfg.Discovery.Search(ctx, r.cfg.Keywords, r.cfg.MaxCandidates)
	if err != nil {
		return fail(StageDiscover, fmt.Errorf("search: %w", err))
	}
	if len(candidates) == 0 {
		return Result{CycleID: cycleID, Outcome: NoOp, Stage: StageDiscover, Reason: "no candidates found"}
	}
	log.Debug("candidates discovered", logx.Int("count", len(candidates)))

	if err := ctx.Err(); err != nil {
		return fail(StageSelect, err)
	}

	// Select the first candidate without a ledger record. A storage error
	// here aborts the cycle; guessing could publish a duplicate.
	var cand *Candidate
	for i := range candidates {
		published, err := r.cfg.Ledger.HasPublished(ctx, candidates[i].SourceID)
		if err != nil {
			return fail(StageSelect, err)
		}
		if !published {
			cand = &candidates[i]
			break
		}
	}
	if cand == nil {
		return Result{CycleID: cycleID, Outcome: NoOp, Stage: StageSelect, Reason: "all candidates already published"}
	}
	log = log.With(logx.String("source_id", cand.SourceID))
	log.Info("candidate selected", logx.String("title", cand.Title))

	if err := ctx.Err(); err != nil {
		return fail(StageAcquire, err)
	}

	// Acquire.
	acquired, err := r.cfg.Discovery.Acquire(ctx, *cand)
	if err != nil {
		return fail(StageAcquire, fmt.Errorf("%w: %v", ErrAcquireFailed, err))
	}
	defer r.cleanup(log, acquired)

	if err := ctx.Err(); err != nil {
		return fail(StageTransform, err)
	}

	// Transform.
	asset := acquired
	if r.cfg.Transformer != nil {
		processed, err := r.cfg.Transformer.Process(ctx, acquired)
		if err != nil {
			return fail(StageTransform, fmt.Errorf("%w: %v", ErrTransformFailed, err))
		}
		if processed.Path != acquired.Path {
			defer r.cleanup(log, processed)
		}
		asset = processed
	}

	if err := ctx.Err(); err != nil {
		return fail(StageAnnotate, err)
	}

	// Annotate. Never aborts: a plain caption beats a lost cycle.
	caption := r.annotate(ctx, *cand, log)

	if err := ctx.Err(); err != nil {
		return fail(StagePublish, err)
	}

	// Publish, with a single re-login on an expired session.
	post, err := r.cfg.Publisher.Publish(ctx, asset, caption)
	if errors.Is(err, ErrReauthRequired) {
		log.Warn("session expired, re-authenticating")
		if loginErr := r.cfg.Publisher.Login(ctx); loginErr != nil {
			return fail(StageAuth, fmt.Errorf("%w: %v", ErrAuthFailed, loginErr))
		}
		post, err = r.cfg.Publisher.Publish(ctx, asset, caption)
	}
	if err != nil {
		if errors.Is(err, ErrPublishFailed) || errors.Is(err, ErrReauthRequired) {
			return fail(StagePublish, err)
		}
		return fail(StagePublish, fmt.Errorf("%w: %v", ErrPublishFailed, err))
	}

	// Record. The post exists on the platform from here on; a failed write
	// leaves it unrecorded, which is logged loudly and reported on the
	// result instead of being retried into a duplicate. The write itself is
	// detached from cycle cancellation: a shutdown arriving between publish
	// and record must not manufacture an unrecorded post.
	rec := ledger.PublishRecord{
		SourceID:       cand.SourceID,
		PlatformPostID: post.ID,
		PlatformURL:    post.URL,
		Title:          cand.Title,
		SourceURL:      cand.URL,
		Caption:        caption.Text,
		Tags:           caption.Tags,
		Category:       r.cfg.Category,
		PublishedAt:    post.PublishedAt,
	}
	if err := r.cfg.Ledger.RecordPublish(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("post published but not recorded",
			logx.String("post_id", post.ID),
			logx.Err(err))
		r.emit("cycle.unrecorded", &eventbus.CycleEvent{
			CycleID:  cycleID,
			Stage:    string(StageRecord),
			SourceID: cand.SourceID,
			PostID:   post.ID,
			Reason:   err.Error(),
		})
		res := fail(StageRecord, err)
		res.Record = &rec
		return res
	}

	return Result{CycleID: cycleID, Outcome: Published, Stage: StageRecord, Record: &rec}
}

// annotate runs the configured captioner, then the fallback, then a minimal
// caption built from the candidate itself.
func (r *Runner) annotate(ctx context.Context, cand Candidate, log logx.Logger) Caption {
	if r.cfg.Captioner != nil {
		caption, err := r.cfg.Captioner.Generate(ctx, cand)
		if err == nil {
			return caption
		}
		log.Warn("caption generation failed, using fallback", logx.Err(err))
	}
	if r.cfg.Fallback != nil {
		caption, err := r.cfg.Fallback.Generate(ctx, cand)
		if err == nil {
			return caption
		}
		log.Warn("fallback caption failed", logx.Err(err))
	}

	caption := Caption{Text: cand.Title}
	if tag := sanitizeTag(r.cfg.Category); tag != "" {
		caption.Tags = []string{tag}
	}
	return caption
}

func (r *Runner) cleanup(log logx.Logger, a Asset) {
	if a.Path == "" {
		return
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("cleanup failed", logx.String("path", a.Path), logx.Err(err))
	}
}

func (r *Runner) emit(typ string, ev *eventbus.CycleEvent) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(eventbus.Event{Type: typ, Cycle: ev})
	}
}

func cycleEvent(res Result) *eventbus.CycleEvent {
	ev := &eventbus.CycleEvent{
		CycleID: res.CycleID,
		Outcome: res.Outcome.String(),
		Stage:   string(res.Stage),
		Reason:  res.Reason,
	}
	if res.Record != nil {
		ev.SourceID = res.Record.SourceID
		ev.PostID = res.Record.PlatformPostID
	}
	return ev
}

func sanitizeTag(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
