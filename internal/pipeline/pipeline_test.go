package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reelbot/internal/eventbus"
	"reelbot/internal/ledger"
	logx "reelbot/pkg/logx"
)

type fakeDiscovery struct {
	candidates []Candidate
	searchErr  error
	acquireErr error
	asset      Asset
}

func (f *fakeDiscovery) Search(context.Context, []string, int) ([]Candidate, error) {
	return f.candidates, f.searchErr
}

func (f *fakeDiscovery) Acquire(context.Context, Candidate) (Asset, error) {
	if f.acquireErr != nil {
		return Asset{}, f.acquireErr
	}
	return f.asset, nil
}

type fakeCaptioner struct {
	caption Caption
	err     error
	calls   int
}

func (f *fakeCaptioner) Generate(context.Context, Candidate) (Caption, error) {
	f.calls++
	return f.caption, f.err
}

type fakePublisher struct {
	publishErrs []error // consumed one per Publish call
	loginErr    error
	loginCalls  int
	published   int
	metrics     map[string]Metrics
}

func (f *fakePublisher) Login(context.Context) error {
	f.loginCalls++
	return f.loginErr
}

func (f *fakePublisher) Publish(context.Context, Asset, Caption) (Post, error) {
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return Post{}, err
		}
	}
	f.published++
	return Post{ID: "post-1", URL: "https://t.me/c/1/1", PublishedAt: time.Now()}, nil
}

func (f *fakePublisher) FetchMetrics(_ context.Context, postID string) (Metrics, error) {
	m, ok := f.metrics[postID]
	if !ok {
		return Metrics{}, ErrNoMetrics
	}
	return m, nil
}

type fakeLedger struct {
	records   map[string]ledger.PublishRecord
	hasErr    error
	recordErr error
	updateErr error
	recentErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]ledger.PublishRecord{}}
}

func (f *fakeLedger) HasPublished(_ context.Context, id string) (bool, error) {
	if f.hasErr != nil {
		return false, f.hasErr
	}
	_, ok := f.records[id]
	return ok, nil
}

func (f *fakeLedger) RecordPublish(_ context.Context, rec ledger.PublishRecord) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	if _, ok := f.records[rec.SourceID]; ok {
		return ledger.ErrConflict
	}
	f.records[rec.SourceID] = rec
	return nil
}

func (f *fakeLedger) UpdateMetrics(_ context.Context, id string, likes, comments, views int64) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	rec, ok := f.records[id]
	if !ok {
		return ledger.ErrNotFound
	}
	rec.Likes, rec.Comments, rec.Views = likes, comments, views
	rec.EngagementRate = ledger.EngagementRate(likes, comments, views)
	f.records[id] = rec
	return nil
}

func (f *fakeLedger) Recent(_ context.Context, limit int) ([]ledger.PublishRecord, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	out := make([]ledger.PublishRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func testCandidate(id string) Candidate {
	return Candidate{
		SourceID: id,
		Title:    "Push through",
		URL:      "https://example.com/" + id,
		Duration: 42 * time.Second,
	}
}

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Category == "" {
		cfg.Category = "motivation"
	}
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRunCyclePublishes(t *testing.T) {
	led := newFakeLedger()
	pub := &fakePublisher{}
	capt := &fakeCaptioner{caption: Caption{Text: "Keep going", Tags: []string{"motivation"}}}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Captioner: capt,
		Publisher: pub,
		Ledger:    led,
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Published {
		t.Fatalf("expected Published, got %v (%s: %v)", res.Outcome, res.Stage, res.Err)
	}
	if res.Record == nil || res.Record.PlatformPostID != "post-1" {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
	if res.Record.Category != "motivation" {
		t.Fatalf("expected category on record, got %q", res.Record.Category)
	}
	if _, ok := led.records["v1"]; !ok {
		t.Fatal("expected ledger record for v1")
	}
	if pub.loginCalls != 0 {
		t.Fatalf("expected no re-login on healthy session, got %d", pub.loginCalls)
	}
}

func TestRunCycleNoCandidates(t *testing.T) {
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{},
		Publisher: &fakePublisher{},
		Ledger:    newFakeLedger(),
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != NoOp {
		t.Fatalf("expected NoOp, got %v", res.Outcome)
	}
}

func TestRunCycleSkipsPublishedCandidates(t *testing.T) {
	led := newFakeLedger()
	led.records["v1"] = ledger.PublishRecord{SourceID: "v1"}
	pub := &fakePublisher{}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1"), testCandidate("v2")}},
		Publisher: pub,
		Ledger:    led,
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Published {
		t.Fatalf("expected Published, got %v: %v", res.Outcome, res.Err)
	}
	if res.Record.SourceID != "v2" {
		t.Fatalf("expected v2 selected, got %s", res.Record.SourceID)
	}
}

func TestRunCycleAllPublished(t *testing.T) {
	led := newFakeLedger()
	led.records["v1"] = ledger.PublishRecord{SourceID: "v1"}
	pub := &fakePublisher{}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: pub,
		Ledger:    led,
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != NoOp {
		t.Fatalf("expected NoOp, got %v", res.Outcome)
	}
	if pub.published != 0 {
		t.Fatal("nothing should have been published")
	}
}

func TestRunCycleDedupCheckFailureAborts(t *testing.T) {
	led := newFakeLedger()
	led.hasErr = errors.New("disk gone")
	pub := &fakePublisher{}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: pub,
		Ledger:    led,
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Failed || res.Stage != StageSelect {
		t.Fatalf("expected select-stage failure, got %v at %s", res.Outcome, res.Stage)
	}
	if pub.published != 0 {
		t.Fatal("must not publish when the dedup check is unavailable")
	}
}

func TestRunCycleAcquireFailure(t *testing.T) {
	led := newFakeLedger()
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{
			candidates: []Candidate{testCandidate("v1")},
			acquireErr: errors.New("404"),
		},
		Publisher: &fakePublisher{},
		Ledger:    led,
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Failed || res.Stage != StageAcquire {
		t.Fatalf("expected acquire-stage failure, got %v at %s", res.Outcome, res.Stage)
	}
	if !errors.Is(res.Err, ErrAcquireFailed) {
		t.Fatalf("expected ErrAcquireFailed, got %v", res.Err)
	}
	if len(led.records) != 0 {
		t.Fatal("ledger must stay untouched on pre-publish failure")
	}
}

type failingTransformer struct{}

func (failingTransformer) Process(context.Context, Asset) (Asset, error) {
	return Asset{}, errors.New("ffmpeg exit 1")
}

func TestRunCycleTransformFailure(t *testing.T) {
	r := newTestRunner(t, Config{
		Discovery:   &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Transformer: failingTransformer{},
		Publisher:   &fakePublisher{},
		Ledger:      newFakeLedger(),
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Failed || res.Stage != StageTransform {
		t.Fatalf("expected transform-stage failure, got %v at %s", res.Outcome, res.Stage)
	}
	if !errors.Is(res.Err, ErrTransformFailed) {
		t.Fatalf("expected ErrTransformFailed, got %v", res.Err)
	}
}

func TestRunCycleReauthRetriesOnce(t *testing.T) {
	pub := &fakePublisher{publishErrs: []error{ErrReauthRequired}}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: pub,
		Ledger:    newFakeLedger(),
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Published {
		t.Fatalf("expected Published after re-login, got %v: %v", res.Outcome, res.Err)
	}
	if pub.loginCalls != 1 {
		t.Fatalf("expected exactly one re-login, got %d", pub.loginCalls)
	}
}

func TestRunCycleReauthLoopBreaks(t *testing.T) {
	pub := &fakePublisher{publishErrs: []error{ErrReauthRequired, ErrReauthRequired}}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: pub,
		Ledger:    newFakeLedger(),
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Failed || res.Stage != StagePublish {
		t.Fatalf("expected publish-stage failure, got %v at %s", res.Outcome, res.Stage)
	}
	if pub.loginCalls != 1 {
		t.Fatalf("expected a single re-login attempt, got %d", pub.loginCalls)
	}
}

func TestRunCycleLoginFailure(t *testing.T) {
	pub := &fakePublisher{
		publishErrs: []error{ErrReauthRequired},
		loginErr:    errors.New("bad token"),
	}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: pub,
		Ledger:    newFakeLedger(),
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Failed || res.Stage != StageAuth {
		t.Fatalf("expected auth-stage failure, got %v at %s", res.Outcome, res.Stage)
	}
	if !errors.Is(res.Err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", res.Err)
	}
}

func TestRunCycleCaptionFallback(t *testing.T) {
	primary := &fakeCaptioner{err: errors.New("llm timeout")}
	fallback := &fakeCaptioner{caption: Caption{Text: "fallback text", Tags: []string{"daily"}}}
	led := newFakeLedger()
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Captioner: primary,
		Fallback:  fallback,
		Publisher: &fakePublisher{},
		Ledger:    led,
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Published {
		t.Fatalf("caption failure must not abort the cycle, got %v: %v", res.Outcome, res.Err)
	}
	if res.Record.Caption != "fallback text" {
		t.Fatalf("expected fallback caption, got %q", res.Record.Caption)
	}
	if fallback.calls != 1 {
		t.Fatalf("expected fallback invoked once, got %d", fallback.calls)
	}
}

func TestRunCycleUnrecorded(t *testing.T) {
	led := newFakeLedger()
	led.recordErr = errors.New("disk full")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: &fakePublisher{},
		Ledger:    led,
		Bus:       bus,
	})

	res := r.RunCycle(context.Background())
	if res.Outcome != Failed || res.Stage != StageRecord {
		t.Fatalf("expected record-stage failure, got %v at %s", res.Outcome, res.Stage)
	}
	if res.Record == nil || res.Record.PlatformPostID != "post-1" {
		t.Fatalf("record-stage failure must still report the placed post: %+v", res.Record)
	}

	var unrecorded *eventbus.CycleEvent
	for len(events) > 0 {
		if e := <-events; e.Type == "cycle.unrecorded" {
			unrecorded = e.Cycle
		}
	}
	if unrecorded == nil {
		t.Fatal("expected a cycle.unrecorded event")
	}
	if unrecorded.SourceID != "v1" || unrecorded.PostID != "post-1" {
		t.Fatalf("unrecorded event payload incomplete: %+v", unrecorded)
	}
}

// ledger wrapper that refuses writes on a dead context, like the real
// SQLite store would.
type cancelAwareLedger struct {
	*fakeLedger
}

func (c *cancelAwareLedger) RecordPublish(ctx context.Context, rec ledger.PublishRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fakeLedger.RecordPublish(ctx, rec)
}

// publisher that triggers a shutdown mid-publish.
type cancelingPublisher struct {
	fakePublisher
	cancel context.CancelFunc
}

func (p *cancelingPublisher) Publish(ctx context.Context, a Asset, c Caption) (Post, error) {
	p.cancel()
	return p.fakePublisher.Publish(ctx, a, c)
}

func TestRunCycleRecordsDespiteShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led := &cancelAwareLedger{newFakeLedger()}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: &cancelingPublisher{cancel: cancel},
		Ledger:    led,
	})

	res := r.RunCycle(ctx)
	if res.Outcome != Published {
		t.Fatalf("expected published, got %v at %s: %v", res.Outcome, res.Stage, res.Err)
	}
	if _, ok := led.records["v1"]; !ok {
		t.Fatal("confirmed post was not recorded after shutdown began")
	}
}

func TestRunCycleCleansUpAssets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}

	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{
			candidates: []Candidate{testCandidate("v1")},
			asset:      Asset{Path: path},
		},
		Publisher: &fakePublisher{},
		Ledger:    newFakeLedger(),
	})

	if res := r.RunCycle(context.Background()); res.Outcome != Published {
		t.Fatalf("expected Published, got %v: %v", res.Outcome, res.Err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected asset removed, stat err: %v", err)
	}
}

func TestRunCycleCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub := &fakePublisher{}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{candidates: []Candidate{testCandidate("v1")}},
		Publisher: pub,
		Ledger:    newFakeLedger(),
	})

	res := r.RunCycle(ctx)
	if res.Outcome != Failed {
		t.Fatalf("expected Failed on canceled context, got %v", res.Outcome)
	}
	if pub.published != 0 {
		t.Fatal("must not publish on canceled context")
	}
}

func TestRefreshMetrics(t *testing.T) {
	led := newFakeLedger()
	led.records["v1"] = ledger.PublishRecord{SourceID: "v1", PlatformPostID: "post-1"}
	led.records["v2"] = ledger.PublishRecord{SourceID: "v2", PlatformPostID: "post-hidden"}

	pub := &fakePublisher{metrics: map[string]Metrics{
		"post-1": {Likes: 10, Comments: 5, Views: 100},
	}}
	r := newTestRunner(t, Config{
		Discovery: &fakeDiscovery{},
		Publisher: pub,
		Ledger:    led,
	})

	if err := r.RefreshMetrics(context.Background(), 10); err != nil {
		t.Fatalf("RefreshMetrics: %v", err)
	}

	got := led.records["v1"]
	if got.Likes != 10 || got.Views != 100 {
		t.Fatalf("expected counters written back, got %+v", got)
	}
	if got.EngagementRate != 15.0 {
		t.Fatalf("expected engagement 15.0, got %v", got.EngagementRate)
	}
	if hidden := led.records["v2"]; hidden.Likes != 0 {
		t.Fatalf("hidden post must stay untouched: %+v", hidden)
	}
}
