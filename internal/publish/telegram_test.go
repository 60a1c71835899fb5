package publish

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"reelbot/internal/pipeline"
	logx "reelbot/pkg/logx"
)

type fakeBot struct {
	sendErr  error
	lastWhat interface{}
	lastTo   tele.Recipient
	msg      *tele.Message
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.lastTo = to
	f.lastWhat = what
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.msg != nil {
		return f.msg, nil
	}
	return &tele.Message{ID: 42, Chat: &tele.Chat{ID: -1001234567890}}, nil
}

func newTestTelegram(t *testing.T, bot *fakeBot) *Telegram {
	t.Helper()
	p, err := NewTelegram(Config{Token: "token", ChatID: -1001234567890, RatePerSec: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	p.newBot = func(string) (sender, error) { return bot, nil }
	return p
}

func TestPublishRequiresSession(t *testing.T) {
	p := newTestTelegram(t, &fakeBot{})

	_, err := p.Publish(context.Background(), pipeline.Asset{Path: "/tmp/v.mp4"}, pipeline.Caption{})
	if !errors.Is(err, pipeline.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired before login, got %v", err)
	}
}

func TestPublishSendsVideo(t *testing.T) {
	bot := &fakeBot{}
	p := newTestTelegram(t, bot)
	if err := p.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	post, err := p.Publish(context.Background(),
		pipeline.Asset{Path: "/tmp/v.mp4", MIME: "video/mp4"},
		pipeline.Caption{Text: "Keep going", Tags: []string{"motivation", "daily"}},
	)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if post.ID != "42" {
		t.Fatalf("unexpected post id: %q", post.ID)
	}
	if post.URL != "https://t.me/c/1234567890/42" {
		t.Fatalf("unexpected url: %q", post.URL)
	}

	video, ok := bot.lastWhat.(*tele.Video)
	if !ok {
		t.Fatalf("expected a video payload, got %T", bot.lastWhat)
	}
	if !strings.Contains(video.Caption, "Keep going") || !strings.Contains(video.Caption, "#motivation #daily") {
		t.Fatalf("unexpected caption: %q", video.Caption)
	}
	if !video.Streaming {
		t.Fatal("expected streaming flag set")
	}
}

func TestPublishMapsUnauthorized(t *testing.T) {
	bot := &fakeBot{sendErr: &tele.Error{Code: 401, Description: "Unauthorized"}}
	p := newTestTelegram(t, bot)
	if err := p.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err := p.Publish(context.Background(), pipeline.Asset{Path: "/tmp/v.mp4"}, pipeline.Caption{})
	if !errors.Is(err, pipeline.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired on 401, got %v", err)
	}
}

func TestPublishWrapsOtherErrors(t *testing.T) {
	bot := &fakeBot{sendErr: &tele.Error{Code: 400, Description: "file too big"}}
	p := newTestTelegram(t, bot)
	if err := p.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err := p.Publish(context.Background(), pipeline.Asset{Path: "/tmp/v.mp4"}, pipeline.Caption{})
	if !errors.Is(err, pipeline.ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
}

func TestFetchMetricsUnavailable(t *testing.T) {
	p := newTestTelegram(t, &fakeBot{})
	_, err := p.FetchMetrics(context.Background(), "42")
	if !errors.Is(err, pipeline.ErrNoMetrics) {
		t.Fatalf("expected ErrNoMetrics, got %v", err)
	}
}

func TestComposeCaptionTruncates(t *testing.T) {
	long := strings.Repeat("a", 2*captionLimit)
	got := composeCaption(pipeline.Caption{Text: long, Tags: []string{"tag"}})
	if len(got) > captionLimit {
		t.Fatalf("caption exceeds limit: %d", len(got))
	}
	if !strings.HasSuffix(got, "#tag") {
		t.Fatalf("hashtags must survive truncation: %q", got[len(got)-20:])
	}
}

func TestMessageURLPublicChannel(t *testing.T) {
	msg := &tele.Message{ID: 7, Chat: &tele.Chat{Username: "mychannel"}}
	if got := messageURL(msg, -1001234567890); got != "https://t.me/mychannel/7" {
		t.Fatalf("unexpected url: %q", got)
	}
}

func TestNewTelegramValidation(t *testing.T) {
	if _, err := NewTelegram(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("expected error without token")
	}
	if _, err := NewTelegram(Config{Token: "t"}, logx.Nop()); err == nil {
		t.Fatal("expected error without chat id")
	}
}
