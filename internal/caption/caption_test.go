package caption

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"reelbot/internal/pipeline"
)

func TestTemplateDeterministic(t *testing.T) {
	p := NewTemplate(Config{Style: "casual", Category: "motivation", CallToAction: true})
	cand := pipeline.Candidate{SourceID: "yt:abc", Title: "Never give up"}

	first, err := p.Generate(context.Background(), cand)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := p.Generate(context.Background(), cand)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first.Text != second.Text {
		t.Fatalf("same candidate produced different captions:\n%q\n%q", first.Text, second.Text)
	}
	if !strings.Contains(first.Text, "Never give up") {
		t.Fatalf("caption missing title: %q", first.Text)
	}
}

func TestTemplateUnknownStyleFallsBack(t *testing.T) {
	p := NewTemplate(Config{Style: "dramatic"})
	got, err := p.Generate(context.Background(), pipeline.Candidate{SourceID: "x", Title: "T"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Text == "" {
		t.Fatal("expected a caption for unknown style")
	}
}

func TestBuildTagsPriorityAndCap(t *testing.T) {
	tags := buildTags(Config{
		Category:     "Motivation",
		HashtagCount: 5,
		CustomTags:   []string{"#MyBrand", "motivation"},
	})
	if len(tags) != 5 {
		t.Fatalf("expected 5 tags, got %v", tags)
	}
	if tags[0] != "mybrand" {
		t.Fatalf("custom tags come first, got %v", tags)
	}
	seen := map[string]bool{}
	for _, tag := range tags {
		if seen[tag] {
			t.Fatalf("duplicate tag %q in %v", tag, tags)
		}
		seen[tag] = true
	}
}

func TestLLMGenerateParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"CAPTION: Rise and grind.\nHASHTAGS: #motivation #grind"}}]}`))
	}))
	defer srv.Close()

	p, err := NewLLM(
		Config{Category: "motivation", HashtagCount: 10, CustomTags: []string{"mybrand"}},
		LLMConfig{BaseURL: srv.URL, APIKey: "test-key"},
	)
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}

	got, err := p.Generate(context.Background(), pipeline.Candidate{SourceID: "x", Title: "Rise"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Text != "Rise and grind." {
		t.Fatalf("unexpected caption: %q", got.Text)
	}
	want := []string{"motivation", "grind", "mybrand"}
	if len(got.Tags) != len(want) {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
	for i, tag := range want {
		if got.Tags[i] != tag {
			t.Fatalf("tag %d: got %q, want %q (all: %v)", i, got.Tags[i], tag, got.Tags)
		}
	}
}

func TestLLMGenerateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewLLM(Config{}, LLMConfig{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	if _, err := p.Generate(context.Background(), pipeline.Candidate{Title: "T"}); err == nil {
		t.Fatal("expected error on http 429")
	}
}

func TestLLMGenerateRejectsMissingCaptionLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"just prose, no protocol"}}]}`))
	}))
	defer srv.Close()

	p, err := NewLLM(Config{}, LLMConfig{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	if _, err := p.Generate(context.Background(), pipeline.Candidate{Title: "T"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewLLMValidation(t *testing.T) {
	if _, err := NewLLM(Config{}, LLMConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := NewLLM(Config{}, LLMConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error without base url")
	}
}
