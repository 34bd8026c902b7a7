package llm

import (
	"context"
	"errors"
	"testing"
)

type stubGenerator struct {
	text  string
	err   error
	calls int
}

func (s *stubGenerator) Generate(context.Context, string, Options) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestTemplateIsDeterministic(t *testing.T) {
	tpl := Template{MaxWords: 3}
	a, err := tpl.Generate(context.Background(), "  write   a launch note today ", Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := tpl.Generate(context.Background(), "write a launch note today", Options{})
	if a != b || a != "Draft: write a launch ..." {
		t.Fatalf("template output a=%q b=%q", a, b)
	}
	if _, err := tpl.Generate(context.Background(), "   ", Options{}); err == nil {
		t.Fatalf("empty prompt should fail")
	}
}

func TestFallbackOnDegradedPrimary(t *testing.T) {
	for _, cause := range []error{ErrRateLimited, ErrUnavailable} {
		primary := &stubGenerator{err: cause}
		text, source, err := Fallback{Primary: primary}.GenerateWithSource(context.Background(), "hello", Options{})
		if err != nil {
			t.Fatalf("cause=%v err=%v", cause, err)
		}
		if source != SourceTemplate || text != "Draft: hello" {
			t.Fatalf("cause=%v text=%q source=%s", cause, text, source)
		}
	}
}

func TestFallbackKeepsHardErrors(t *testing.T) {
	bad := errors.New("invalid request")
	_, _, err := Fallback{Primary: &stubGenerator{err: bad}}.GenerateWithSource(context.Background(), "hello", Options{})
	if !errors.Is(err, bad) {
		t.Fatalf("err=%v want %v", err, bad)
	}

	text, source, err := Fallback{Primary: &stubGenerator{text: "model text"}}.GenerateWithSource(context.Background(), "hello", Options{})
	if err != nil || text != "model text" || source != SourceModel {
		t.Fatalf("text=%q source=%s err=%v", text, source, err)
	}
}

func TestAnthropicLocalRateLimit(t *testing.T) {
	gen, err := NewAnthropic(AnthropicConfig{APIKey: "test-key", RequestsPerMinute: 1})
	if err != nil {
		t.Fatalf("new anthropic: %v", err)
	}
	if !gen.limiter.Allow() {
		t.Fatalf("fresh limiter should allow one request")
	}
	if _, err := gen.Generate(context.Background(), "hi", Options{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v want ErrRateLimited", err)
	}
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Fatalf("missing key should fail")
	}
}
