package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ErrRateLimited = errors.New("llm: rate limited")
	ErrUnavailable = errors.New("llm: unavailable")
)

type Options struct {
	System      string
	MaxTokens   int
	Temperature float64
}

type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

const (
	SourceModel    = "model"
	SourceTemplate = "template"
)

// Degraded reports whether err means the model should be skipped in favour
// of the fallback path.
func Degraded(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// Template is the deterministic, model-free generator. The same prompt
// always produces the same text.
type Template struct {
	Format   string
	MaxWords int
}

func (t Template) Generate(_ context.Context, prompt string, _ Options) (string, error) {
	format := t.Format
	if format == "" {
		format = "Draft: %s"
	}
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return "", fmt.Errorf("template generator: empty prompt")
	}
	limit := t.MaxWords
	if limit <= 0 {
		limit = 60
	}
	suffix := ""
	if len(words) > limit {
		words = words[:limit]
		suffix = " ..."
	}
	return fmt.Sprintf(format, strings.Join(words, " ")+suffix), nil
}

// Fallback tries Primary and switches to Secondary when Primary is rate
// limited or unavailable. Other errors are returned unchanged.
type Fallback struct {
	Primary   Generator
	Secondary Generator
	Logger    logrus.FieldLogger
}

func (f Fallback) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	text, _, err := f.GenerateWithSource(ctx, prompt, opts)
	return text, err
}

func (f Fallback) GenerateWithSource(ctx context.Context, prompt string, opts Options) (string, string, error) {
	if f.Primary != nil {
		text, err := f.Primary.Generate(ctx, prompt, opts)
		if err == nil {
			return text, SourceModel, nil
		}
		if !Degraded(err) {
			return "", SourceModel, err
		}
		if f.Logger != nil {
			f.Logger.WithError(err).Warn("llm degraded; using template fallback")
		}
	}
	secondary := f.Secondary
	if secondary == nil {
		secondary = Template{}
	}
	text, err := secondary.Generate(ctx, prompt, opts)
	if err != nil {
		return "", SourceTemplate, fmt.Errorf("fallback generate: %w", err)
	}
	return text, SourceTemplate, nil
}
