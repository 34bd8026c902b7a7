package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

type textInput struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

type textOutput struct {
	Text string `json:"text"`
}

type waitInput struct {
	DurationMS int64 `json:"duration_ms"`
}

// Builtin returns the text utility operations every demo agent carries.
func Builtin() Operations {
	return Operations{
		"echo":      echo,
		"transform": transform,
		"wait":      wait,
	}
}

func echo(_ context.Context, req Request) (any, error) {
	if len(req.Input) == 0 {
		return map[string]any{}, nil
	}
	return req.Input, nil
}

func transform(_ context.Context, req Request) (any, error) {
	var in textInput
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	text := in.Text
	if text == "" {
		text = upstreamText(req.DependencyResults)
	}
	if text == "" {
		return nil, fmt.Errorf("transform: no text in input or upstream results")
	}

	switch strings.ToLower(in.Mode) {
	case "", "upper":
		text = strings.ToUpper(text)
	case "lower":
		text = strings.ToLower(text)
	case "reverse":
		r := []rune(text)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		text = string(r)
	case "title":
		r := []rune(text)
		prev := ' '
		for i, c := range r {
			if unicode.IsSpace(prev) {
				r[i] = unicode.ToUpper(c)
			}
			prev = c
		}
		text = string(r)
	default:
		return nil, fmt.Errorf("transform: unknown mode %q", in.Mode)
	}
	return textOutput{Text: text}, nil
}

func wait(ctx context.Context, req Request) (any, error) {
	var in waitInput
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	d := time.Duration(in.DurationMS) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"waited_ms": in.DurationMS}, nil
	}
}

// upstreamText joins the "text" fields of dependency results in step id
// order.
func upstreamText(results map[string]json.RawMessage) string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var parts []string
	for _, id := range ids {
		var out textOutput
		if err := json.Unmarshal(results[id], &out); err == nil && out.Text != "" {
			parts = append(parts, out.Text)
		}
	}
	return strings.Join(parts, "\n")
}
