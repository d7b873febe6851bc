// Package judge adapts the image generation and judging services. The stub
// implementation is deterministic so tests and local runs can play full
// battles without the external services.
package judge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
)

var ErrNoSubmissions = errors.New("nothing to judge")

// Service generates one output per prompt and scores the pair.
type Service interface {
	Generate(ctx context.Context, battleID int64, prompts map[int64]string) (map[int64]string, error)
	Judge(ctx context.Context, challenge engine.Challenge, subs map[int64]engine.Submission) (engine.Verdict, error)
}

// Criteria names the scored dimensions, each out of 10.
var Criteria = []string{"relevance", "creativity", "detail"}

type Stub struct {
	// OutputBase prefixes generated output URLs.
	OutputBase string
	// Delay simulates service latency for each call.
	Delay time.Duration
}

func (s Stub) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s Stub) Generate(ctx context.Context, battleID int64, prompts map[int64]string) (map[int64]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	base := strings.TrimRight(s.OutputBase, "/")
	if base == "" {
		base = "https://images.invalid"
	}
	out := make(map[int64]string, len(prompts))
	for id, p := range prompts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out[id] = fmt.Sprintf("%s/battles/%d/%d-%08x.png", base, battleID, id, hash(p))
	}
	return out, nil
}

func (s Stub) Judge(ctx context.Context, challenge engine.Challenge, subs map[int64]engine.Submission) (engine.Verdict, error) {
	if len(subs) == 0 {
		return engine.Verdict{}, ErrNoSubmissions
	}
	if err := s.wait(ctx); err != nil {
		return engine.Verdict{}, fmt.Errorf("judge: %w", err)
	}
	v := engine.Verdict{Scores: make(map[int64]engine.Score, len(subs))}
	best, bestID, tie := -1.0, int64(0), false
	for id, sub := range subs {
		sc := score(challenge, sub)
		v.Scores[id] = sc
		switch {
		case sc.Total > best:
			best, bestID, tie = sc.Total, id, false
		case sc.Total == best:
			tie = true
		}
	}
	if !tie && best > 0 {
		w := bestID
		v.WinnerID = &w
	}
	return v, nil
}

// score is a deterministic heuristic: word overlap with the challenge, prompt
// length and vocabulary spread. Forfeits score zero.
func score(ch engine.Challenge, sub engine.Submission) engine.Score {
	if sub.Forfeit || strings.TrimSpace(sub.Prompt) == "" {
		return engine.Score{Criteria: map[string]int{"relevance": 0, "creativity": 0, "detail": 0}, Feedback: "No prompt was submitted."}
	}
	words := strings.Fields(strings.ToLower(sub.Prompt))
	target := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(ch.Text)) {
		if len(w) > 3 {
			target[strings.Trim(w, ".,!?")] = true
		}
	}
	seen := make(map[string]bool)
	overlap := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?")
		if target[w] && !seen[w] {
			overlap++
		}
		seen[w] = true
	}

	relevance := clamp(2 + overlap*2)
	detail := clamp(len(words) / 3)
	creativity := clamp(len(seen)/2 + int(hash(sub.Prompt)%3))
	total := math.Round(float64(relevance+creativity+detail)/3*10) / 10

	return engine.Score{
		Total:    total,
		Criteria: map[string]int{"relevance": relevance, "creativity": creativity, "detail": detail},
		Feedback: feedback(relevance, detail),
	}
}

func feedback(relevance, detail int) string {
	switch {
	case relevance < 4:
		return "Stay closer to the challenge subject."
	case detail < 4:
		return "Add more visual detail: lighting, style, composition."
	default:
		return "Strong, specific prompt."
	}
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 10:
		return 10
	}
	return v
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
