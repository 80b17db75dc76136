// Package arbitration produces advisory recommendations for dispute
// resolution. An Advisor only returns values; it has no handle on escrow or
// dispute state.
package arbitration

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
)

var (
	// ErrAdvisoryUnavailable signals the advisory service could not be reached
	// or is not configured. The accompanying recommendation is manual review.
	ErrAdvisoryUnavailable = errors.New("arbitration: advisory unavailable")
)

// Verdict is the advised outcome.
type Verdict string

const (
	VerdictRelease      Verdict = "release"
	VerdictRefund       Verdict = "refund"
	VerdictManualReview Verdict = "manual_review"
)

// Request carries the text the advisor may look at.
type Request struct {
	TaskTitle         string
	TaskDescription   string
	SubmissionContent string
	DisputeReason     string
}

// Recommendation is advisory input for an admin, never a decision.
type Recommendation struct {
	Analysis   string  `json:"analysis"`
	Verdict    Verdict `json:"recommendation"`
	Confidence int     `json:"confidence"`
}

// Advisor analyses a dispute.
type Advisor interface {
	Advise(ctx context.Context, req Request) (Recommendation, error)
}

// ManualReview is the fallback recommendation.
func ManualReview(analysis string) Recommendation {
	return Recommendation{Analysis: analysis, Verdict: VerdictManualReview, Confidence: 0}
}

// Disabled is the advisor used when no model is configured.
type Disabled struct{}

func (Disabled) Advise(context.Context, Request) (Recommendation, error) {
	return ManualReview("AI service not configured"), ErrAdvisoryUnavailable
}

// ParseRecommendation decodes model output. Output that is not a JSON object
// degrades to manual review carrying the raw text; unknown verdicts become
// manual review and confidence is clamped to 0..100.
func ParseRecommendation(text string) Recommendation {
	cleaned := stripCodeFences(text)

	var raw struct {
		Analysis       string          `json:"analysis"`
		Recommendation string          `json:"recommendation"`
		Confidence     json.RawMessage `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return ManualReview(text)
	}

	rec := Recommendation{Analysis: strings.TrimSpace(raw.Analysis)}
	switch Verdict(strings.ToLower(strings.TrimSpace(raw.Recommendation))) {
	case VerdictRelease:
		rec.Verdict = VerdictRelease
	case VerdictRefund:
		rec.Verdict = VerdictRefund
	default:
		rec.Verdict = VerdictManualReview
	}
	rec.Confidence = parseConfidence(raw.Confidence)
	if rec.Verdict == VerdictManualReview {
		rec.Confidence = 0
	}
	return rec
}

func parseConfidence(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimSpace(s), "%")), &f); err != nil {
			return 0
		}
	}
	if math.IsNaN(f) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, f))))
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.ReplaceAll(trimmed, "```json", "")
	trimmed = strings.ReplaceAll(trimmed, "```", "")
	return strings.TrimSpace(trimmed)
}
