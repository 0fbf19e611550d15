// Package settings validates and clamps user-supplied generation parameters
// into safe engine inputs. Normalize is total: any input, including a nil
// one, produces a usable Settings value.
package settings

import (
	"math"

	"github.com/privateai/localchat/internal/engine"
)

// ContextStrategy selects how much prior conversation the engine sees.
type ContextStrategy string

const (
	ContextAuto    ContextStrategy = "auto"
	ContextNone    ContextStrategy = "none"
	ContextSliding ContextStrategy = "sliding"
)

// Defaults and bounds for every numeric parameter.
const (
	DefaultTemperature = 0.7
	MinTemperature     = 0.0
	MaxTemperature     = 2.0

	DefaultMaxTokens = 4096
	MinMaxTokens     = 64
	MaxMaxTokens     = 8192

	DefaultRepeatPenalty = 1.18
	MinRepeatPenalty     = 1.0
	MaxRepeatPenalty     = 2.0

	DefaultRepeatLastTokens = 256
	MinRepeatLastTokens     = 32
	MaxRepeatLastTokens     = 1024
)

// RepeatPenaltyInput is the raw repetition-control block from the request.
type RepeatPenaltyInput struct {
	Penalty         *float64 `json:"penalty"`
	LastTokens      *float64 `json:"lastTokens"`
	PenalizeNewLine *bool    `json:"penalizeNewLine"`
}

// Input is the raw, untrusted settings object from a chat request. All
// fields are optional; unrecognized fields are dropped by the JSON decoder.
type Input struct {
	Temperature     *float64            `json:"temperature"`
	MaxTokens       *float64            `json:"maxTokens"`
	TopP            *float64            `json:"topP"`
	TopK            *float64            `json:"topK"`
	ContextStrategy *string             `json:"contextStrategy"`
	MessageWindow   *float64            `json:"messageWindow"`
	RepeatPenalty   *RepeatPenaltyInput `json:"repeatPenalty"`
}

// RepeatPenalty is the normalized repetition control block.
type RepeatPenalty struct {
	Penalty         float64 `json:"penalty"`
	LastTokens      int     `json:"lastTokens"`
	PenalizeNewLine bool    `json:"penalizeNewLine"`
}

// Settings is the normalized, immutable parameter set handed to the engine.
type Settings struct {
	Temperature     float64         `json:"temperature"`
	MaxTokens       int             `json:"maxTokens"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	ContextStrategy ContextStrategy `json:"contextStrategy"`
	MessageWindow   int             `json:"messageWindow"`
	RepeatPenalty   RepeatPenalty   `json:"repeatPenalty"`
}

// Normalize coerces arbitrary input into valid Settings, substituting
// defaults for missing or non-finite values and clamping out-of-range
// numerics. It never fails and is idempotent.
func Normalize(in *Input) Settings {
	if in == nil {
		in = &Input{}
	}

	s := Settings{
		Temperature:     clampFloat(in.Temperature, DefaultTemperature, MinTemperature, MaxTemperature),
		MaxTokens:       clampInt(in.MaxTokens, DefaultMaxTokens, MinMaxTokens, MaxMaxTokens),
		ContextStrategy: normalizeStrategy(in.ContextStrategy),
		RepeatPenalty:   normalizeRepeatPenalty(in.RepeatPenalty),
	}

	if isFinite(in.TopP) {
		topP := *in.TopP
		s.TopP = &topP
	}
	if isFinite(in.TopK) {
		topK := int(math.Floor(*in.TopK))
		if topK > 0 {
			s.TopK = &topK
		}
	}

	if s.ContextStrategy == ContextSliding && isFinite(in.MessageWindow) && *in.MessageWindow > 0 {
		s.MessageWindow = int(math.Floor(*in.MessageWindow))
	}

	return s
}

// Input converts a normalized Settings back into an Input, so that
// Normalize(s.Input()) == s. Used to verify idempotence.
func (s Settings) Input() *Input {
	strategy := string(s.ContextStrategy)
	temperature := s.Temperature
	maxTokens := float64(s.MaxTokens)
	window := float64(s.MessageWindow)
	in := &Input{
		Temperature:     &temperature,
		MaxTokens:       &maxTokens,
		ContextStrategy: &strategy,
		MessageWindow:   &window,
		RepeatPenalty: &RepeatPenaltyInput{
			Penalty:         &s.RepeatPenalty.Penalty,
			PenalizeNewLine: &s.RepeatPenalty.PenalizeNewLine,
		},
	}
	lastTokens := float64(s.RepeatPenalty.LastTokens)
	in.RepeatPenalty.LastTokens = &lastTokens
	if s.TopP != nil {
		topP := *s.TopP
		in.TopP = &topP
	}
	if s.TopK != nil {
		topK := float64(*s.TopK)
		in.TopK = &topK
	}
	return in
}

// EngineParams maps the normalized settings to the engine's parameter shape.
func (s Settings) EngineParams() engine.Params {
	params := engine.Params{
		Temperature: s.Temperature,
		MaxTokens:   int64(s.MaxTokens),
		RepeatPenalty: engine.RepeatPenalty{
			Penalty:         s.RepeatPenalty.Penalty,
			LastTokens:      s.RepeatPenalty.LastTokens,
			PenalizeNewLine: s.RepeatPenalty.PenalizeNewLine,
		},
		ContextHint: string(s.ContextStrategy),
	}
	if s.TopP != nil {
		topP := *s.TopP
		params.TopP = &topP
	}
	if s.TopK != nil {
		topK := int64(*s.TopK)
		params.TopK = &topK
	}
	return params
}

// WindowHistory applies the sliding-window policy to the full history. For
// the sliding strategy with window w it keeps the most recent
// max(2, floor(w)*2) entries; the doubling accounts for paired
// user/assistant turns. A window of zero, or any other strategy, keeps the
// full history.
func (s Settings) WindowHistory(history []engine.Message) []engine.Message {
	if s.ContextStrategy != ContextSliding || s.MessageWindow <= 0 {
		return history
	}
	keep := s.MessageWindow * 2
	if keep < 2 {
		keep = 2
	}
	if keep >= len(history) {
		return history
	}
	return history[len(history)-keep:]
}

func normalizeStrategy(raw *string) ContextStrategy {
	if raw == nil {
		return ContextAuto
	}
	switch ContextStrategy(*raw) {
	case ContextNone:
		return ContextNone
	case ContextSliding:
		return ContextSliding
	default:
		return ContextAuto
	}
}

func normalizeRepeatPenalty(raw *RepeatPenaltyInput) RepeatPenalty {
	if raw == nil {
		raw = &RepeatPenaltyInput{}
	}
	rp := RepeatPenalty{
		Penalty:         clampFloat(raw.Penalty, DefaultRepeatPenalty, MinRepeatPenalty, MaxRepeatPenalty),
		LastTokens:      clampInt(raw.LastTokens, DefaultRepeatLastTokens, MinRepeatLastTokens, MaxRepeatLastTokens),
		PenalizeNewLine: true,
	}
	if raw.PenalizeNewLine != nil {
		rp.PenalizeNewLine = *raw.PenalizeNewLine
	}
	return rp
}

func isFinite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func clampFloat(v *float64, fallback, min, max float64) float64 {
	if !isFinite(v) {
		return fallback
	}
	if *v < min {
		return min
	}
	if *v > max {
		return max
	}
	return *v
}

func clampInt(v *float64, fallback, min, max int) int {
	if !isFinite(v) {
		return fallback
	}
	i := int(math.Floor(*v))
	if i < min {
		return min
	}
	if i > max {
		return max
	}
	return i
}
