package service

import "app/internal/model"

// TokenEstimator predicts the input token cost of a chat request before the
// provider call. The ratio heuristic is deliberately approximate; the
// interface exists so a provider-supplied tokenizer can replace it without
// touching the reservation protocol.
type TokenEstimator interface {
	EstimateInput(question string, history []model.ChatTurn) int64
}

// CharRatioEstimator estimates tokens as ceil(chars / CharsPerToken),
// clamped to [Min, Max].
type CharRatioEstimator struct {
	CharsPerToken int64
	Min           int64
	Max           int64
}

// NewCharRatioEstimator returns an estimator with the given ratio and
// inclusive clamp bounds.
func NewCharRatioEstimator(charsPerToken, minTokens, maxTokens int64) *CharRatioEstimator {
	return &CharRatioEstimator{CharsPerToken: charsPerToken, Min: minTokens, Max: maxTokens}
}

func (e *CharRatioEstimator) EstimateInput(question string, history []model.ChatTurn) int64 {
	chars := int64(len(question))
	for _, turn := range history {
		if turn.Role == "user" || turn.Role == "assistant" {
			chars += int64(len(turn.Content))
		}
	}
	estimate := (chars + e.CharsPerToken - 1) / e.CharsPerToken
	if estimate < e.Min {
		return e.Min
	}
	if estimate > e.Max {
		return e.Max
	}
	return estimate
}
