package model

// QuotaPeriod is the granularity of a usage counter window.
type QuotaPeriod string

const (
	PeriodDaily   QuotaPeriod = "daily"
	PeriodMonthly QuotaPeriod = "monthly"
	PeriodNone    QuotaPeriod = "none"
)

// TokenUsage holds the accumulated token counts for one
// (user, period key, model) counter row.
type TokenUsage struct {
	InputTokens  int64 `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64 `db:"output_tokens" json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}
