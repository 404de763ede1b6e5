package service

import (
	"time"

	"app/internal/model"
)

// QuotaPlan maps a role onto a counter period and per-model token limits.
// A model missing from Models (or mapped to 0) is forbidden for the role.
type QuotaPlan struct {
	Period model.QuotaPeriod
	Models map[string]int64
}

// PlanTable is the static role -> plan configuration.
type PlanTable map[string]QuotaPlan

// ImageLimitTable maps role -> image model -> daily generation count.
// UnlimitedImages bypasses the counter entirely.
type ImageLimitTable map[string]map[string]int64

// UnlimitedImages marks a role/model pair with no daily image cap.
const UnlimitedImages int64 = -1

// DefaultPlanTable returns the shipped tier limits.
func DefaultPlanTable() PlanTable {
	return PlanTable{
		model.TierFree: {
			Period: model.PeriodDaily,
			Models: map[string]int64{
				"gpt-4o-mini": 6_000,
			},
		},
		model.TierPlus: {
			Period: model.PeriodMonthly,
			Models: map[string]int64{
				"gpt-5-mini":  1_000_000,
				"gpt-4o-mini": 2_000_000,
			},
		},
		model.TierPro: {
			Period: model.PeriodMonthly,
			Models: map[string]int64{
				"gpt-5-mini":  3_000_000,
				"gpt-4o-mini": 2_000_000,
			},
		},
		model.TierAdmin: {
			Period: model.PeriodNone,
			Models: map[string]int64{},
		},
	}
}

// DefaultImageLimits returns the shipped per-day image generation limits.
func DefaultImageLimits() ImageLimitTable {
	return ImageLimitTable{
		model.TierFree:  {"dall-e-2": 0, "dall-e-3": 0},
		model.TierPlus:  {"dall-e-2": 1, "dall-e-3": 0},
		model.TierPro:   {"dall-e-2": 4, "dall-e-3": 2},
		model.TierAdmin: {"dall-e-2": UnlimitedImages, "dall-e-3": UnlimitedImages},
	}
}

// Plan returns the plan for a role, falling back to the free plan.
func (t PlanTable) Plan(role string) QuotaPlan {
	if plan, ok := t[role]; ok {
		return plan
	}
	return t[model.TierFree]
}

// AllowedChatModels returns the chat models a role may request. Paid roles
// may request any model from any paid plan; free roles only their own.
func (t PlanTable) AllowedChatModels(role string) map[string]bool {
	allowed := make(map[string]bool)
	switch role {
	case model.TierAdmin, model.TierPro, model.TierPlus:
		for _, tier := range []string{model.TierPlus, model.TierPro} {
			for m := range t.Plan(tier).Models {
				allowed[m] = true
			}
		}
	default:
		for m := range t.Plan(model.TierFree).Models {
			allowed[m] = true
		}
	}
	return allowed
}

// DefaultChatModel returns the model used when the request names none.
func DefaultChatModel(role string) string {
	switch role {
	case model.TierAdmin, model.TierPro, model.TierPlus:
		return "gpt-5-mini"
	default:
		return "gpt-4o-mini"
	}
}

// periodKey renders the current usage window for a timezone. Day keys are
// YYYY-MM-DD, month keys YYYY-MM. A rollover simply addresses a different
// counter row; nothing needs resetting.
func periodKey(period model.QuotaPeriod, tz string, now time.Time) string {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	switch period {
	case model.PeriodMonthly:
		return now.In(loc).Format("2006-01")
	default:
		return now.In(loc).Format("2006-01-02")
	}
}
