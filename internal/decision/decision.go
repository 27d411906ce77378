// Package decision maps risk scores to settlement actions.
//
// Thresholds are configured once at construction. The block threshold
// adapts upward for users with an established record of allowed
// transactions and for small amounts; adjustments only ever raise it, so a
// stricter configuration is never silently loosened.
package decision

// Action is the settlement action for a transaction.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDelay Action = "DELAY"
	ActionBlock Action = "BLOCK"
)

// Risk levels reported on the submit result.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// smallAmountPaise is the amount at or under which blocking needs a higher
// score (false positives on small payments are mostly noise).
const smallAmountPaise = 2000 * 100

// smallAmountBlockFloor is the minimum effective block threshold for small
// amounts.
const smallAmountBlockFloor = 0.75

// Input carries everything a decision needs.
type Input struct {
	Score          float64
	Amount         int64 // paise
	TodaySpend     int64 // paise, settled so far today
	DailyLimit     int64 // paise
	AllowedLast24h int   // allowed transactions in the trailing 24h
}

// Outcome is the decision plus the context it was made in.
type Outcome struct {
	Action            Action  `json:"action"`
	RiskLevel         string  `json:"risk_level"`
	ExceedsDailyLimit bool    `json:"exceeds_daily_limit"`
	DelayThreshold    float64 `json:"delay_threshold"`
	BlockThreshold    float64 `json:"block_threshold"` // effective, after adaptation
}

// Engine applies the decision table.
type Engine struct {
	delay float64
	block float64
}

// NewEngine creates a decision engine with base thresholds.
func NewEngine(delayThreshold, blockThreshold float64) *Engine {
	return &Engine{delay: delayThreshold, block: blockThreshold}
}

// Decide applies the first-match decision table:
// score ≥ block → BLOCK; score ≥ delay or limit exceeded → DELAY; else ALLOW.
func (e *Engine) Decide(in Input) Outcome {
	block := e.effectiveBlockThreshold(in)

	out := Outcome{
		RiskLevel:         riskLevel(in.Score, e.delay, block),
		ExceedsDailyLimit: in.DailyLimit > 0 && in.TodaySpend+in.Amount > in.DailyLimit,
		DelayThreshold:    e.delay,
		BlockThreshold:    block,
	}

	switch {
	case in.Score >= block:
		out.Action = ActionBlock
	case in.Score >= e.delay || out.ExceedsDailyLimit:
		out.Action = ActionDelay
	default:
		out.Action = ActionAllow
	}
	return out
}

// effectiveBlockThreshold raises the base block threshold for users with a
// trailing-24h record of allowed transactions and for small amounts. Never
// lower than the configured base.
func (e *Engine) effectiveBlockThreshold(in Input) float64 {
	block := e.block

	switch {
	case in.AllowedLast24h >= 10:
		block = max(block, 0.90)
	case in.AllowedLast24h >= 5:
		block = max(block, 0.80)
	case in.AllowedLast24h >= 2:
		block = max(block, 0.70)
	}

	if in.Amount <= smallAmountPaise {
		block = max(block, smallAmountBlockFloor)
	}
	return block
}

func riskLevel(score, delay, block float64) string {
	switch {
	case score >= block:
		return RiskHigh
	case score >= delay:
		return RiskMedium
	default:
		return RiskLow
	}
}
