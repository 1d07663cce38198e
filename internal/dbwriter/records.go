package dbwriter

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one performance sample as stored in component_samples.
type Sample struct {
	Time        time.Time       `db:"time"`
	ComponentID string          `db:"component_id"`
	Type        string          `db:"component_type"`
	Return      float64         `db:"return"`
	PnL         decimal.Decimal `db:"pnl"`
}

// TickSummary is the aggregate state after one control-loop tick.
type TickSummary struct {
	Time        time.Time       `db:"time"`
	Components  int             `db:"components"`
	Active      int             `db:"active"`
	Failed      int             `db:"failed"`
	Allocated   decimal.Decimal `db:"allocated"`
	Utilization float64         `db:"utilization"`
	DurationMs  float64         `db:"duration_ms"`
}
