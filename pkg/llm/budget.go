package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBudgetExhausted is returned when the daily spending cap is reached.
var ErrBudgetExhausted = errors.New("daily LLM budget exhausted")

// alertCooldown limits each alert type to one emission per hour per day.
const alertCooldown = time.Hour

// Alert types emitted by the budget.
const (
	AlertThresholdReached = "threshold_reached"
	AlertLimitExceeded    = "limit_exceeded"
)

// Budget tracks LLM spend per UTC day. The counter rolls over at UTC
// midnight; a zero limit disables enforcement.
type Budget struct {
	mu         sync.Mutex
	limitUSD   float64
	threshold  float64
	dailyCosts map[string]float64
	lastAlert  map[string]time.Time

	now     func() time.Time
	logger  *slog.Logger
	onAlert func(alertType string)
}

// NewBudget creates a Budget. onAlert may be nil; it is invoked outside the
// lock for metrics.
func NewBudget(limitUSD, threshold float64, logger *slog.Logger, onAlert func(alertType string)) *Budget {
	return &Budget{
		limitUSD:   limitUSD,
		threshold:  threshold,
		dailyCosts: make(map[string]float64),
		lastAlert:  make(map[string]time.Time),
		now:        time.Now,
		logger:     logger,
		onAlert:    onAlert,
	}
}

// WithClock overrides the clock, used by tests.
func (b *Budget) WithClock(now func() time.Time) *Budget {
	b.now = now
	return b
}

func (b *Budget) today() string {
	return b.now().UTC().Format("2006-01-02")
}

// Check reports whether another LLM call fits today's budget.
func (b *Budget) Check() error {
	if b.limitUSD <= 0 {
		return nil
	}
	b.mu.Lock()
	spent := b.dailyCosts[b.today()]
	b.mu.Unlock()
	if spent >= b.limitUSD {
		return fmt.Errorf("%w: spent %.4f of %.4f USD", ErrBudgetExhausted, spent, b.limitUSD)
	}
	return nil
}

// Record adds one call's cost to today's total and fires alerts as
// thresholds are crossed.
func (b *Budget) Record(costUSD float64) {
	day := b.today()

	b.mu.Lock()
	b.dailyCosts[day] += costUSD
	spent := b.dailyCosts[day]

	var alerts []string
	if b.limitUSD > 0 {
		if spent >= b.limitUSD*b.threshold && b.shouldAlert(AlertThresholdReached, day) {
			alerts = append(alerts, AlertThresholdReached)
		}
		if spent >= b.limitUSD && b.shouldAlert(AlertLimitExceeded, day) {
			alerts = append(alerts, AlertLimitExceeded)
		}
	}
	b.mu.Unlock()

	for _, alertType := range alerts {
		b.logger.Warn("LLM budget alert",
			"alert_type", alertType,
			"spent_usd", spent,
			"daily_limit_usd", b.limitUSD,
			"date", day,
		)
		if b.onAlert != nil {
			b.onAlert(alertType)
		}
	}
}

// shouldAlert is called with the lock held.
func (b *Budget) shouldAlert(alertType, day string) bool {
	key := alertType + "_" + day
	if last, ok := b.lastAlert[key]; ok && b.now().Sub(last) < alertCooldown {
		return false
	}
	b.lastAlert[key] = b.now()
	return true
}

// SpentToday returns today's accumulated spend in USD.
func (b *Budget) SpentToday() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dailyCosts[b.today()]
}

// Summary is the budget status served by the admin API.
type Summary struct {
	Date      string             `json:"date"`
	SpentUSD  float64            `json:"spent_usd"`
	LimitUSD  float64            `json:"limit_usd"`
	Exhausted bool               `json:"exhausted"`
	LastWeek  map[string]float64 `json:"last_week"`
}

// Summarize reports today's spend plus the trailing week.
func (b *Budget) Summarize() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := b.today()
	spent := b.dailyCosts[day]
	week := make(map[string]float64, 7)
	for i := 0; i < 7; i++ {
		d := b.now().UTC().AddDate(0, 0, -i).Format("2006-01-02")
		week[d] = b.dailyCosts[d]
	}
	return Summary{
		Date:      day,
		SpentUSD:  spent,
		LimitUSD:  b.limitUSD,
		Exhausted: b.limitUSD > 0 && spent >= b.limitUSD,
		LastWeek:  week,
	}
}
