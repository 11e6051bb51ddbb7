// Package cost tracks inference spend per backend and per day.
package cost

import (
	"log"
	"sync"
	"time"
)

// BudgetStatus represents the current state of daily spend against the limit.
type BudgetStatus int

const (
	// BudgetOK indicates spend is below the warning threshold.
	BudgetOK BudgetStatus = iota
	// BudgetWarning indicates spend is between the warning threshold and the limit.
	BudgetWarning
	// BudgetExhausted indicates the daily limit is fully consumed.
	BudgetExhausted
)

// String returns a human-readable representation of the budget status.
func (s BudgetStatus) String() string {
	switch s {
	case BudgetOK:
		return "OK"
	case BudgetWarning:
		return "Warning"
	case BudgetExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the fraction of the daily limit at which warnings begin.
const DefaultWarningThreshold = 0.80

// Entry is one recorded charge.
type Entry struct {
	Backend string
	Amount  float64
	At      time.Time
}

// Sink receives every recorded entry. Implementations must not block for long;
// the ledger calls them outside its lock.
type Sink interface {
	RecordCost(e Entry) error
}

// Ledger is the process-wide running total of spend per backend.
// All methods are safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	dailyLimit       float64
	warningThreshold float64

	day        string
	today      float64
	reserved   float64
	todayBy    map[string]float64
	lifetimeBy map[string]float64

	sink Sink
	now  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink forwards every recorded entry to s.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithClock overrides the time source used for day rollover.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithWarningThreshold sets the warning fraction, clamped to [0,1].
func WithWarningThreshold(threshold float64) Option {
	return func(l *Ledger) {
		if threshold < 0 {
			threshold = 0
		}
		if threshold > 1 {
			threshold = 1
		}
		l.warningThreshold = threshold
	}
}

// NewLedger creates a ledger with the given daily limit. A limit <= 0 means unlimited.
func NewLedger(dailyLimit float64, opts ...Option) *Ledger {
	l := &Ledger{
		dailyLimit:       dailyLimit,
		warningThreshold: DefaultWarningThreshold,
		todayBy:          make(map[string]float64),
		lifetimeBy:       make(map[string]float64),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.day = dayKey(l.now())
	return l
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// rollover resets the daily totals when the calendar day changes.
// Must be called with lock held.
func (l *Ledger) rollover() {
	day := dayKey(l.now())
	if day == l.day {
		return
	}
	l.day = day
	l.today = 0
	l.todayBy = make(map[string]float64)
}

// Record adds amount to the backend's totals. Negative amounts are ignored.
func (l *Ledger) Record(backend string, amount float64) {
	if amount <= 0 {
		return
	}

	l.mu.Lock()
	l.rollover()
	before := l.statusLocked()
	l.today += amount
	l.todayBy[backend] += amount
	l.lifetimeBy[backend] += amount
	after := l.statusLocked()
	at := l.now()
	sink := l.sink
	l.mu.Unlock()

	if after != before && after != BudgetOK {
		log.Printf("[cost] daily spend %s: $%.4f of $%.2f", after, l.SpentToday(), l.dailyLimit)
	}
	if sink != nil {
		if err := sink.RecordCost(Entry{Backend: backend, Amount: amount, At: at}); err != nil {
			log.Printf("[cost] persist entry for %s: %v", backend, err)
		}
	}
}

// Restore seeds today's totals, typically from persisted entries at startup.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover()
	for _, e := range entries {
		l.lifetimeBy[e.Backend] += e.Amount
		if dayKey(e.At) == l.day {
			l.today += e.Amount
			l.todayBy[e.Backend] += e.Amount
		}
	}
}

// SpentToday returns the total spend for the current day.
func (l *Ledger) SpentToday() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.today
}

// SpentBy returns today's spend for one backend.
func (l *Ledger) SpentBy(backend string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.todayBy[backend]
}

// Totals returns a copy of today's per-backend spend.
func (l *Ledger) Totals() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	out := make(map[string]float64, len(l.todayBy))
	for k, v := range l.todayBy {
		out[k] = v
	}
	return out
}

// LifetimeBy returns the all-time spend for one backend.
func (l *Ledger) LifetimeBy(backend string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lifetimeBy[backend]
}

// DailyLimit returns the configured daily limit.
func (l *Ledger) DailyLimit() float64 {
	return l.dailyLimit
}

// WouldExceed reports whether charging estimate on top of today's spend
// and outstanding reservations would go past the daily limit.
func (l *Ledger) WouldExceed(estimate float64) bool {
	if l.dailyLimit <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.today+l.reserved+estimate > l.dailyLimit
}

// Reservation holds an estimated charge against the daily limit while a
// call is in flight. Settle or Release it exactly once; later calls are
// no-ops.
type Reservation struct {
	l      *Ledger
	amount float64
	done   bool
}

// Reserve sets estimate aside if it fits under the daily limit together
// with today's spend and every outstanding reservation. It returns false
// without reserving anything when it does not fit.
func (l *Ledger) Reserve(estimate float64) (*Reservation, bool) {
	if estimate < 0 {
		estimate = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.dailyLimit > 0 && l.today+l.reserved+estimate > l.dailyLimit {
		return nil, false
	}
	l.reserved += estimate
	return &Reservation{l: l, amount: estimate}, true
}

// Reserved returns the total of outstanding reservations.
func (l *Ledger) Reserved() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// release must be called with lock held.
func (r *Reservation) release() bool {
	if r == nil || r.done {
		return false
	}
	r.done = true
	r.l.reserved -= r.amount
	if r.l.reserved < 1e-12 {
		r.l.reserved = 0
	}
	return true
}

// Release gives the reservation back without charging anything.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	r.release()
}

// Settle replaces the reservation with the actual charge for backend.
func (r *Reservation) Settle(backend string, actual float64) {
	if r == nil {
		return
	}
	r.l.mu.Lock()
	ok := r.release()
	r.l.mu.Unlock()
	if ok {
		r.l.Record(backend, actual)
	}
}

// Status returns the budget status for today.
func (l *Ledger) Status() BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.statusLocked()
}

// statusLocked must be called with lock held.
func (l *Ledger) statusLocked() BudgetStatus {
	if l.dailyLimit <= 0 {
		return BudgetOK
	}
	pct := l.today / l.dailyLimit
	if pct >= 1.0 {
		return BudgetExhausted
	}
	if pct >= l.warningThreshold {
		return BudgetWarning
	}
	return BudgetOK
}

// Reset clears today's totals.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.today = 0
	l.todayBy = make(map[string]float64)
}
