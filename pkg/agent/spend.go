package agent

import (
	"sync"
	"time"
)

// spendLedger tallies per-user turn cost for the current UTC day. The
// ledger lives in memory; a restart or the day boundary resets it.
type spendLedger struct {
	mu    sync.Mutex
	day   string
	spent map[string]float64
}

func newSpendLedger() *spendLedger {
	return &spendLedger{spent: make(map[string]float64)}
}

// remaining returns how much of the daily budget the user has left.
func (l *spendLedger) remaining(user string, budget float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	return budget - l.spent[user]
}

// add records a finished turn's cost against the user.
func (l *spendLedger) add(user string, cost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	l.spent[user] += cost
}

func (l *spendLedger) roll(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if l.day != day {
		l.day = day
		l.spent = make(map[string]float64)
	}
}
