package processor

import (
	"sync"
	"time"
)

// TokenLedger accumulates per-day token usage for /status reporting.
type TokenLedger struct {
	mu     sync.Mutex
	day    string
	input  int
	output int
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{day: today()}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Record adds one run's usage, rolling the counters at midnight UTC.
func (l *TokenLedger) Record(inputTokens, outputTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := today(); d != l.day {
		l.day = d
		l.input = 0
		l.output = 0
	}
	l.input += inputTokens
	l.output += outputTokens
}

// Today returns today's input/output token totals.
func (l *TokenLedger) Today() (input, output int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := today(); d != l.day {
		return 0, 0
	}
	return l.input, l.output
}
