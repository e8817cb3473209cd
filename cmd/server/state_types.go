package main

import (
	"time"

	"github.com/matst80/wsrelay/internal/relay"
)

const recentSessions = 50

// activeSession is a relay session that has not finished yet.
type activeSession struct {
	ID     string    `json:"id"`
	Remote string    `json:"remote"`
	Opened time.Time `json:"opened"`
}

// totals accumulates finished-session counters.
type totals struct {
	Sessions  int64
	BytesUp   int64
	BytesDown int64
	Outcomes  map[string]int64
}

func newTotals() totals { return totals{Outcomes: make(map[string]int64)} }

func (t *totals) add(sum relay.Summary) {
	t.Sessions++
	t.BytesUp += sum.BytesUp
	t.BytesDown += sum.BytesDown
	t.Outcomes[sum.Outcome]++
}

func (t totals) clone() totals {
	c := t
	c.Outcomes = make(map[string]int64, len(t.Outcomes))
	for k, v := range t.Outcomes {
		c.Outcomes[k] = v
	}
	return c
}

// summaryRing keeps the last N finished sessions.
type summaryRing struct {
	buf  []relay.Summary
	next int
	full bool
}

func newSummaryRing(n int) *summaryRing { return &summaryRing{buf: make([]relay.Summary, n)} }

func (r *summaryRing) push(s relay.Summary) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// list returns the entries newest first.
func (r *summaryRing) list() []relay.Summary {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]relay.Summary, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
