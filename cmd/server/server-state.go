package main

import (
	"sort"
	"sync"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/relay"
)

type serverState struct {
	mu      sync.Mutex
	active  map[string]activeSession // session id -> session
	totals  totals
	recent  *summaryRing
	closing bool
	ready   bool
}

func newServerState() *serverState {
	return &serverState{
		active: make(map[string]activeSession),
		totals: newTotals(),
		recent: newSummaryRing(recentSessions),
	}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) SessionOpened(id, remote string) {
	s.mu.Lock()
	s.active[id] = activeSession{ID: id, Remote: remote, Opened: time.Now()}
	s.mu.Unlock()
}

func (s *serverState) SessionClosed(sum relay.Summary) {
	s.mu.Lock()
	delete(s.active, sum.ID)
	s.totals.add(sum)
	s.recent.push(sum)
	s.mu.Unlock()
	obs.Debug("state.session.recorded", obs.Fields{"id": sum.ID, "outcome": sum.Outcome})
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) getStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make([]activeSession, 0, len(s.active))
	for _, a := range s.active {
		active = append(active, a)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Opened.Before(active[j].Opened) })
	t := s.totals.clone()
	return Stats{
		Backend:       "memory",
		Active:        len(active),
		ActiveList:    active,
		TotalSessions: t.Sessions,
		BytesUp:       t.BytesUp,
		BytesDown:     t.BytesDown,
		Outcomes:      t.Outcomes,
		Recent:        s.recent.list(),
	}
}

func (s *serverState) close() error { return nil }
