package main

import "github.com/matst80/wsrelay/internal/relay"

// StateStore records session lifecycle and readiness. Implementations may share totals
// across instances.
type StateStore interface {
	relay.Recorder
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	getStats() Stats
	close() error
}
