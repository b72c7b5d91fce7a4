package session

import "time"

// Clock creates poll tickers
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the controller uses
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock uses time.NewTicker
type RealClock struct{}

// NewTicker implements Clock
func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
