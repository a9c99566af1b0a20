package coedit

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// attempt n waits n * Interval
type LinearBackOff struct {
	Interval time.Duration

	attempt int
}

func (self *LinearBackOff) NextBackOff() time.Duration {
	self.attempt += 1
	return time.Duration(self.attempt) * self.Interval
}

func (self *LinearBackOff) Reset() {
	self.attempt = 0
}

func (self *LinearBackOff) Attempt() int {
	return self.attempt
}

// reconnect policy for the bus.
// `Next` yields the delay before each attempt until the attempts are exhausted.
type Reconnect struct {
	stateLock sync.Mutex

	linear  *LinearBackOff
	backOff backoff.BackOff
}

func NewReconnect(interval time.Duration, maxAttempts int) *Reconnect {
	linear := &LinearBackOff{
		Interval: interval,
	}
	var b backoff.BackOff
	if maxAttempts <= 0 {
		b = &backoff.StopBackOff{}
	} else {
		b = backoff.WithMaxRetries(linear, uint64(maxAttempts))
	}
	return &Reconnect{
		linear:  linear,
		backOff: b,
	}
}

// returns false when no attempts remain
func (self *Reconnect) Next() (attempt int, delay time.Duration, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delay = self.backOff.NextBackOff()
	if delay == backoff.Stop {
		return self.linear.Attempt(), 0, false
	}
	return self.linear.Attempt(), delay, true
}

func (self *Reconnect) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.backOff.Reset()
}

func (self *Reconnect) Attempt() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.linear.Attempt()
}
