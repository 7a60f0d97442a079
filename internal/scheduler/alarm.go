package scheduler

import (
	"sync"
	"time"
)

// TimerAlarm backs Alarm with time.Timer, re-arming the timer after each
// firing so the alarm recurs until Cancel or the next Schedule.
// cmd/mdpm-notifierd uses it directly.
type TimerAlarm struct {
	mu    sync.Mutex
	timer *time.Timer
}

func NewTimerAlarm() *TimerAlarm { return &TimerAlarm{} }

func (a *TimerAlarm) Schedule(interval time.Duration, fire func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(interval, func() {
		fire()
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.timer == t {
			t.Reset(interval)
		}
	})
	a.timer = t
}

func (a *TimerAlarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
