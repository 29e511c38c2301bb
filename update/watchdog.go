package update

import "time"

// watchdog is the single timer of a Controller. Each arm or disarm starts a
// new generation; an expiry carrying an older generation is ignored, which
// covers a timer that fired while its replacement was being armed.
type watchdog struct {
	clock Clock
	timer Timer
	gen   uint64
}

// arm cancels any pending expiry and schedules fire(gen) after d.
func (w *watchdog) arm(d time.Duration, fire func(gen uint64)) {
	w.disarm()
	gen := w.gen
	w.timer = w.clock.AfterFunc(d, func() { fire(gen) })
}

func (w *watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// current reports whether gen belongs to the armed timer.
func (w *watchdog) current(gen uint64) bool {
	return w.timer != nil && gen == w.gen
}
