package sampler

import "time"

// nextDeadline returns the wake time that follows target on a fixed grid of
// interval-sized slots. Slots that already ended by now are skipped and
// counted, so an overrunning tick never causes a burst of catch-up reads.
func nextDeadline(target, now time.Time, interval time.Duration) (time.Time, int) {
	next := target.Add(interval)
	if !now.After(next) {
		return next, 0
	}

	// Jump straight past now instead of looping over every missed slot.
	missed := int(now.Sub(next) / interval)
	next = next.Add(time.Duration(missed) * interval)
	if now.After(next) {
		next = next.Add(interval)
		missed++
	}
	return next, missed
}
