package session

import "time"

// Clock is a free-running millisecond counter. It wraps at 2^32 (about 49.7
// days), so elapsed time must always be computed with TimedOut.
type Clock interface {
	Millis() uint32
}

// SystemClock counts milliseconds since it was created.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock backed by the monotonic system clock.
func NewSystemClock() SystemClock {
	return SystemClock{start: time.Now()}
}

func (c SystemClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// TimedOut reports whether more than timeout ms separate last from now.
//
// Both values come from a wrapping counter. now-last is the elapsed time
// modulo 2^32, which stays correct across a wrap. A timestamp taken slightly
// after now was sampled makes now-last huge; that case is recognised by
// last-now being no more than maxDesync and is not treated as a timeout.
func TimedOut(now, last, timeout, maxDesync uint32) bool {
	return now-last > timeout && last-now > maxDesync
}

func millis(d time.Duration) uint32 {
	return uint32(d / time.Millisecond)
}
