package connstream

import "time"

// idleResetter wraps the stream-idle timer: any client-side read or
// write resets it, so the connection only times out on genuine
// inactivity. A nil *idleResetter is a valid no-op, so call sites that
// don't need resetting (e.g. outside an active cycle) can pass nil.
type idleResetter struct {
	timer *time.Timer
	d     time.Duration
}

func newIdleResetter(d time.Duration) *idleResetter {
	t := time.NewTimer(d)
	return &idleResetter{timer: t, d: d}
}

func (r *idleResetter) reset() {
	if r == nil {
		return
	}
	if !r.timer.Stop() {
		select {
		case <-r.timer.C:
		default:
		}
	}
	r.timer.Reset(r.d)
}

func (r *idleResetter) C() <-chan time.Time {
	if r == nil {
		return nil
	}
	return r.timer.C
}

func (r *idleResetter) stop() {
	if r == nil {
		return
	}
	r.timer.Stop()
}
