package broadcast

import (
	"time"

	"signal-hub/src/utils"
)

// rateWindow is a sliding one-second log of delivery timestamps for one user.
// Owned by userState and guarded by its mutex.
type rateWindow struct {
	sent *utils.Ring[time.Time]
}

func newRateWindow() rateWindow {
	return rateWindow{sent: utils.NewRing[time.Time](16)}
}

// count returns deliveries within (now-1s, now].
func (w *rateWindow) count(now time.Time) int {
	cutoff := now.Add(-time.Second)
	for {
		ts, ok := w.sent.PeekFront()
		if !ok || ts.After(cutoff) {
			break
		}
		w.sent.PopFront()
	}
	return w.sent.Len()
}

// record adds n deliveries at now.
func (w *rateWindow) record(now time.Time, n int) {
	for i := 0; i < n; i++ {
		w.sent.PushBack(now)
	}
}
