package banext

import (
	"time"

	"github.com/hako/durafmt"
)

// humanBanPeriod renders a ban length like "2 hours 30 minutes".
func humanBanPeriod(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return "0 seconds"
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}

// RemainingBan reports how long rec still applies at now in human form, or
// "expired".
func RemainingBan(rec BanRecord, now time.Time) string {
	if !rec.Active(now) {
		return "expired"
	}
	return humanBanPeriod(rec.Till.Sub(now))
}
