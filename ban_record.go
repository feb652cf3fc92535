package banext

import (
	"math"
	"time"
)

// maxBanPeriod caps a single escalated ban so repeat offenders with very
// large ban counts cannot overflow time.Duration.
const maxBanPeriod = 100 * 365 * 24 * time.Hour

// BanRecord is the persisted ban state of one source. Records are never
// deleted: an expired record still carries the ban count that the next
// offense escalates from.
type BanRecord struct {
	Source   string    `json:"source"`
	BanCount int       `json:"ban_count"`
	BannedAt time.Time `json:"banned_at"`
	Till     time.Time `json:"till"`
}

// Active reports whether the ban still applies at now.
func (r BanRecord) Active(now time.Time) bool {
	return now.Before(r.Till)
}

// CalcTillDate returns bannedAt + singleBanPeriod * multiplier^(banCount-1).
// Ban counts below 1 are treated as 1.
func CalcTillDate(bannedAt time.Time, singleBanPeriod time.Duration, multiplier float64, banCount int) time.Time {
	return bannedAt.Add(banPeriod(singleBanPeriod, multiplier, banCount))
}

func banPeriod(singleBanPeriod time.Duration, multiplier float64, banCount int) time.Duration {
	if banCount < 1 {
		banCount = 1
	}
	if singleBanPeriod <= 0 {
		return 0
	}
	factor := math.Pow(multiplier, float64(banCount-1))
	period := float64(singleBanPeriod) * factor
	if math.IsNaN(period) || math.IsInf(period, 0) || period > float64(maxBanPeriod) {
		return maxBanPeriod
	}
	return time.Duration(period)
}

// truncateOffenseTime normalises an offense timestamp to the precision the
// stores persist.
func truncateOffenseTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
