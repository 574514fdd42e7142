// Benchmark bucket alignment, transcribed verbatim from original_source's
// services/market_data/app/services/benchmarks.py get_benchmarks: daily
// history is downsampled into period-specific buckets (today / last 7
// days / 4 Friday-aligned weekly buckets / YTD monthly buckets) and
// expressed as a percent change from the first bucket.
package aggregator

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var berlin = loadBerlin()

func loadBerlin() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return time.UTC
	}
	return loc
}

// DailyClose is one end-of-day close, already converted to EUR.
type DailyClose struct {
	EndOfDay time.Time // 23:59:59 Europe/Berlin on the trading day
	CloseEUR decimal.Decimal
}

// BenchPoint is one labeled point in a benchmark series.
type BenchPoint struct {
	Label string `json:"label"`
	Pct   string `json:"pct"`
}

// endOfDayBerlin returns d's calendar day at 23:59:59 in Europe/Berlin.
func endOfDayBerlin(d time.Time) time.Time {
	dt := d.In(berlin)
	return time.Date(dt.Year(), dt.Month(), dt.Day(), 23, 59, 59, 0, berlin)
}

// fridayOfISOWeek returns Friday 23:59:59 Europe/Berlin of dt's ISO week.
func fridayOfISOWeek(dt time.Time) time.Time {
	dtb := dt.In(berlin)
	weekday := int(dtb.Weekday())
	if weekday == 0 {
		weekday = 7 // Go Sunday=0 -> ISO Sunday=7
	}
	delta := 5 - weekday
	target := dtb.AddDate(0, 0, delta)
	return time.Date(target.Year(), target.Month(), target.Day(), 23, 59, 59, 0, berlin)
}

func pctStr(val, base decimal.Decimal) string {
	if !base.IsPositive() {
		return "0.0"
	}
	pct := val.Div(base).Sub(decimal.NewFromInt(1))
	return pct.Round(3).String()
}

// BenchmarkSeries buckets daily (already EUR, already sorted ascending by
// EndOfDay) closes per period: "d", "w", "m", or "y".
func BenchmarkSeries(period string, daily []DailyClose) ([]BenchPoint, error) {
	sorted := make([]DailyClose, len(daily))
	copy(sorted, daily)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EndOfDay.Before(sorted[j].EndOfDay) })

	switch period {
	case "d":
		return benchmarkDay(sorted), nil
	case "w":
		return benchmarkWeek(sorted), nil
	case "m":
		return benchmarkMonth(sorted), nil
	case "y":
		return benchmarkYear(sorted), nil
	default:
		return nil, fmt.Errorf("invalid benchmark period %q", period)
	}
}

func benchmarkDay(daily []DailyClose) []BenchPoint {
	today := time.Now().In(berlin)
	var todayBars []DailyClose
	for _, p := range daily {
		if sameBerlinDay(p.EndOfDay, today) {
			todayBars = append(todayBars, p)
		}
	}
	if len(todayBars) == 0 {
		return []BenchPoint{{Label: "today", Pct: "0.0"}}
	}
	first := todayBars[0].CloseEUR
	last := todayBars[len(todayBars)-1].CloseEUR
	return []BenchPoint{{Label: "today", Pct: pctStr(last, first)}}
}

func sameBerlinDay(a, b time.Time) bool {
	ab, bb := a.In(berlin), b.In(berlin)
	return ab.Year() == bb.Year() && ab.YearDay() == bb.YearDay()
}

func benchmarkWeek(daily []DailyClose) []BenchPoint {
	seen := map[int]bool{}
	var last7 []DailyClose
	for i := len(daily) - 1; i >= 0 && len(last7) < 7; i-- {
		d := daily[i]
		dayKey := d.EndOfDay.In(berlin).Year()*1000 + d.EndOfDay.In(berlin).YearDay()
		if seen[dayKey] {
			continue
		}
		seen[dayKey] = true
		last7 = append(last7, d)
	}
	// reverse to oldest-first
	for i, j := 0, len(last7)-1; i < j; i, j = i+1, j-1 {
		last7[i], last7[j] = last7[j], last7[i]
	}
	if len(last7) == 0 {
		return nil
	}
	base := last7[0].CloseEUR
	points := make([]BenchPoint, 0, len(last7))
	for _, d := range last7 {
		points = append(points, BenchPoint{Label: d.EndOfDay.In(berlin).Format("Mon"), Pct: pctStr(d.CloseEUR, base)})
	}
	return points
}

func benchmarkMonth(daily []DailyClose) []BenchPoint {
	now := time.Now().In(berlin)
	baseFriday := fridayOfISOWeek(now)
	fridays := make([]time.Time, 4)
	for k := 0; k < 4; k++ {
		fridays[3-k] = baseFriday.AddDate(0, 0, -7*k)
	}

	type bucket struct {
		label string
		value decimal.Decimal
		found bool
	}
	buckets := make([]bucket, 0, 4)
	for i, fri := range fridays {
		var chosen *DailyClose
		for j := len(daily) - 1; j >= 0; j-- {
			if !daily[j].EndOfDay.After(fri) {
				chosen = &daily[j]
				break
			}
		}
		if chosen == nil {
			continue
		}
		label := fmt.Sprintf("W-%d", len(fridays)-1-i)
		if i == len(fridays)-1 {
			label = "W0"
		}
		buckets = append(buckets, bucket{label: label, value: chosen.CloseEUR, found: true})
	}
	if len(buckets) == 0 {
		return nil
	}
	base := buckets[0].value
	points := make([]BenchPoint, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, BenchPoint{Label: b.label, Pct: pctStr(b.value, base)})
	}
	return points
}

func benchmarkYear(daily []DailyClose) []BenchPoint {
	year := time.Now().In(berlin).Year()
	byMonth := map[string]decimal.Decimal{}
	var months []string
	for _, d := range daily {
		local := d.EndOfDay.In(berlin)
		if local.Year() != year {
			continue
		}
		key := local.Format("2006-01")
		if _, ok := byMonth[key]; !ok {
			months = append(months, key)
		}
		byMonth[key] = d.CloseEUR // last write wins: ascending order means latest close in month
	}
	sort.Strings(months)
	if len(months) == 0 {
		return nil
	}
	base := byMonth[months[0]]
	points := make([]BenchPoint, 0, len(months))
	for _, m := range months {
		t, _ := time.Parse("2006-01", m)
		points = append(points, BenchPoint{Label: t.Format("Jan"), Pct: pctStr(byMonth[m], base)})
	}
	return points
}
