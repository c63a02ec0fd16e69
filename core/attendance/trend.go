package attendance

import "fmt"

// AggregateTrend folds a student's chronological attendance stream into
// cumulative weekly checkpoints for charting. The input must already be sorted
// ascending by effective date; the aggregator never sorts.
//
// Weeks are indexed sequentially in first-seen order ("Week 1", "Week 2", ...):
// a change of ISO calendar week bumps the index, and calendar gaps between
// records do not produce empty checkpoints. Several records within the same
// week collapse into one checkpoint holding the latest cumulative value.
//
// Percentages here are rounded to 2 decimal places, unlike the buffer
// calculator's 4; dashboards expect this precision and the two are not unified
// on purpose. Projected currently equals the cumulative percentage at each
// checkpoint; there is no separate extrapolation model.
func AggregateTrend(history []HistoryRecord) []TrendPoint {
	var (
		totalHeld    int
		totalPresent int
		weekNum      int
		lastWeekKey  string
		points       []TrendPoint
	)

	for _, rec := range history {
		totalHeld++
		if rec.Status.CountsPresent() {
			totalPresent++
		}

		year, week := rec.EffectiveDate.ISOWeek()
		weekKey := fmt.Sprintf("%d-W%d", year, week)
		if weekKey != lastWeekKey {
			weekNum++
			lastWeekKey = weekKey
		}

		pct := 1.0
		if totalHeld > 0 {
			pct = roundPct(float64(totalPresent)/float64(totalHeld), 2)
		}

		point := TrendPoint{
			Week:      fmt.Sprintf("Week %d", weekNum),
			Pct:       pct,
			Projected: pct,
		}
		if n := len(points); n > 0 && points[n-1].Week == point.Week {
			points[n-1] = point // same week: overwrite with the latest cumulative value
		} else {
			points = append(points, point)
		}
	}

	return points
}
