package attendance

import "math"

// ComputeBuffer answers "what percentage am I at, and how many more classes can
// I miss while staying compliant" from snapshot counts. It is the single source
// of this arithmetic; the API service and any client-side preview both go
// through it so the two can never drift.
//
// Conventions, all deliberate:
//   - an ungraded subject (heldCount == 0) reports 100% and safe, so brand new
//     enrollments are not flagged and no division by zero occurs;
//   - the required total rounds up, a fractional requirement always costs one
//     more class, never fewer;
//   - the buffer is clamped at zero, a student already past recovery is never
//     shown a negative count;
//   - percentages are rounded to 4 decimal places for display.
func ComputeBuffer(presentCount, heldCount, totalPlanned int, threshold float64) BufferResult {
	currentPct := 1.0
	if heldCount > 0 {
		currentPct = float64(presentCount) / float64(heldCount)
	}

	remaining := totalPlanned - heldCount // classes not yet held
	if remaining < 0 {
		remaining = 0
	}

	requiredTotal := int(math.Ceil(threshold * float64(totalPlanned)))

	// additional classes the student may fully skip and still finish the term
	// at or above threshold, with all currently-held statuses fixed
	bufferClasses := (presentCount + remaining) - requiredTotal
	if bufferClasses < 0 {
		bufferClasses = 0
	}

	// best case end-of-term percentage: perfect attendance from here on
	projectedPct := currentPct
	if totalPlanned > 0 {
		projectedPct = float64(presentCount+remaining) / float64(totalPlanned)
	}

	return BufferResult{
		PresentCount:  presentCount,
		HeldCount:     heldCount,
		TotalPlanned:  totalPlanned,
		CurrentPct:    roundPct(currentPct, 4),
		BufferClasses: bufferClasses,
		ProjectedPct:  roundPct(projectedPct, 4),
		IsSafe:        currentPct >= threshold, // boundary is inclusive
	}
}

func roundPct(pct float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(pct*shift) / shift
}
