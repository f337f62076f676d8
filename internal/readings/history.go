package readings

import (
	"math"
	"time"

	"github.com/ukydev/fleet-maintenance/internal/models"
)

// History is an asset's accepted readings ordered by observed-at, then
// received-at. A reading with Reset set starts a new meter epoch.
type History []models.Reading

// Latest returns the reading with the greatest observed-at. Ties go to the
// higher value, then the later receipt, then the greater key.
func (h History) Latest() (models.Reading, bool) {
	if len(h) == 0 {
		return models.Reading{}, false
	}
	best := h[0]
	for _, r := range h[1:] {
		if newer(r, best) {
			best = r
		}
	}
	return best, true
}

func newer(a, b models.Reading) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if a.Value != b.Value {
		return a.Value > b.Value
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.IdempotencyKey > b.IdempotencyKey
}

// epochStart returns the index of the reading that opened the epoch
// covering t.
func (h History) epochStart(t time.Time) int {
	start := 0
	for i, r := range h {
		if r.ObservedAt.After(t) {
			break
		}
		if r.Reset {
			start = i
		}
	}
	return start
}

// epochEnd returns the index one past the last reading of the epoch that
// starts at start.
func (h History) epochEnd(start int) int {
	for i := start + 1; i < len(h); i++ {
		if h[i].Reset {
			return i
		}
	}
	return len(h)
}

// Epoch returns the readings of the meter epoch covering t.
func (h History) Epoch(t time.Time) History {
	if len(h) == 0 {
		return nil
	}
	start := h.epochStart(t)
	return h[start:h.epochEnd(start)]
}

// CurrentEpoch returns the readings recorded since the latest meter reset.
func (h History) CurrentEpoch() History {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Reset {
			return h[i:]
		}
	}
	return h
}

// Bounds returns the highest value observed at or before t and the lowest
// value observed strictly after t within t's epoch. Missing bounds are
// -Inf and +Inf.
func (h History) Bounds(t time.Time) (floor, ceiling float64) {
	floor, ceiling = math.Inf(-1), math.Inf(1)
	for _, r := range h.Epoch(t) {
		if r.ObservedAt.After(t) {
			ceiling = math.Min(ceiling, r.Value)
		} else {
			floor = math.Max(floor, r.Value)
		}
	}
	return floor, ceiling
}

// ValueAt returns the value of the latest reading observed at or before t.
func (h History) ValueAt(t time.Time) (float64, bool) {
	var (
		found bool
		best  models.Reading
	)
	for _, r := range h {
		if r.ObservedAt.After(t) {
			continue
		}
		if !found || newer(r, best) {
			best, found = r, true
		}
	}
	return best.Value, found
}

// UsageSince returns the usage accumulated since a baseline and the time
// it was last observed. Usage is summed per meter epoch, so a reset meter
// does not lose what the previous meter counted after the baseline. The
// anchor is the baseline date when nothing newer was observed.
func (h History) UsageSince(baselineReading float64, baselineDate time.Time) (used float64, anchor time.Time) {
	anchor = baselineDate
	if len(h) == 0 {
		return 0, anchor
	}

	start := h.epochStart(baselineDate)
	from := baselineReading
	for start < len(h) {
		end := h.epochEnd(start)
		epoch := h[start:end]
		last, _ := epoch.Latest()
		if last.ObservedAt.After(baselineDate) {
			used += math.Max(0, last.Value-from)
			if last.ObservedAt.After(anchor) {
				anchor = last.ObservedAt
			}
		}
		if end < len(h) {
			from = h[end].Value
		}
		start = end
	}
	return used, anchor
}
