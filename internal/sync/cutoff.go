package sync

import (
	"sort"
	"time"
)

// advanceTarget computes where the cutoff moves after a fully successful
// run: the timestamp snapshotted when the run entered ReadingChanges, pulled
// back by the safety margin so that writes straddling the boundary on a
// skewed clock are re-examined next run rather than dropped. The watermark
// never moves backward; re-processing the margin window is the price of
// never losing an edit inside it.
func advanceTarget(runStart, current time.Time, margin time.Duration) (time.Time, bool) {
	target := runStart.Add(-margin)
	if !target.After(current) {
		return current, false
	}
	return target, true
}

// clockSkewSuspects returns the ext ids of changes whose effective edit time
// falls within the safety margin of the cutoff. Such a stamp may have been
// produced by a clock running behind the node that advanced the watermark;
// the edit still syncs normally, but it is worth a warning because a skew
// larger than the margin would have dropped it. Deduplicated and sorted so
// the log line is stable.
func clockSkewSuspects(local, remote []OrderChange, cutoff time.Time, margin time.Duration) []string {
	if margin <= 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, changes := range [][]OrderChange{local, remote} {
		for _, c := range changes {
			d := c.LastEdit.Sub(cutoff)
			if d < 0 {
				d = -d
			}
			if d > margin {
				continue
			}
			if _, ok := seen[c.ExtID]; ok {
				continue
			}
			seen[c.ExtID] = struct{}{}
			ids = append(ids, c.ExtID)
		}
	}
	sort.Strings(ids)
	return ids
}
