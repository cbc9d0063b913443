package access

import (
	"slices"
	"time"
)

// CompareEntries orders queue entries by priority tier, then join time, then
// insertion sequence.
func CompareEntries(a, b QueueEntry) int {
	if a.PriorityTier != b.PriorityTier {
		if a.PriorityTier < b.PriorityTier {
			return -1
		}
		return 1
	}
	if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

// SortQueue returns a sorted copy of entries.
func SortQueue(entries []QueueEntry) []QueueEntry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, CompareEntries)
	return out
}

// Position returns the 1-based position of requesterID in a sorted queue, or 0.
func Position(sorted []QueueEntry, requesterID string) int {
	for i, e := range sorted {
		if e.RequesterID == requesterID {
			return i + 1
		}
	}
	return 0
}

// RankedEntry is a queue entry annotated with its position and wait estimate.
type RankedEntry struct {
	QueueEntry
	Position      int
	EstimatedWait time.Duration
}

// Rank annotates a sorted queue. The wait of each entry is the remaining time
// of the current holder plus the lease duration of every entry ahead of it.
func Rank(sorted []QueueEntry, holderRemaining time.Duration, policy Policy) []RankedEntry {
	out := make([]RankedEntry, 0, len(sorted))
	wait := holderRemaining
	for i, e := range sorted {
		out = append(out, RankedEntry{
			QueueEntry:    e,
			Position:      i + 1,
			EstimatedWait: wait,
		})
		d, err := policy.LeaseDuration(e.Role)
		if err != nil {
			// Entries are validated on insert; a row with an unknown role
			// contributes no wait.
			continue
		}
		wait += d
	}
	return out
}
