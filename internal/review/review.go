// Package review resolves the removal history of a flag into a single
// safety verdict by querying pull requests on the review host.
package review

import (
	"sort"
	"time"
)

// State is the reduced safety verdict for one flag key
type State string

const (
	// StateNone means no blocking review history exists; the task may run.
	StateNone State = "none"
	// StateOpen means at least one removal PR is still open.
	StateOpen State = "open"
	// StateDeclined means a removal PR was closed without merging.
	StateDeclined State = "declined"
)

// Record is one historical pull request tied to a flag key in one repository
type Record struct {
	URL       string
	Open      bool
	Declined  bool
	CreatedAt time.Time
}

// Verdict is the reduction of all records for a flag key across all
// repositories. Representative is the single record surfaced to the user:
// the open one if present, else the declined one, else the most recent
// closed one.
type Verdict struct {
	State          State
	Representative *Record
}

// Blocked reports whether the verdict prevents a new removal attempt
func (v Verdict) Blocked() bool {
	return v.State == StateOpen || v.State == StateDeclined
}

// Reduce folds possibly-many records into one verdict. The result is
// independent of record order: open beats declined beats closed.
func Reduce(records []Record) Verdict {
	if len(records) == 0 {
		return Verdict{State: StateNone}
	}

	var open, declined *Record
	var latestClosed *Record
	for i := range records {
		r := &records[i]
		switch {
		case r.Open:
			if open == nil {
				open = r
			}
		case r.Declined:
			if declined == nil {
				declined = r
			}
		default:
			if latestClosed == nil || r.CreatedAt.After(latestClosed.CreatedAt) {
				latestClosed = r
			}
		}
	}

	switch {
	case open != nil:
		return Verdict{State: StateOpen, Representative: open}
	case declined != nil:
		return Verdict{State: StateDeclined, Representative: declined}
	default:
		return Verdict{State: StateNone, Representative: latestClosed}
	}
}

// ReduceAll reduces a per-key record map into per-key verdicts
func ReduceAll(recordsByKey map[string][]Record) map[string]Verdict {
	verdicts := make(map[string]Verdict, len(recordsByKey))
	for key, records := range recordsByKey {
		// Deterministic representative for equal-time closed records.
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		})
		verdicts[key] = Reduce(records)
	}
	return verdicts
}
