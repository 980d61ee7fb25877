package cache

import "github.com/nicktill/vitals/pkg/summary"

// Result is the outcome of a single-bucket lookup: either Hit with a record
// or Miss.
type Result struct {
	record summary.Record
	hit    bool
}

// Miss is the empty result
var Miss = Result{}

// Hit wraps a found record
func Hit(r summary.Record) Result {
	return Result{record: r, hit: true}
}

// IsHit reports whether the lookup found a record
func (r Result) IsHit() bool { return r.hit }

// Record returns the record and whether it was found
func (r Result) Record() (summary.Record, bool) {
	return r.record, r.hit
}

func (r Result) String() string {
	if !r.hit {
		return "Miss"
	}
	return "Hit(" + r.record.CacheKey + ")"
}
