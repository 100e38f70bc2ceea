package livequery

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// simulateBurst replays a commit arrival schedule through the coalescing
// rules and returns how many query runs it produces. Mirrors the actor's
// bookkeeping: a commit during a pending run is absorbed, a commit inside
// rapidInterval of the previous one is deferred by throttleDelay, anything
// else runs immediately.
func simulateBurst(gaps []time.Duration) int {
	runs := 0
	now := time.Duration(0)
	last := time.Duration(-time.Hour)
	pendingAt := time.Duration(-1)

	for _, gap := range gaps {
		now += gap
		idle := now - last
		last = now
		if pendingAt >= 0 && now < pendingAt {
			continue
		}
		if pendingAt >= 0 && now >= pendingAt {
			runs++
			pendingAt = -1
		}
		if idle <= rapidInterval {
			pendingAt = now + throttleDelay
		} else {
			runs++
		}
	}
	if pendingAt >= 0 {
		runs++
	}
	return runs
}

func TestDebounceBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Inter-arrival gaps within the rapid window.
	rapidGap := gen.Int64Range(1, int64(rapidInterval/time.Millisecond)).
		Map(func(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond })

	properties.Property("a rapid burst collapses to at most ceil(span/throttle)+1 runs",
		prop.ForAll(func(gaps []time.Duration) bool {
			if len(gaps) == 0 {
				return true
			}
			var span time.Duration
			for _, g := range gaps[1:] {
				span += g
			}
			runs := simulateBurst(gaps)
			bound := int(span/throttleDelay) + 2 // ceil plus the immediate first run
			return runs >= 1 && runs <= bound
		}, gen.SliceOf(rapidGap)))

	properties.Property("a commit after a quiet period always runs immediately",
		prop.ForAll(func(quietMs int64) bool {
			idle := time.Duration(quietMs) * time.Millisecond
			return coalesceDelay(idle) == 0
		}, gen.Int64Range(int64(rapidInterval/time.Millisecond)+1, 60_000)))

	properties.Property("a commit inside the rapid window is always deferred by the throttle",
		prop.ForAll(func(gapMs int64) bool {
			idle := time.Duration(gapMs) * time.Millisecond
			return coalesceDelay(idle) == throttleDelay
		}, gen.Int64Range(0, int64(rapidInterval/time.Millisecond))))

	properties.TestingRun(t)
}

func TestObsolescenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a run is obsoleted only by a strictly newer sequence",
		prop.ForAll(func(oldSeq, newSeq uint64) bool {
			older := &Enumerator{lastSequence: oldSeq}
			newer := &Enumerator{lastSequence: newSeq}
			got := older.ObsoletedBy(newer)
			return got == (newSeq > oldSeq)
		}, gen.UInt64(), gen.UInt64()))

	properties.Property("equal sequences never obsolete in either direction",
		prop.ForAll(func(seq uint64) bool {
			a := &Enumerator{lastSequence: seq}
			b := &Enumerator{lastSequence: seq}
			return !a.ObsoletedBy(b) && !b.ObsoletedBy(a)
		}, gen.UInt64()))

	properties.TestingRun(t)
}
