package analysis

import "time"

// idleThreshold marks a started stage as idle when nothing completed recently.
const idleThreshold = 30 * time.Second

// Stats is a point-in-time snapshot of stage activity.
type Stats struct {
	Stage          string
	Received       uint64
	Analyzed       uint64
	Failed         uint64
	Violations     uint64 // frames offered while another was unreleased
	Abandoned      uint64 // frames released unanalyzed at or after Stop
	LastSeq        uint64
	LastAnalyzedAt time.Time
	Busy           bool
	IsIdle         bool
	Rate           RateStats
}

// Stats returns a snapshot. Safe for concurrent use.
func (s *Stage) Stats() Stats {
	s.mu.Lock()
	busy := s.pending != nil || (s.current != nil && !s.current.Released())
	lastSeq := s.lastSeq
	lastAt := s.lastAnalyzedAt
	started := s.started && !s.closed
	times := make([]time.Time, len(s.completions))
	copy(times, s.completions)
	s.mu.Unlock()

	return Stats{
		Stage:          s.name,
		Received:       s.received.Load(),
		Analyzed:       s.analyzed.Load(),
		Failed:         s.failed.Load(),
		Violations:     s.violations.Load(),
		Abandoned:      s.abandoned.Load(),
		LastSeq:        lastSeq,
		LastAnalyzedAt: lastAt,
		Busy:           busy,
		IsIdle:         started && !lastAt.IsZero() && time.Since(lastAt) > idleThreshold,
		Rate:           CalculateRate(times),
	}
}
