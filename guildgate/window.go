package guildgate

import (
	"strings"
	"sync"
	"time"
)

// SlidingWindowCounter answers "has this (module, tenant, subject) produced
// more than threshold events in the last window?" from process-local
// memory. State resets on restart and is not shared across shards; that
// trade-off is accepted for moderation thresholds, where a restart losing a
// few seconds of history is harmless.
type SlidingWindowCounter struct {
	mu     sync.Mutex
	events map[string][]time.Time

	// now is replaceable in tests
	now func() time.Time
}

func NewSlidingWindowCounter() *SlidingWindowCounter {
	return &SlidingWindowCounter{
		events: map[string][]time.Time{},
		now:    time.Now,
	}
}

func windowKey(module string, tenantID string, subjectID string) string {
	return strings.Join([]string{module, tenantID, subjectID}, ":")
}

// RecordAndCheck appends the current event to the subject's window, prunes
// events older than window, and reports whether the remaining count exceeds
// threshold.
//
// A threshold of 0 is a sentinel meaning "no grace period": the result is
// always true.
func (s *SlidingWindowCounter) RecordAndCheck(
	module string,
	tenantID string,
	subjectID string,
	threshold int,
	window time.Duration,
) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey(module, tenantID, subjectID)
	now := s.now()
	kept := s.prune(key, now, window)
	kept = append(kept, now)
	s.events[key] = kept

	if threshold == 0 {
		return true
	}
	return len(kept) > threshold
}

// Count reports how many events remain in the subject's window, pruning as
// it goes.
func (s *SlidingWindowCounter) Count(
	module string,
	tenantID string,
	subjectID string,
	window time.Duration,
) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey(module, tenantID, subjectID)
	kept := s.prune(key, s.now(), window)
	if len(kept) == 0 {
		delete(s.events, key)
		return 0
	}
	s.events[key] = kept
	return len(kept)
}

// Reset forgets all recorded events for the subject.
func (s *SlidingWindowCounter) Reset(
	module string,
	tenantID string,
	subjectID string,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, windowKey(module, tenantID, subjectID))
}

// prune drops events older than the window from the front of the subject's
// list. Events are appended in time order, so the first in-window index
// bounds the survivors. Caller holds s.mu.
func (s *SlidingWindowCounter) prune(
	key string,
	now time.Time,
	window time.Duration,
) []time.Time {
	cutoff := now.Add(-window)
	events := s.events[key]
	firstValid := len(events)
	for i, ts := range events {
		if ts.After(cutoff) {
			firstValid = i
			break
		}
	}
	return events[firstValid:]
}
