// Package journal defines the core domain types of the reflection
// pipeline: encrypted memories, reflection periods, reflections, and the
// idempotency ledger entries that guard their generation.
package journal

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// NoActivityText is the reflection body recorded for a period with no
// journal entries. It is sealed like any other reflection.
const NoActivityText = "No journal entries were recorded during this period."

// Memory is one encrypted journal entry. The ciphertext is opaque to
// every layer except the worker's aggregation step; the mood tag is the
// only plaintext attribute.
type Memory struct {
	ID         string
	UserID     string
	Mood       string
	Ciphertext []byte
	CreatedAt  time.Time
}

// ReflectionStatus is the lifecycle state of a stored reflection.
type ReflectionStatus string

const (
	ReflectionPending  ReflectionStatus = "pending"
	ReflectionComplete ReflectionStatus = "complete"
	ReflectionFailed   ReflectionStatus = "failed"
)

// Reflection is the generated output for one (user, period) pair. The
// body is sealed with the user's key before it ever reaches the store.
type Reflection struct {
	UserID      string
	Period      Period
	Ciphertext  []byte
	Status      ReflectionStatus
	GeneratedAt time.Time
}

// LedgerStatus is the state of an idempotency-ledger entry.
type LedgerStatus string

const (
	LedgerUnclaimed LedgerStatus = "unclaimed"
	LedgerClaimed   LedgerStatus = "claimed"
	LedgerComplete  LedgerStatus = "complete"
	LedgerFailed    LedgerStatus = "failed"
)

// LedgerEntry records who, if anyone, currently owns generation for a
// (user, period) pair and whether the pair has reached a terminal state.
type LedgerEntry struct {
	UserID    string
	Period    Period
	Status    LedgerStatus
	ClaimedBy string
	ClaimedAt time.Time
}

// Stale reports whether a claimed entry's lease has expired, making the
// period reclaimable by another worker.
func (e LedgerEntry) Stale(now time.Time, lease time.Duration) bool {
	return e.Status == LedgerClaimed && !e.ClaimedAt.After(now.Add(-lease))
}

// MoodSummary maps mood tags to entry counts within a period.
type MoodSummary map[string]int

// SummarizeMoods tallies mood tags across memories. Untagged entries
// count under "untagged".
func SummarizeMoods(memories []Memory) MoodSummary {
	summary := make(MoodSummary, len(memories))
	for _, m := range memories {
		mood := m.Mood
		if mood == "" {
			mood = "untagged"
		}
		summary[mood]++
	}
	return summary
}

// Total returns the number of entries across all moods.
func (s MoodSummary) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// String renders the distribution in mood order, e.g. "anxious: 1,
// happy: 2". An empty summary renders as "none".
func (s MoodSummary) String() string {
	if len(s) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(s))
	for _, mood := range sortedKeys(s) {
		parts = append(parts, fmt.Sprintf("%s: %d", mood, s[mood]))
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(s MoodSummary) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
