package generic

import (
	"errors"
)

// =============================================================================
// STATS - Per-batch accumulator
// =============================================================================

// Outcome is what applying one record did to the store.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeCreated
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Stats counts what a batch did. Processed counts every arriving record;
// Duplicates counts arrivals superseded by a later record with the same key.
type Stats struct {
	Processed  int `json:"processed"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

func (s Stats) Add(o Stats) Stats {
	return Stats{
		Processed:  s.Processed + o.Processed,
		Created:    s.Created + o.Created,
		Updated:    s.Updated + o.Updated,
		Unchanged:  s.Unchanged + o.Unchanged,
		Duplicates: s.Duplicates + o.Duplicates,
		Errors:     s.Errors + o.Errors,
	}
}

// Succeeded is the number of records applied without error.
func (s Stats) Succeeded() int { return s.Created + s.Updated + s.Unchanged }

func (s Stats) count(o Outcome) Stats {
	switch o {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	default:
		s.Unchanged++
	}
	return s
}

// Failure is one record that could not be applied.
type Failure struct {
	Entity  string `json:"entity"`
	Key     string `json:"key"`
	Message string `json:"message"`
}

// NewFailure builds a Failure, preferring the details a MalformedRecordError carries.
func NewFailure(entity, key string, err error) Failure {
	var mre *MalformedRecordError
	if errors.As(err, &mre) {
		if mre.Entity != "" {
			entity = mre.Entity
		}
		if mre.Key != "" {
			key = mre.Key
		}
	}
	return Failure{Entity: entity, Key: key, Message: err.Error()}
}

// =============================================================================
// FOLD
// =============================================================================

// Fold applies fn to each item in order and accumulates the outcomes.
// Record errors (IsRecordError) become Failures and the fold continues;
// any other error stops the fold and is returned with the partial result.
func Fold[T any](entity string, items []T, key func(T) string, fn func(T) (Outcome, error)) (Stats, []Failure, error) {
	var stats Stats
	var failures []Failure
	for _, item := range items {
		stats.Processed++
		outcome, err := fn(item)
		if err != nil {
			if !IsRecordError(err) {
				return stats, failures, err
			}
			stats.Errors++
			failures = append(failures, NewFailure(entity, key(item), err))
			continue
		}
		stats = stats.count(outcome)
	}
	return stats, failures, nil
}

// Collapse keeps the last item for each key, in order of last arrival, and
// reports how many earlier arrivals were dropped.
func Collapse[T any](items []T, key func(T) string) ([]T, int) {
	last := make(map[string]int, len(items))
	for i, item := range items {
		last[key(item)] = i
	}
	out := make([]T, 0, len(last))
	for i, item := range items {
		if last[key(item)] == i {
			out = append(out, item)
		}
	}
	return out, len(items) - len(out)
}
