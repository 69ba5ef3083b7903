package generic_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/generic"
)

type row struct {
	id  int
	val string
}

func rowKey(r row) string { return strconv.Itoa(r.id) }

func TestCollapse_LastOccurrenceWins(t *testing.T) {
	in := []row{{1, "a"}, {2, "b"}, {1, "c"}, {3, "d"}, {1, "e"}}

	out, dups := generic.Collapse(in, rowKey)

	assert.Equal(t, 2, dups)
	assert.Equal(t, []row{{2, "b"}, {3, "d"}, {1, "e"}}, out)
}

func TestFold_IsolatesRecordErrors(t *testing.T) {
	// GIVEN: Three rows, the second malformed
	in := []row{{1, "new"}, {2, "bad"}, {3, "same"}}

	// WHEN
	stats, failures, err := generic.Fold("spot", in, rowKey, func(r row) (generic.Outcome, error) {
		switch r.val {
		case "bad":
			return 0, &generic.MalformedRecordError{Entity: "spot", Key: "2", Field: "name", Reason: "empty"}
		case "same":
			return generic.OutcomeUnchanged, nil
		}
		return generic.OutcomeCreated, nil
	})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, generic.Stats{Processed: 3, Created: 1, Unchanged: 1, Errors: 1}, stats)
	assert.Equal(t, 2, stats.Succeeded())
	require.Len(t, failures, 1)
	assert.Equal(t, "2", failures[0].Key)
	assert.Contains(t, failures[0].Message, "field name")
}

func TestFold_StopsOnFatalError(t *testing.T) {
	boom := errors.New("disk full")
	calls := 0

	stats, _, err := generic.Fold("spot", []row{{1, ""}, {2, ""}, {3, ""}}, rowKey, func(r row) (generic.Outcome, error) {
		calls++
		if r.id == 2 {
			return 0, boom
		}
		return generic.OutcomeUpdated, nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, stats.Updated)
}

func TestStats_Add(t *testing.T) {
	a := generic.Stats{Processed: 2, Created: 1, Duplicates: 1}
	b := generic.Stats{Processed: 3, Updated: 2, Errors: 1}

	assert.Equal(t, generic.Stats{Processed: 5, Created: 1, Updated: 2, Duplicates: 1, Errors: 1}, a.Add(b))
}

func TestErrorClassification(t *testing.T) {
	insufficient := &generic.InsufficientBalanceError{ClientID: 1, TransactionID: 2, Available: 500, Requested: 800}

	assert.True(t, generic.IsRecordError(insufficient))
	assert.True(t, generic.IsClientError(insufficient))
	assert.True(t, generic.IsRetryable(generic.ErrConcurrentModification))
	assert.False(t, generic.IsRetryable(generic.ErrParse))
	assert.True(t, generic.IsNotFound(generic.ErrClientNotFound))
	assert.Contains(t, insufficient.Error(), "available 500, requested 800")
}
