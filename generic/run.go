package generic

import (
	"time"
)

// =============================================================================
// SYNC RUN LOG
// =============================================================================

// SyncKind names the entity set a run pulls.
type SyncKind string

const (
	SyncTransactions SyncKind = "transactions"
	SyncClients      SyncKind = "clients"
	SyncProducts     SyncKind = "products"
	SyncSpots        SyncKind = "spots"
)

// AllKinds is the order a full sync runs in: references first.
var AllKinds = []SyncKind{SyncSpots, SyncProducts, SyncClients, SyncTransactions}

func ParseSyncKind(s string) (SyncKind, bool) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// RunStatus is the final outcome of a run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// SyncRun is one row of the sync run log.
type SyncRun struct {
	ID         string
	Kind       SyncKind
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Window     *Window
	Endpoint   string

	Pages         int
	Processed     int
	Succeeded     int
	Failed        int
	Created       int
	Updated       int
	Unchanged     int
	LedgerApplied int

	ErrorMessage string
	Failures     []Failure // capped, serialized as error details
}

// Duration is zero while the run is still open.
func (r SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
