/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the operator API. Money is always an
  integer in minor units; percents are decimal strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/reconcile"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SyncRequest selects the window of a triggered sync. An explicit
// date_from/date_to pair wins over days_back; neither means the default window.
type SyncRequest struct {
	DaysBack *int   `json:"days_back,omitempty"`
	DateFrom string `json:"date_from,omitempty"`
	DateTo   string `json:"date_to,omitempty"`
}

// AdjustmentRequest is a manual balance correction.
type AdjustmentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RunDTO is one sync run log row.
type RunDTO struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Status        string            `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	Window        *generic.Window   `json:"window,omitempty"`
	Endpoint      string            `json:"endpoint"`
	Pages         int               `json:"pages"`
	Processed     int               `json:"processed"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	Created       int               `json:"created"`
	Updated       int               `json:"updated"`
	Unchanged     int               `json:"unchanged"`
	LedgerApplied int               `json:"ledger_applied"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Failures      []generic.Failure `json:"failures,omitempty"`
}

// SyncResponse reports the runs a trigger started.
type SyncResponse struct {
	Runs  []RunDTO `json:"runs"`
	Error string   `json:"error,omitempty"`
}

// BackfillResponse wraps reconcile.Stats.
type BackfillResponse struct {
	reconcile.Stats
	Total int64 `json:"total"`
}

// ClientDTO represents a loyalty client.
type ClientDTO struct {
	ID         int64     `json:"id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Patronymic string    `json:"patronymic,omitempty"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email,omitempty"`
	CardNumber string    `json:"card_number,omitempty"`
	Birthday   string    `json:"birthday,omitempty"`
	GroupName  string    `json:"group_name,omitempty"`
	Balance    int64     `json:"balance"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EntryDTO is one ledger entry.
type EntryDTO struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	TransactionID *int64    `json:"transaction_id,omitempty"`
	GrossAmount   *int64    `json:"gross_amount,omitempty"`
	BonusPercent  string    `json:"bonus_percent,omitempty"`
	Description   string    `json:"description"`
	Actor         string    `json:"actor,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// LedgerResponse is a client's balance with its full history.
type LedgerResponse struct {
	ClientID int64      `json:"client_id"`
	Balance  int64      `json:"balance"`
	Entries  []EntryDTO `json:"entries"`
}

// MismatchDTO is a client whose balance disagrees with its ledger.
type MismatchDTO struct {
	ClientID  int64 `json:"client_id"`
	Balance   int64 `json:"balance"`
	LedgerSum int64 `json:"ledger_sum"`
}

// BreakDTO is a ledger entry that does not continue its predecessor.
type BreakDTO struct {
	ClientID int64  `json:"client_id"`
	EntryID  string `json:"entry_id"`
	Seq      int64  `json:"seq"`
	Reason   string `json:"reason"`
}

// ReconciliationResponse is the result of a balance check.
type ReconciliationResponse struct {
	OK             bool          `json:"ok"`
	ClientsChecked int           `json:"clients_checked"`
	Mismatches     []MismatchDTO `json:"mismatches"`
	Breaks         []BreakDTO    `json:"breaks"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRunDTO(r generic.SyncRun) RunDTO {
	return RunDTO{
		ID:            r.ID,
		Kind:          string(r.Kind),
		Status:        string(r.Status),
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		DurationMS:    r.Duration().Milliseconds(),
		Window:        r.Window,
		Endpoint:      r.Endpoint,
		Pages:         r.Pages,
		Processed:     r.Processed,
		Succeeded:     r.Succeeded,
		Failed:        r.Failed,
		Created:       r.Created,
		Updated:       r.Updated,
		Unchanged:     r.Unchanged,
		LedgerApplied: r.LedgerApplied,
		ErrorMessage:  r.ErrorMessage,
		Failures:      r.Failures,
	}
}

// RunDTOs converts run-log rows for output.
func RunDTOs(runs []generic.SyncRun) []RunDTO {
	out := make([]RunDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunDTO(r))
	}
	return out
}

func toClientDTO(c generic.Client) ClientDTO {
	dto := ClientDTO{
		ID:         c.ExternalID,
		FirstName:  c.FirstName,
		LastName:   c.LastName,
		Patronymic: c.Patronymic,
		Phone:      c.Phone,
		Email:      c.Email,
		CardNumber: c.CardNumber,
		GroupName:  c.GroupName,
		Balance:    int64(c.Balance),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
	if c.Birthday != nil {
		dto.Birthday = c.Birthday.Format(generic.DateLayout)
	}
	return dto
}

// EntryToDTO converts a ledger entry for output.
func EntryToDTO(e generic.LedgerEntry) EntryDTO {
	dto := EntryDTO{
		ID:            e.ID,
		Seq:           e.Seq,
		Kind:          string(e.Kind),
		Amount:        int64(e.Amount),
		BalanceBefore: int64(e.BalanceBefore),
		BalanceAfter:  int64(e.BalanceAfter),
		TransactionID: e.TransactionID,
		Description:   e.Description,
		Actor:         e.Actor,
		ProcessedAt:   e.ProcessedAt,
	}
	if e.GrossAmount != nil {
		g := int64(*e.GrossAmount)
		dto.GrossAmount = &g
	}
	if e.BonusPercent != nil {
		dto.BonusPercent = e.BonusPercent.String()
	}
	return dto
}

// NewReconciliationResponse converts a ledger check report.
func NewReconciliationResponse(r bonus.Report) ReconciliationResponse {
	resp := ReconciliationResponse{
		OK:             r.OK(),
		ClientsChecked: r.ClientsChecked,
		Mismatches:     make([]MismatchDTO, 0, len(r.Mismatches)),
		Breaks:         make([]BreakDTO, 0, len(r.Breaks)),
	}
	for _, m := range r.Mismatches {
		resp.Mismatches = append(resp.Mismatches, MismatchDTO{
			ClientID: m.ClientID, Balance: int64(m.Balance), LedgerSum: int64(m.LedgerSum),
		})
	}
	for _, b := range r.Breaks {
		resp.Breaks = append(resp.Breaks, BreakDTO{
			ClientID: b.ClientID, EntryID: b.EntryID, Seq: b.Seq, Reason: b.Reason,
		})
	}
	return resp
}
