/*
Package poster is the external transaction source adapter for the Poster POS API.

PURPOSE:
  Fetches one page of raw records per call. The adapter performs no local
  persistence and is safe to call again with the same arguments.

ENDPOINTS:
  transactions.getTransactions  date_from, date_to, page, per_page (<= 1000)
  clients.getClients            num, offset
  menu.getProducts              unpaginated
  spots.getSpots                unpaginated

ERRORS:
  Network failures, timeouts, HTTP 429 and 5xx: retryable SourceError
  (errors.Is(err, generic.ErrTransientSource)).
  An API-level {"error": ...} that signals rate limiting: retryable.
  Undecodable payloads: generic.ErrParse, never retried.
  Any other API-level {"error": ...} and other 4xx: fatal, never retried.

SEE ALSO:
  - mapping.go: Per-entity field mapping tables
  - file.go: Replay source for exported dumps
  - syncer/orchestrator.go: Paging and retry
*/
package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/generic"
)

// MaxPageSize is the largest per_page the API honours.
const MaxPageSize = 1000

// =============================================================================
// PAGES
// =============================================================================

// PageRequest names one page of one entity set.
type PageRequest struct {
	Kind    generic.SyncKind
	Window  generic.Window // transactions only
	Page    int            // 1-based
	PerPage int
}

// Page is one fetched batch. IsLast is set when the source says so; a short
// page also ends a run.
type Page struct {
	Records []Record
	IsLast  bool
	Total   int // -1 when unknown
}

// ClampPageSize bounds n to [1, MaxPageSize].
func ClampPageSize(n int) int {
	if n <= 0 || n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// =============================================================================
// ERRORS
// =============================================================================

// SourceError is a failed fetch.
type SourceError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("poster %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("poster %s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() []error {
	if e.Retryable {
		return []error{generic.ErrTransientSource, e.Err}
	}
	return []error{e.Err}
}

// APIError is the payload of an {"error": ...} response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// apiCodeTooManyRequests is the code Poster puts in the envelope when it
// throttles a token but still answers 200.
const apiCodeTooManyRequests = 429

// RateLimited reports whether the error asks the caller to back off.
func (e *APIError) RateLimited() bool {
	if e.Code == apiCodeTooManyRequests {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls the Poster HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides https://{account}.joinposter.com/api.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

func NewClient(account, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("https://%s.joinposter.com/api", account),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the API method a kind is fetched from.
func Endpoint(kind generic.SyncKind) string {
	switch kind {
	case generic.SyncTransactions:
		return "transactions.getTransactions"
	case generic.SyncClients:
		return "clients.getClients"
	case generic.SyncProducts:
		return "menu.getProducts"
	case generic.SyncSpots:
		return "spots.getSpots"
	}
	return ""
}

// Fetch returns one page.
func (c *Client) Fetch(ctx context.Context, req PageRequest) (Page, error) {
	method := Endpoint(req.Kind)
	if method == "" {
		return Page{}, &SourceError{Op: string(req.Kind), Err: fmt.Errorf("unknown sync kind %q", req.Kind)}
	}
	if req.Page < 1 {
		req.Page = 1
	}
	perPage := ClampPageSize(req.PerPage)

	params := url.Values{}
	params.Set("token", c.token)
	paginated := true
	switch req.Kind {
	case generic.SyncTransactions:
		params.Set("date_from", req.Window.From.Format(generic.DateLayout))
		params.Set("date_to", req.Window.To.Format(generic.DateLayout))
		params.Set("page", strconv.Itoa(req.Page))
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("include_products", "true")
	case generic.SyncClients:
		params.Set("num", strconv.Itoa(perPage))
		params.Set("offset", strconv.Itoa((req.Page-1)*perPage))
		params.Set("order_by", "client_id")
		params.Set("sort", "asc")
	default:
		paginated = false
	}

	start := time.Now()
	body, status, err := c.get(ctx, method, params)
	if err != nil {
		return Page{}, err
	}

	page, err := parsePage(body)
	if err != nil {
		var apiErr *APIError
		retry := errors.As(err, &apiErr) && apiErr.RateLimited()
		return Page{}, &SourceError{Op: method, StatusCode: status, Retryable: retry, Err: err}
	}
	if !paginated {
		page.IsLast = true
	} else if page.Total >= 0 && req.Page*perPage >= page.Total {
		page.IsLast = true
	}

	c.logger.Debug("poster page fetched",
		"method", method, "page", req.Page, "per_page", perPage,
		"records", len(page.Records), "total", page.Total, "last", page.IsLast,
		"elapsed_ms", time.Since(start).Milliseconds())
	return page, nil
}

func (c *Client) get(ctx context.Context, method string, params url.Values) ([]byte, int, error) {
	u := c.baseURL + "/" + method + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, &SourceError{Op: method, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Caller cancellation is not a transient failure.
		if ctx.Err() != nil {
			return nil, 0, &SourceError{Op: method, Err: ctx.Err()}
		}
		return nil, 0, &SourceError{Op: method, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &SourceError{Op: method, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, resp.StatusCode, &SourceError{Op: method, StatusCode: resp.StatusCode, Retryable: true,
			Err: fmt.Errorf("%s", truncate(body, 200))}
	case resp.StatusCode >= 400:
		return nil, resp.StatusCode, &SourceError{Op: method, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s", truncate(body, 200))}
	}
	return body, resp.StatusCode, nil
}

// =============================================================================
// ENVELOPE
// =============================================================================

type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    json.RawMessage `json:"error"`
}

type pagedResponse struct {
	Count json.Number `json:"count"`
	Data  []Record    `json:"data"`
}

// parsePage decodes {"response": [...]} or {"response": {"count", "data"}}.
// Numbers are kept as json.Number.
func parsePage(body []byte) (Page, error) {
	var env envelope
	if err := decodeJSON(body, &env); err != nil {
		return Page{}, fmt.Errorf("%w: %v", generic.ErrParse, err)
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		apiErr := &APIError{}
		if err := decodeJSON(env.Error, apiErr); err != nil {
			// Poster sometimes sends a bare code or message.
			apiErr.Message = string(env.Error)
		}
		return Page{}, apiErr
	}

	raw := bytes.TrimSpace(env.Response)
	if len(raw) == 0 || string(raw) == "null" {
		return Page{}, fmt.Errorf("%w: missing response field", generic.ErrParse)
	}

	switch raw[0] {
	case '[':
		var records []Record
		if err := decodeJSON(raw, &records); err != nil {
			return Page{}, fmt.Errorf("%w: %v", generic.ErrParse, err)
		}
		return Page{Records: records, Total: -1}, nil
	case '{':
		var pr pagedResponse
		if err := decodeJSON(raw, &pr); err != nil {
			return Page{}, fmt.Errorf("%w: %v", generic.ErrParse, err)
		}
		total := -1
		if pr.Count != "" {
			if n, err := pr.Count.Int64(); err == nil {
				total = int(n)
			}
		}
		return Page{Records: pr.Data, Total: total}, nil
	}
	return Page{}, fmt.Errorf("%w: unexpected response %s", generic.ErrParse, truncate(raw, 40))
}

func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// IsParseError reports an undecodable payload.
func IsParseError(err error) bool {
	return errors.Is(err, generic.ErrParse)
}
