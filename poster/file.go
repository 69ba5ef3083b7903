package poster

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-engine/generic"
)

// FileSource replays an exported dump instead of calling the API. The file
// is YAML (JSON dumps parse too) keyed by entity set:
//
//	transactions: [{transaction_id: 1, sum: "10000", ...}]
//	clients: [...]
//	products: [...]
//	spots: [...]
type FileSource struct {
	records map[generic.SyncKind][]Record
	loc     *time.Location
}

type dump struct {
	Transactions []Record `yaml:"transactions"`
	Clients      []Record `yaml:"clients"`
	Products     []Record `yaml:"products"`
	Spots        []Record `yaml:"spots"`
}

// LoadFile reads a dump file.
func LoadFile(path string, loc *time.Location) (*FileSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dump: %w", err)
	}
	return ParseDump(b, loc)
}

// ParseDump parses dump content.
func ParseDump(b []byte, loc *time.Location) (*FileSource, error) {
	var d dump
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: dump: %v", generic.ErrParse, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &FileSource{
		records: map[generic.SyncKind][]Record{
			generic.SyncTransactions: d.Transactions,
			generic.SyncClients:      d.Clients,
			generic.SyncProducts:     d.Products,
			generic.SyncSpots:        d.Spots,
		},
		loc: loc,
	}, nil
}

// Fetch pages through the dump. Transactions are filtered by date_close
// when a window is given; records without a parseable date are kept.
func (f *FileSource) Fetch(ctx context.Context, req PageRequest) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	all := f.records[req.Kind]
	if req.Kind == generic.SyncTransactions && !req.Window.IsZero() {
		all = f.inWindow(all, req.Window)
	}
	if req.Page < 1 {
		req.Page = 1
	}
	perPage := ClampPageSize(req.PerPage)
	start := (req.Page - 1) * perPage
	if start >= len(all) {
		return Page{IsLast: true, Total: len(all)}, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return Page{Records: all[start:end], IsLast: end == len(all), Total: len(all)}, nil
}

func (f *FileSource) inWindow(records []Record, w generic.Window) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		raw, ok := r["date_close"]
		if !ok {
			out = append(out, r)
			continue
		}
		t, err := value{raw}.time(f.loc)
		if err != nil || t == nil || w.Contains(*t) {
			out = append(out, r)
		}
	}
	return out
}
