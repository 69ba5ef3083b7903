package poster

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
)

// Record is one raw source record: field name to JSON-ish value (string,
// json.Number, float64, int, bool, nil, []any, map[string]any).
type Record map[string]any

// Key returns the field formatted for logs, "" if absent.
func (r Record) Key(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Poster serializes most numbers as strings and dates in several layouts.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

type value struct {
	raw any
}

func (v value) text() string {
	switch x := v.raw.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func (v value) str() (string, error) {
	switch v.raw.(type) {
	case []any, map[string]any:
		return "", fmt.Errorf("expected scalar, got %T", v.raw)
	}
	return v.text(), nil
}

func (v value) decimal() (decimal.Decimal, error) {
	s, err := v.str()
	if err != nil {
		return decimal.Zero, err
	}
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	return d, nil
}

func (v value) int() (int64, error) {
	d, err := v.decimal()
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not an integer: %s", d)
	}
	return d.IntPart(), nil
}

// money accepts minor units; a fractional part is rounded half away from zero.
func (v value) money() (generic.Money, error) {
	d, err := v.decimal()
	if err != nil {
		return 0, err
	}
	return generic.Money(d.Round(0).IntPart()), nil
}

func (v value) percent() (generic.Percent, error) {
	d, err := v.decimal()
	if err != nil {
		return generic.Percent{}, err
	}
	if d.IsNegative() {
		return generic.Percent{}, fmt.Errorf("negative percent %s", d)
	}
	return generic.Percent{Decimal: d}, nil
}

func (v value) bool() (bool, error) {
	switch x := v.raw.(type) {
	case bool:
		return x, nil
	}
	s, err := v.str()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true, nil
	case "", "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// time parses a millisecond epoch or one of dateLayouts. Zero dates
// ("0", "0000-00-00") decode to nil.
func (v value) time(loc *time.Location) (*time.Time, error) {
	s, err := v.str()
	if err != nil {
		return nil, err
	}
	if s == "" || s == "0" || strings.HasPrefix(s, "0000-00-00") {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).In(loc)
		return &t, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", s)
}
