package nobitex

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// fields is a loosely typed JSON object. The exchange is inconsistent about
// whether numbers, flags and timestamps arrive as strings or native values.
type fields map[string]json.RawMessage

// str returns the first of names holding a JSON string.
func (f fields) str(names ...string) string {
	for _, name := range names {
		raw, ok := f[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func (f fields) int64(name string) int64 {
	raw, ok := f[name]
	if !ok {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v
		}
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func (f fields) int(name string) int {
	return int(f.int64(name))
}

// decimal reads a number or numeric string; anything else is zero.
func (f fields) decimal(name string) decimal.Decimal {
	raw, ok := f[name]
	if !ok {
		return decimal.Zero
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// boolean returns the first of names holding a boolean, a "true"/"false"
// string or a number.
func (f fields) boolean(names ...string) (bool, bool) {
	for _, name := range names {
		raw, ok := f[name]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, true
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return v, true
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			if v, err := n.Int64(); err == nil {
				return v != 0, true
			}
		}
	}
	return false, false
}

// time reads an RFC 3339 string or unix milliseconds.
func (f fields) time(name string) (time.Time, bool) {
	raw, ok := f[name]
	if !ok {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if ms, err := n.Int64(); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}

func (f fields) object(name string) fields {
	raw, ok := f[name]
	if !ok {
		return nil
	}
	var obj fields
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// array decodes name into out. A missing or null field leaves out empty.
func (f fields) array(name string, out *[]fields) error {
	raw, ok := f[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
