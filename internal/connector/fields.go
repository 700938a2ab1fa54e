package connector

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/adbroker/internal/fetcher"
)

// lookup resolves a key or a dotted path such as "company.name".
func lookup(rec fetcher.Record, key string) (any, bool) {
	if v, ok := rec[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	var cur any = map[string]any(rec)
	for _, part := range strings.Split(key, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// str returns the first non-empty value among keys as cleaned text.
func str(rec fetcher.Record, keys ...string) string {
	for _, k := range keys {
		v, ok := lookup(rec, k)
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			s = t.String()
		case bool:
			s = strconv.FormatBool(t)
		default:
			continue
		}
		if s = fetcher.CleanText(s); s != "" {
			return s
		}
	}
	return ""
}

// num returns the first parseable number among keys. Strings may carry
// currency symbols, thousands separators or a trailing percent sign.
func num(rec fetcher.Record, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := lookup(rec, k)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, ok := parseNumber(t); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", "%", "", "USD", "", "EUR", "").Replace(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.0",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// when returns the first parseable timestamp among keys. Numbers are read as
// unix seconds, or milliseconds when large enough.
func when(rec fetcher.Record, keys ...string) *time.Time {
	for _, k := range keys {
		v, ok := lookup(rec, k)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			if t <= 0 {
				continue
			}
			ts := epoch(int64(t))
			return &ts
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			for _, layout := range timeLayouts {
				if parsed, err := time.Parse(layout, s); err == nil {
					ts := parsed.UTC()
					return &ts
				}
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
				ts := epoch(n)
				return &ts
			}
		}
	}
	return nil
}

func epoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// list returns string values of key, accepting either a JSON array or a
// comma-separated string.
func list(rec fetcher.Record, key string) []string {
	v, ok := lookup(rec, key)
	if !ok || v == nil {
		return nil
	}
	var raw []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			} else if obj, ok := item.(map[string]any); ok {
				if s := str(fetcher.Record(obj), "name", "label", "slug"); s != "" {
					raw = append(raw, s)
				}
			}
		}
	case string:
		raw = strings.Split(t, ",")
	}
	var out []string
	for _, s := range raw {
		if s = fetcher.CollapseSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// quality maps 0-1 and 0-100 scales onto 0-1. A missing value gets
// defaultQuality.
func quality(rec fetcher.Record, keys ...string) float64 {
	q, ok := num(rec, keys...)
	if !ok || q < 0 {
		return defaultQuality
	}
	if q > 1 {
		q /= 100
	}
	if q > 1 {
		q = 1
	}
	return q
}

const defaultQuality = 0.5
