package fetcher

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Record is one flat upstream item before network-specific mapping.
type Record map[string]any

// Strategy extracts records from a response body. doc is the decoded JSON
// document, or nil when the body is not JSON.
type Strategy struct {
	Name    string
	Extract func(doc any, raw []byte) []Record
}

// JSONArray matches a top-level array of objects.
func JSONArray() Strategy {
	return Strategy{
		Name: "array",
		Extract: func(doc any, _ []byte) []Record {
			return objects(doc)
		},
	}
}

// JSONWrapper matches the first of keys holding an array of objects.
func JSONWrapper(keys ...string) Strategy {
	return Strategy{
		Name: "wrapper:" + strings.Join(keys, "|"),
		Extract: func(doc any, _ []byte) []Record {
			obj, ok := doc.(map[string]any)
			if !ok {
				return nil
			}
			for _, k := range keys {
				if recs := objects(obj[k]); len(recs) > 0 {
					return recs
				}
			}
			return nil
		},
	}
}

// JSONNested matches an array of objects at a dotted path such as data.items.
func JSONNested(path string) Strategy {
	parts := strings.Split(path, ".")
	return Strategy{
		Name: "nested:" + path,
		Extract: func(doc any, _ []byte) []Record {
			cur := doc
			for _, p := range parts {
				obj, ok := cur.(map[string]any)
				if !ok {
					return nil
				}
				cur = obj[p]
			}
			return objects(cur)
		},
	}
}

// XMLTags scans XML-ish text for the given repeating element names.
func XMLTags(tags ...string) Strategy {
	return Strategy{
		Name: "xml:" + strings.Join(tags, "|"),
		Extract: func(doc any, raw []byte) []Record {
			if doc != nil {
				return nil
			}
			return ScanXMLRecords(raw, tags)
		},
	}
}

// DefaultStrategies returns the ordered strategy list shared by connectors.
// The XML scan is appended only when tag names are given.
func DefaultStrategies(xmlTags ...string) []Strategy {
	strategies := []Strategy{
		JSONArray(),
		JSONWrapper("data", "items", "results"),
		JSONNested("data.items"),
		JSONNested("data.results"),
	}
	if len(xmlTags) > 0 {
		strategies = append(strategies, XMLTags(xmlTags...))
	}
	return strategies
}

// Extract applies strategies in order and returns the first non-empty match
// together with the name of the strategy that produced it.
func Extract(body []byte, strategies []Strategy) ([]Record, string) {
	var doc any
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			doc = nil
		}
	}

	for _, s := range strategies {
		if recs := s.Extract(doc, body); len(recs) > 0 {
			return recs, s.Name
		}
	}
	return nil, ""
}

func objects(v any) []Record {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, Record(obj))
		}
	}
	return out
}
