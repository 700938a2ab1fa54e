package fetcher

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// ScanXMLRecords finds every element whose local name is in tags and turns
// its immediate children into a flat key→text record. The first occurrence
// of a key wins; attributes of the matched element are recorded before the
// children. The decoder resolves XML and HTML entities exactly once and text
// is whitespace-collapsed. Malformed input ends the scan and returns what
// was collected so far.
func ScanXMLRecords(body []byte, tags []string) []Record {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[strings.ToLower(t)] = true
	}

	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.Strict = false
	decoder.Entity = xml.HTMLEntity
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var out []Record
	for {
		tok, err := decoder.Token()
		if err != nil {
			return out
		}
		se, ok := tok.(xml.StartElement)
		if !ok || !want[strings.ToLower(se.Name.Local)] {
			continue
		}
		rec, complete := readRecord(decoder, se)
		if len(rec) > 0 {
			out = append(out, rec)
		}
		if !complete {
			return out
		}
	}
}

// readRecord consumes tokens up to the end of start and collects its direct
// children. complete is false when the input ended early.
func readRecord(decoder *xml.Decoder, start xml.StartElement) (Record, bool) {
	rec := Record{}
	for _, a := range start.Attr {
		setFirst(rec, a.Name.Local, a.Value)
	}

	depth := 0
	var key string
	var text strings.Builder
	for {
		tok, err := decoder.Token()
		if err != nil {
			return rec, false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				key = strings.ToLower(t.Name.Local)
				text.Reset()
			}
		case xml.CharData:
			if depth >= 1 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				return rec, true
			}
			if depth == 1 {
				setFirst(rec, key, text.String())
			}
			depth--
		}
	}
}

func setFirst(rec Record, key, value string) {
	if key == "" {
		return
	}
	if _, exists := rec[key]; exists {
		return
	}
	rec[key] = CollapseSpace(value)
}
