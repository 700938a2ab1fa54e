package fetcher

import (
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CollapseSpace trims s and folds runs of whitespace into single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CleanText strips markup from upstream copy, decodes entities and collapses
// whitespace. Plain text passes through unchanged apart from whitespace.
func CleanText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return CollapseSpace(s)
	}
	if strings.Contains(s, "<") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			doc.Find("script,style").Remove()
			// The HTML parser has already decoded entities.
			return CollapseSpace(doc.Text())
		}
	}
	return CollapseSpace(html.UnescapeString(s))
}
