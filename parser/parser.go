// Package parser normalises values extracted from catalog pages.
package parser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-catalog-harvester/models"
	"golang.org/x/net/html"
)

// DefaultSection names specification rows that precede any section header.
const DefaultSection = "General"

// ValidateRecord ensures the fetcher captured the identifying field.
func ValidateRecord(r *models.ItemRecord) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.SKU) == "" {
		return fmt.Errorf("record missing SKU")
	}
	return nil
}

// NormalizeImageURL rewrites protocol-relative references to https and blanks
// the catalog's "no picture" placeholder.
func NormalizeImageURL(raw, placeholder string) string {
	ref := strings.TrimSpace(raw)
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}
	if placeholder != "" && (ref == placeholder || ref == NormalizeImageURL(placeholder, "")) {
		return ""
	}
	return ref
}

// StyleURL returns the argument of the first url(...) in an inline style.
func StyleURL(style string) string {
	start := strings.Index(style, "url(")
	if start == -1 {
		return ""
	}
	start += len("url(")
	end := strings.Index(style[start:], ")")
	if end == -1 {
		return ""
	}
	ref := style[start : start+end]
	ref = strings.NewReplacer("'", "", `"`, "").Replace(ref)
	return strings.TrimSpace(ref)
}

// SerializeSpecifications renders the specification table found in markup as
// header-prefixed blocks:
//
//	Section:
//	Label: Value
//	<blank line>
//
// Each tbody is one block; its th names the section, otherwise the previous
// section name (initially DefaultSection) is reused. Only rows with exactly two
// data cells count, and blocks without rows are omitted. An empty tableSelector
// uses the first table in markup.
func SerializeSpecifications(markup, tableSelector string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	if tableSelector == "" {
		tableSelector = "table"
	}
	table := doc.Find(tableSelector).First()
	if table.Length() == 0 {
		return ""
	}

	var out strings.Builder
	section := DefaultSection
	table.ChildrenFiltered("tbody").Each(func(_ int, body *goquery.Selection) {
		if th := body.Find("th").First(); th.Length() > 0 {
			section = StrippedText(th)
		}
		var rows strings.Builder
		body.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.ChildrenFiltered("td")
			if cells.Length() != 2 {
				return
			}
			rows.WriteString(StrippedText(cells.Eq(0)))
			rows.WriteString(": ")
			rows.WriteString(StrippedText(cells.Eq(1)))
			rows.WriteString("\n")
		})
		if rows.Len() == 0 {
			return
		}
		out.WriteString(section)
		out.WriteString(":\n")
		out.WriteString(rows.String())
		out.WriteString("\n")
	})
	return out.String()
}

// BreadcrumbTrail joins the breadcrumb segments in markup with " / ",
// dropping empty segments and the sentinel (compared case-insensitively).
func BreadcrumbTrail(markup, sentinel string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	segments := doc.Find("li")
	if segments.Length() == 0 {
		segments = doc.Find("a")
	}

	var parts []string
	segments.Each(func(_ int, s *goquery.Selection) {
		text := StrippedText(s)
		if text == "" {
			return
		}
		if sentinel != "" && strings.EqualFold(text, strings.TrimSpace(sentinel)) {
			return
		}
		parts = append(parts, text)
	})
	return strings.Join(parts, " / ")
}

// StrippedText concatenates the trimmed text nodes under s, skipping blanks.
func StrippedText(s *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return b.String()
}

// IdentifierFromLink returns the last path segment of href when href contains
// marker. Query strings and fragments are ignored.
func IdentifierFromLink(href, marker string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	if marker != "" && !strings.Contains(href, marker) {
		return "", false
	}
	if i := strings.IndexAny(href, "?#"); i != -1 {
		href = href[:i]
	}
	segment := href[strings.LastIndex(href, "/")+1:]
	if unescaped, err := url.PathUnescape(segment); err == nil {
		segment = unescaped
	}
	if segment == "" {
		return "", false
	}
	return segment, true
}

// UniqueIdentifiers extracts identifiers from hrefs and collapses duplicates,
// keeping first-seen order.
func UniqueIdentifiers(hrefs []string, marker string) []string {
	seen := make(map[string]struct{}, len(hrefs))
	ids := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		id, ok := IdentifierFromLink(href, marker)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
