// Package htmlutil contains the null-safe traversal primitives every parser
// in this module is built on. None of these functions panic or return errors,
// missing nodes degrade to fallbacks.
package htmlutil

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var innerWhitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText removes non printable characters, trims and collapses inner whitespace.
func CleanText(s string) string {
	s = removeNonPrintable(s)
	s = innerWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SafeText returns the cleaned text of the selection or fallback if the
// selection is nil, empty or only whitespace.
func SafeText(sel *goquery.Selection, fallback string) string {
	if sel == nil || sel.Length() == 0 {
		return fallback
	}
	text := CleanText(sel.Text())
	if text == "" {
		return fallback
	}
	return text
}

// SafeAttr returns the trimmed attribute of the first node in the selection or fallback.
func SafeAttr(sel *goquery.Selection, name, fallback string) string {
	if sel == nil || sel.Length() == 0 {
		return fallback
	}
	value, ok := sel.First().Attr(name)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// SafeHtml returns the inner markup of the first node in the selection or "".
func SafeHtml(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	markup, err := sel.First().Html()
	if err != nil {
		return ""
	}
	return markup
}

var idRegexes sync.Map

func idRegex(param string) *regexp.Regexp {
	cached, ok := idRegexes.Load(param)
	if ok {
		return cached.(*regexp.Regexp)
	}
	compiled := regexp.MustCompile(`(?:^|[?;&/])` + regexp.QuoteMeta(param) + `=(\d+)`)
	idRegexes.Store(param, compiled)
	return compiled
}

// ExtractId pulls the numeric value of `param=<digits>` out of an href-like
// string. The portal separates query params with ';' which net/url refuses to
// parse, hence the regex. ok is false when there is no stable id in the link.
func ExtractId(link, param string) (id string, ok bool) {
	if link == "" || param == "" {
		return "", false
	}
	groups := idRegex(param).FindStringSubmatch(link)
	if len(groups) < 2 {
		return "", false
	}
	return groups[1], true
}

var datePattern = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`)

// HasDate reports whether s contains a DD.MM.YYYY date.
func HasDate(s string) bool {
	return datePattern.MatchString(s)
}

// FindDateColumnIndex returns the index of the first cell whose text contains a
// DD.MM.YYYY date or -1. Field offsets in listing rows are relative to this
// column since an optional leading checkbox column shifts absolute indices.
func FindDateColumnIndex(cells *goquery.Selection) int {
	if cells == nil {
		return -1
	}
	for i := range cells.Nodes {
		if HasDate(GetText(cells.Nodes[i])) {
			return i
		}
	}
	return -1
}

// Cell returns the i-th node of the selection as a selection, out of range
// indices return an empty selection rather than panicking.
func Cell(cells *goquery.Selection, i int) *goquery.Selection {
	if cells == nil || i < 0 || i >= cells.Length() {
		return &goquery.Selection{}
	}
	return cells.Eq(i)
}

var lineBreak = regexp.MustCompile(`(?i)<br\s*/?>`)
var tags = regexp.MustCompile(`<[^>]*>`)

// SplitLines splits markup on <br>, <br/> and <br /> and returns the cleaned
// text of each part, entities decoded.
func SplitLines(markup string) []string {
	parts := lineBreak.Split(markup, -1)
	out := make([]string, len(parts))
	for i, p := range parts {
		p = tags.ReplaceAllString(p, " ")
		out[i] = CleanText(html.UnescapeString(p))
	}
	return out
}

type Anchor struct {
	Name string
	Url  *url.URL
}

// ResolveLink resolves href against base without touching the raw query, so
// portal specific separators such as ';' survive.
func ResolveLink(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return nil, false
	}
	link, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	if base != nil {
		link = base.ResolveReference(link)
	}
	return link, true
}

// GetAnchors returns every anchor in the selection with a parsable href.
func GetAnchors(base *url.URL, sel *goquery.Selection) []Anchor {
	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		href := ""
		for _, a := range n.Attr {
			if a.Key == "href" {
				href = a.Val
				break
			}
		}
		link, ok := ResolveLink(base, href)
		if !ok {
			continue
		}
		anchors = append(anchors, Anchor{
			Name: CleanText(GetText(n)),
			Url:  link,
		})
	}
	return anchors
}
