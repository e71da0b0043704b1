package extract

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/pkg/htmlutil"
	"uisassist-backend/pkg/sanitize"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_documents_parse_row    = "documents.parse-row"
	report_documents_parse_detail = "documents.parse-detail"
	report_documents_pagination   = "documents.pagination"
)

const (
	maxNameLen    = 255
	maxCommentLen = 1000
	maxAuthorLen  = 120

	FileTypeFolder = "folder"
	FileTypeFile   = "file"
)

type FileAttachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Link string `json:"link"`
}

type ParsedFile struct {
	Subfolder   string           `json:"subfolder"`
	FileName    string           `json:"file_name"`
	FileComment string           `json:"file_comment"`
	Author      string           `json:"author"`
	Date        string           `json:"date"`
	Files       []FileAttachment `json:"files"`
}

// PrimaryLink is the identity of a record for deduplication, "" when the
// record carries no files.
func (f ParsedFile) PrimaryLink() string {
	if len(f.Files) == 0 {
		return ""
	}
	return f.Files[0].Link
}

type DocumentOptions struct {
	// Base is the url of the listing page, relative links resolve against it.
	Base        *url.URL
	AllowedHost string
	// ListingEndpoint is the path fragment every folder/listing link contains.
	ListingEndpoint string
	// DownloadMarker is the query fragment only real download links contain.
	DownloadMarker string
	Now            time.Time
}

func (o DocumentOptions) IsListingLink(link string) bool {
	return o.ListingEndpoint != "" && strings.Contains(link, o.ListingEndpoint)
}

func (o DocumentOptions) IsDownloadLink(link string) bool {
	return o.DownloadMarker != "" && strings.Contains(link, o.DownloadMarker)
}

// IsFolderLink reports whether link navigates to another listing instead of
// downloading a file.
func (o DocumentOptions) IsFolderLink(link string) bool {
	return o.IsListingLink(link) && !o.IsDownloadLink(link)
}

// normalize resolves href against the listing page and validates it against
// the allowed host. The portal's ';' query separators are kept as written.
func (o DocumentOptions) normalize(href string) string {
	link, ok := htmlutil.ResolveLink(o.Base, href)
	if !ok {
		return ""
	}
	return sanitize.Url(link.String(), o.AllowedHost)
}

type DocumentListing struct {
	Files           []ParsedFile
	PaginationLinks []string
	// Strategy names the row tier or detail strategy that produced Files.
	Strategy string
}

var DocumentRowTiers = []Strategy[*goquery.Selection]{
	RowTier("document-table-rows", `table[id^="tmtab"] tbody tr.uis-hl-table`, 3, false),
	RowTier("highlighted-rows", "tr.uis-hl-table", 3, true),
	RowTier("wide-rows", "tr", 5, true),
}

// FindRows returns the rows of the first row tier that yields any.
func FindRows(tel telemetry.API, root *goquery.Selection) (*goquery.Selection, string) {
	rows, name, ok := RunStrategies(tel, root, DocumentRowTiers)
	if !ok {
		return &goquery.Selection{}, ""
	}
	return rows, name
}

// ParseDocuments turns a document listing (or a single document detail page)
// into records plus the pagination links found on the page.
func ParseDocuments(tel telemetry.API, doc *goquery.Document, opts DocumentOptions) DocumentListing {
	root := doc.Selection
	out := DocumentListing{
		Files:           []ParsedFile{},
		PaginationLinks: parsePagination(tel, root, opts),
	}

	detail, name, ok := RunStrategies(tel, root, DetailStrategies(tel, opts))
	if ok {
		out.Files = append(out.Files, detail)
		out.Strategy = name
		return out
	}

	rows, name := FindRows(tel, root)
	out.Strategy = name
	rows.Each(func(i int, row *goquery.Selection) {
		file, ok := parseDocumentRow(row, opts)
		if !ok {
			tel.ReportDebug("skipped document row", report_documents_parse_row, i)
			return
		}
		out.Files = append(out.Files, file)
	})
	return out
}

var paginationText = regexp.MustCompile(`^\d+-\d+$`)

func parsePagination(tel telemetry.API, root *goquery.Selection, opts DocumentOptions) []string {
	links := []string{}
	seen := map[string]struct{}{}
	root.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if !paginationText.MatchString(htmlutil.SafeText(a, "")) {
			return
		}
		href := htmlutil.SafeAttr(a, "href", "")
		if !opts.IsFolderLink(href) {
			return
		}
		link := opts.normalize(href)
		if link == "" {
			tel.ReportDebug("rejected pagination link", report_documents_pagination, href)
			return
		}
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func parseDocumentRow(row *goquery.Selection, opts DocumentOptions) (ParsedFile, bool) {
	cells := row.Children().Filter("td")
	if cells.Length() < 3 {
		return ParsedFile{}, false
	}

	nameIdx := -1
	var nameAnchor *goquery.Selection
	for i := range cells.Nodes {
		anchor := cells.Eq(i).Find("a[href]").FilterFunction(func(_ int, a *goquery.Selection) bool {
			return htmlutil.SafeText(a, "") != "" && !opts.IsDownloadLink(htmlutil.SafeAttr(a, "href", ""))
		}).First()
		if anchor.Length() > 0 {
			nameIdx = i
			nameAnchor = anchor
			break
		}
	}
	if nameIdx < 0 {
		return ParsedFile{}, false
	}

	file := ParsedFile{
		FileName:    sanitize.String(htmlutil.SafeText(nameAnchor, ""), maxNameLen),
		FileComment: sanitize.String(htmlutil.SafeText(htmlutil.Cell(cells, nameIdx+1), ""), maxCommentLen),
		Author:      sanitize.String(htmlutil.SafeText(htmlutil.Cell(cells, nameIdx+2), ""), maxAuthorLen),
		Files:       []FileAttachment{},
	}
	if file.FileName == "" {
		return ParsedFile{}, false
	}

	dateIdx := htmlutil.FindDateColumnIndex(cells)
	if dateIdx < 0 {
		dateIdx = nameIdx + 3
	}
	file.Date = sanitize.DateString(htmlutil.SafeText(htmlutil.Cell(cells, dateIdx), ""), opts.Now)

	row.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := htmlutil.SafeAttr(a, "href", "")
		if !opts.IsDownloadLink(href) {
			return
		}
		link := opts.normalize(href)
		if link == "" {
			return
		}
		file.Files = append(file.Files, FileAttachment{
			Name: attachmentName(a, file.FileName),
			Type: attachmentType(a),
			Link: link,
		})
	})

	if len(file.Files) == 0 {
		href := htmlutil.SafeAttr(nameAnchor, "href", "")
		link := opts.normalize(href)
		if link != "" && opts.IsFolderLink(href) {
			file.Files = append(file.Files, FileAttachment{
				Name: file.FileName,
				Type: FileTypeFolder,
				Link: link,
			})
		}
	}
	return file, true
}

var detailLabels = map[string][]string{
	"name":    {"název", "name"},
	"author":  {"vložil", "entered by"},
	"date":    {"datum vložení", "datum", "date"},
	"comment": {"komentář", "comments", "comment"},
}

// labeledValue finds a two cell row whose first cell is one of the labels
// (with an optional trailing colon) and returns the text of the second cell.
// Listing header rows have more cells and never match.
func labeledValue(root *goquery.Selection, labels []string) (string, bool) {
	value := ""
	found := false
	root.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.Children().Filter("th, td")
		if cells.Length() != 2 {
			return true
		}
		cell := cells.First()
		text := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(htmlutil.SafeText(cell, ""), ":")))
		for _, label := range labels {
			if text == label {
				value = htmlutil.SafeText(cell.Next(), "")
				found = true
				return false
			}
		}
		return true
	})
	return value, found
}

// DetailStrategies lists the ways a single document page is recognized, in
// priority order.
func DetailStrategies(tel telemetry.API, opts DocumentOptions) []Strategy[ParsedFile] {
	return []Strategy[ParsedFile]{
		{
			Name: "labeled-detail-page",
			Run: func(root *goquery.Selection) (ParsedFile, bool) {
				return ParseDetailPage(tel, root, opts)
			},
		},
	}
}

// ParseDetailPage recognizes the single document page (labeled metadata
// cells plus attachment links) and builds its one record. ok is false when
// the page is shaped like anything else.
func ParseDetailPage(tel telemetry.API, root *goquery.Selection, opts DocumentOptions) (ParsedFile, bool) {
	name, ok := labeledValue(root, detailLabels["name"])
	if !ok {
		tel.ReportDebug("no name label", report_documents_parse_detail)
		return ParsedFile{}, false
	}
	author, hasAuthor := labeledValue(root, detailLabels["author"])
	date, hasDate := labeledValue(root, detailLabels["date"])
	comment, hasComment := labeledValue(root, detailLabels["comment"])
	if !hasAuthor && !hasDate && !hasComment {
		tel.ReportDebug("no metadata labels", report_documents_parse_detail)
		return ParsedFile{}, false
	}

	file := ParsedFile{
		FileName:    sanitize.String(name, maxNameLen),
		FileComment: sanitize.String(comment, maxCommentLen),
		Author:      sanitize.String(author, maxAuthorLen),
		Date:        sanitize.DateString(date, opts.Now),
		Files:       []FileAttachment{},
	}
	root.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := htmlutil.SafeAttr(a, "href", "")
		if !opts.IsDownloadLink(href) {
			return
		}
		link := opts.normalize(href)
		if link == "" {
			return
		}
		file.Files = append(file.Files, FileAttachment{
			Name: attachmentName(a, file.FileName),
			Type: attachmentType(a),
			Link: link,
		})
	})
	if len(file.Files) == 0 || file.FileName == "" {
		tel.ReportDebug("no attachment links", report_documents_parse_detail)
		return ParsedFile{}, false
	}
	return file, true
}

func attachmentName(a *goquery.Selection, fallback string) string {
	name := htmlutil.SafeText(a, "")
	if name == "" {
		name = htmlutil.SafeAttr(a, "title", "")
	}
	if name == "" {
		name = fallback
	}
	return sanitize.FileName(name)
}

// attachmentType prefers the file extension of the link text, then the alt or
// title of the icon inside the anchor.
func attachmentType(a *goquery.Selection) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(htmlutil.SafeText(a, ""))), ".")
	if ext != "" && len(ext) <= 5 {
		return ext
	}
	img := a.Find("img")
	hint := htmlutil.SafeAttr(img, "alt", htmlutil.SafeAttr(img, "title", ""))
	hint = strings.ToLower(sanitize.String(hint, 16))
	if hint != "" && !strings.Contains(hint, " ") {
		return hint
	}
	return FileTypeFile
}
