// Package crawler reconstructs the full file listing of a document folder
// across pagination and nested folders.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"uisassist-backend/internal/components/assert"
	"uisassist-backend/internal/components/chrono"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/extract"
	"uisassist-backend/internal/portal"
	"uisassist-backend/pkg/htmlutil"
	"uisassist-backend/pkg/sanitize"
	"uisassist-backend/pkg/textutil"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"
)

const (
	report_crawler_crawl     = "crawler.crawl"
	report_crawler_paginate  = "crawler.paginate"
	report_crawler_recurse   = "crawler.recurse"
	report_crawler_download  = "crawler.download"
	report_crawler_stale     = "crawler.stale-link"
	report_crawler_file_seen = "crawler.files"
)

const (
	DefaultMaxDepth        = 2
	DefaultListingEndpoint = "slozka.pl"
	DefaultDownloadMarker  = "download="

	// minNameSimilarity is the Jaro-Winkler score a renamed file needs to be
	// accepted as the same logical file after a stale download.
	minNameSimilarity = 0.9
)

type Options struct {
	// BaseUrl is the documents root, relative folder links resolve against it.
	BaseUrl         string
	AllowedHost     string
	ListingEndpoint string
	DownloadMarker  string
	MaxDepth        int
	// Concurrency bounds sibling page and subfolder fetches, 1 is sequential.
	Concurrency int
}

// Downloader fetches file contents, portal.Client implements it.
type Downloader interface {
	Download(ctx context.Context, link string) (portal.Page, error)
}

type Crawler struct {
	fetcher    portal.Fetcher
	downloader Downloader
	time       chrono.TimeAPI
	tel        telemetry.API
	base       *url.URL
	opts       Options
}

func NewCrawler(fetcher portal.Fetcher, downloader Downloader, time chrono.TimeAPI, opts Options, tel telemetry.API) (*Crawler, error) {
	assert.NotNil(fetcher)
	assert.NotNil(downloader)
	assert.NotNil(time)
	assert.NotEmptyStr(opts.AllowedHost)

	if opts.ListingEndpoint == "" {
		opts.ListingEndpoint = DefaultListingEndpoint
	}
	if opts.DownloadMarker == "" {
		opts.DownloadMarker = DefaultDownloadMarker
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BaseUrl == "" {
		opts.BaseUrl = "https://" + opts.AllowedHost + "/"
	}
	base, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	return &Crawler{
		fetcher:    fetcher,
		downloader: downloader,
		time:       time,
		tel:        telemetry.NewScopedAPI("crawler", tel),
		base:       base,
		opts:       opts,
	}, nil
}

type Result struct {
	Files           []extract.ParsedFile `json:"files"`
	PaginationLinks []string             `json:"pagination_links"`
}

// Resolve rehomes a folder or file link against the documents root and
// validates it. It returns "" for links off the allowed host.
func (c *Crawler) Resolve(link string) string {
	resolved, ok := htmlutil.ResolveLink(c.base, link)
	if !ok {
		return ""
	}
	return sanitize.Url(resolved.String(), c.opts.AllowedHost)
}

func (c *Crawler) documentOptions(page string) extract.DocumentOptions {
	base, err := url.Parse(page)
	if err != nil {
		base = c.base
	}
	return extract.DocumentOptions{
		Base:            base,
		AllowedHost:     c.opts.AllowedHost,
		ListingEndpoint: c.opts.ListingEndpoint,
		DownloadMarker:  c.opts.DownloadMarker,
		Now:             c.time.Now(),
	}
}

// Crawl lists a folder. When recursive, nested folders are descended into
// up to MaxDepth levels below the folder. Only a failure to fetch the folder
// itself is returned, failing pagination pages or subfolders leave partial
// results.
func (c *Crawler) Crawl(ctx context.Context, folder string, recursive bool) (Result, error) {
	link := c.Resolve(folder)
	if link == "" {
		err := fmt.Errorf("folder link %q is not on %s", folder, c.opts.AllowedHost)
		c.tel.ReportWarning(report_crawler_crawl, err)
		return Result{}, err
	}
	result, err := c.crawl(ctx, link, recursive, 0)
	if err != nil {
		return Result{}, err
	}
	c.tel.ReportCount(report_crawler_file_seen, int64(len(result.Files)))
	return result, nil
}

func (c *Crawler) fetchListing(ctx context.Context, link string) (extract.DocumentListing, error) {
	doc, err := portal.FetchDocument(ctx, c.fetcher, link)
	if err != nil {
		return extract.DocumentListing{}, err
	}
	return extract.ParseDocuments(c.tel, doc, c.documentOptions(link)), nil
}

func (c *Crawler) crawl(ctx context.Context, folder string, recursive bool, depth int) (Result, error) {
	listing, err := c.fetchListing(ctx, folder)
	if err != nil {
		c.tel.ReportBroken(report_crawler_crawl, fmt.Errorf("fetch folder: %w", err), folder, depth)
		return Result{}, err
	}

	files := listing.Files
	files = append(files, c.fetchPages(ctx, listing.PaginationLinks)...)

	if recursive && depth < c.opts.MaxDepth {
		files = append(files, c.recurse(ctx, files, depth)...)
	}

	return Result{
		Files:           c.filter(Dedupe(files, c.isDownloadLink)),
		PaginationLinks: listing.PaginationLinks,
	}, nil
}

// fetchPages fetches every pagination page discovered on a folder page. The
// pages' own pagination links are not followed.
func (c *Crawler) fetchPages(ctx context.Context, links []string) []extract.ParsedFile {
	pages := make([][]extract.ParsedFile, len(links))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Concurrency)
	for i, link := range links {
		group.Go(func() error {
			listing, err := c.fetchListing(groupCtx, link)
			if err != nil {
				c.tel.ReportBroken(report_crawler_paginate, err, link)
				return nil
			}
			pages[i] = listing.Files
			return nil
		})
	}
	group.Wait()

	out := []extract.ParsedFile{}
	for _, files := range pages {
		out = append(out, files...)
	}
	return out
}

func (c *Crawler) folderOf(file extract.ParsedFile) (string, bool) {
	if len(file.Files) != 1 {
		return "", false
	}
	link := file.Files[0].Link
	if !c.isFolderLink(link) {
		return "", false
	}
	return link, true
}

func (c *Crawler) recurse(ctx context.Context, files []extract.ParsedFile, depth int) []extract.ParsedFile {
	type child struct {
		parent string
		link   string
	}
	children := []child{}
	seen := map[string]struct{}{}
	for _, f := range files {
		link, ok := c.folderOf(f)
		if !ok {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		children = append(children, child{parent: f.FileName, link: link})
	}

	nested := make([][]extract.ParsedFile, len(children))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Concurrency)
	for i, ch := range children {
		group.Go(func() error {
			result, err := c.crawl(groupCtx, ch.link, true, depth+1)
			if err != nil {
				c.tel.ReportWarning(report_crawler_recurse, err, ch.link, depth+1)
				return nil
			}
			for j := range result.Files {
				result.Files[j].Subfolder = joinSubfolder(ch.parent, result.Files[j].Subfolder)
			}
			nested[i] = result.Files
			return nil
		})
	}
	group.Wait()

	out := []extract.ParsedFile{}
	for _, files := range nested {
		out = append(out, files...)
	}
	return out
}

var ErrNoSubfolder = errors.New("subfolder not found")

// Subfolder resolves a path as found in ParsedFile.Subfolder of a recursive
// crawl of folder to the link of the folder holding the file, descending one
// listing per path segment.
func (c *Crawler) Subfolder(ctx context.Context, folder, path string) (string, error) {
	link := c.Resolve(folder)
	if link == "" {
		return "", fmt.Errorf("folder link %q is not on %s", folder, c.opts.AllowedHost)
	}
	if path == "" {
		return link, nil
	}
	for _, name := range strings.Split(path, "/") {
		listing, err := c.fetchListing(ctx, link)
		if err != nil {
			c.tel.ReportBroken(report_crawler_recurse, fmt.Errorf("fetch folder: %w", err), link)
			return "", err
		}
		files := append(listing.Files, c.fetchPages(ctx, listing.PaginationLinks)...)
		next := ""
		for _, f := range files {
			child, ok := c.folderOf(f)
			if ok && f.FileName == name {
				next = child
				break
			}
		}
		if next == "" {
			return "", fmt.Errorf("%w: %s in %s", ErrNoSubfolder, name, link)
		}
		link = next
	}
	return link, nil
}

func joinSubfolder(parent, child string) string {
	if child == "" {
		return parent
	}
	return parent + "/" + child
}

func (c *Crawler) links() extract.DocumentOptions {
	return extract.DocumentOptions{
		ListingEndpoint: c.opts.ListingEndpoint,
		DownloadMarker:  c.opts.DownloadMarker,
	}
}

func (c *Crawler) isDownloadLink(link string) bool {
	return c.links().IsDownloadLink(link)
}

func (c *Crawler) isFolderLink(link string) bool {
	return c.links().IsFolderLink(link)
}

// Dedupe keeps one record per primary link. When two records share it the
// one carrying a download link wins, then the one with more attachments,
// otherwise the first one seen.
func Dedupe(files []extract.ParsedFile, isDownload func(string) bool) []extract.ParsedFile {
	hasDownload := func(f extract.ParsedFile) bool {
		for _, a := range f.Files {
			if isDownload(a.Link) {
				return true
			}
		}
		return false
	}
	better := func(candidate, existing extract.ParsedFile) bool {
		cd, ed := hasDownload(candidate), hasDownload(existing)
		if cd != ed {
			return cd
		}
		return len(candidate.Files) > len(existing.Files)
	}

	index := map[string]int{}
	out := []extract.ParsedFile{}
	for _, f := range files {
		key := f.PrimaryLink()
		if key == "" {
			out = append(out, f)
			continue
		}
		existing, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, f)
			continue
		}
		if better(f, out[existing]) {
			out[existing] = f
		}
	}
	return out
}

// filter drops records without files and pure folder navigation records.
func (c *Crawler) filter(files []extract.ParsedFile) []extract.ParsedFile {
	out := make([]extract.ParsedFile, 0, len(files))
	for _, f := range files {
		if len(f.Files) == 0 {
			continue
		}
		if _, isFolder := c.folderOf(f); isFolder {
			continue
		}
		out = append(out, f)
	}
	return out
}

type DownloadResult struct {
	// Link is the link the content was downloaded from or, when Stale, the
	// original link the caller can offer for a manual download.
	Link string
	// Name is the attachment's name as listed, usable as a local file name
	// after sanitizing.
	Name        string
	ContentType string
	Body        []byte
	Stale       bool
}

// Download fetches an attachment of a file found in folder. Download links
// are ephemeral, so a 404 triggers one re-listing of the folder to find a
// fresh link for the same file and one retry. If that fails too the stale
// link is returned with Stale set and no error.
func (c *Crawler) Download(ctx context.Context, folder string, file extract.ParsedFile, attachment extract.FileAttachment) (DownloadResult, error) {
	page, err := c.downloader.Download(ctx, attachment.Link)
	if err == nil {
		return DownloadResult{Link: attachment.Link, Name: attachment.Name, ContentType: page.ContentType, Body: page.Body}, nil
	}
	if !errors.Is(err, portal.ErrNotFound) {
		c.tel.ReportBroken(report_crawler_download, err, attachment.Link)
		return DownloadResult{}, err
	}

	c.tel.ReportWarning(report_crawler_stale, "download link expired", attachment.Link)
	stale := DownloadResult{Link: attachment.Link, Name: attachment.Name, Stale: true}

	link := c.Resolve(folder)
	if link == "" {
		return stale, nil
	}
	listing, err := c.crawl(ctx, link, false, 0)
	if err != nil {
		c.tel.ReportWarning(report_crawler_stale, fmt.Errorf("refresh folder: %w", err), folder)
		return stale, nil
	}
	fresh, ok := FindAttachment(listing.Files, file, attachment)
	if !ok || fresh.Link == attachment.Link {
		c.tel.ReportWarning(report_crawler_stale, "no fresh link", file.FileName)
		return stale, nil
	}

	page, err = c.downloader.Download(ctx, fresh.Link)
	if err != nil {
		c.tel.ReportWarning(report_crawler_stale, fmt.Errorf("retry: %w", err), fresh.Link)
		return stale, nil
	}
	return DownloadResult{Link: fresh.Link, Name: fresh.Name, ContentType: page.ContentType, Body: page.Body}, nil
}

// FindAttachment locates the same logical file in a fresh (non recursive)
// listing by file name. An exact match wins, then a match ignoring case and
// whitespace, then the one name similar enough that differs only in wording.
// Names whose numbers differ never match. Within the file the attachment with
// the same name wins, else the one at the same position.
func FindAttachment(files []extract.ParsedFile, file extract.ParsedFile, attachment extract.FileAttachment) (extract.FileAttachment, bool) {
	match := matchFile(files, file.FileName)
	if match < 0 {
		return extract.FileAttachment{}, false
	}

	candidates := files[match].Files
	for _, a := range candidates {
		if a.Name == attachment.Name {
			return a, true
		}
	}
	for i, a := range file.Files {
		if a.Link == attachment.Link && i < len(candidates) {
			return candidates[i], true
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return extract.FileAttachment{}, false
}

func matchFile(files []extract.ParsedFile, name string) int {
	for i, f := range files {
		if f.FileName == name {
			return i
		}
	}
	normalized := textutil.NormalizeName(name)
	for i, f := range files {
		if textutil.NormalizeName(f.FileName) == normalized {
			return i
		}
	}

	// fuzzy matches are only trusted when unambiguous
	match := -1
	for i, f := range files {
		if !textutil.SameNumbers(f.FileName, name) {
			continue
		}
		if matchr.JaroWinkler(f.FileName, name, false) < minNameSimilarity {
			continue
		}
		if match >= 0 {
			return -1
		}
		match = i
	}
	return match
}
