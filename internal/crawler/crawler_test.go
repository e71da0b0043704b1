package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"uisassist-backend/internal/components/chrono"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/extract"
	"uisassist-backend/internal/portal"

	"github.com/stretchr/testify/require"
)

const host = "is.example.cz"
const root = "https://is.example.cz/dok/"

type fakePortal struct {
	lock      sync.Mutex
	pages     map[string]string
	files     map[string]string
	fetches   map[string]int
	downloads []string
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		pages:   map[string]string{},
		files:   map[string]string{},
		fetches: map[string]int{},
	}
}

func (f *fakePortal) Fetch(_ context.Context, link string) (portal.Page, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fetches[link]++
	body, ok := f.pages[link]
	if !ok {
		return portal.Page{Status: 404, Url: link}, &portal.StatusError{Status: 404, Url: link}
	}
	return portal.Page{Status: 200, Url: link, ContentType: "text/html", Body: []byte(body)}, nil
}

func (f *fakePortal) Download(_ context.Context, link string) (portal.Page, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.downloads = append(f.downloads, link)
	body, ok := f.files[link]
	if !ok {
		return portal.Page{Status: 404, Url: link}, &portal.StatusError{Status: 404, Url: link}
	}
	return portal.Page{Status: 200, Url: link, ContentType: "application/pdf", Body: []byte(body)}, nil
}

func (f *fakePortal) fetchCount(link string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.fetches[link]
}

func fileRow(folder, id int, name string) string {
	return fmt.Sprintf(`<tr class="uis-hl-table"><td>%d</td>
		<td><a href="slozka.pl?id=%d;dokument=%d">%s</a></td><td></td><td>Autor</td><td>01.09.2025</td>
		<td><a href="slozka.pl?id=%d;download=%d">%s.pdf</a></td></tr>`, id, folder, id, name, folder, id, name)
}

func folderRow(id int, name string) string {
	return fmt.Sprintf(`<tr class="uis-hl-table"><td></td>
		<td><a href="slozka.pl?id=%d">%s</a></td><td></td><td>Autor</td><td>01.09.2025</td><td></td></tr>`, id, name)
}

func listing(rows []string, pagination ...string) string {
	return `<html><body><table id="tmtab_1"><tbody>` + strings.Join(rows, "\n") +
		`</tbody></table><p>` + strings.Join(pagination, " ") + `</p></body></html>`
}

func folderUrl(id int, extra string) string {
	return fmt.Sprintf("%sslozka.pl?id=%d%s", root, id, extra)
}

func newTestCrawler(t *testing.T, fake *fakePortal, opts Options) (*Crawler, telemetry.TestAPI) {
	tel := telemetry.NewTestAPI()
	opts.AllowedHost = host
	opts.BaseUrl = root
	c, err := NewCrawler(fake, fake, chrono.NewFixedTime(time.Date(2025, 10, 1, 0, 0, 0, 0, chrono.Prague())), opts, tel)
	require.NoError(t, err)
	return c, tel
}

func TestCrawlPagination(t *testing.T) {
	fake := newFakePortal()
	first := []string{}
	for i := 1; i <= 10; i++ {
		first = append(first, fileRow(1, i, fmt.Sprintf("soubor-%d", i)))
	}
	second := []string{}
	for i := 11; i <= 18; i++ {
		second = append(second, fileRow(1, i, fmt.Sprintf("soubor-%d", i)))
	}
	fake.pages[folderUrl(1, "")] = listing(first, `<a href="slozka.pl?id=1;pos=11">11-20</a>`)
	fake.pages[folderUrl(1, ";pos=11")] = listing(second,
		`<a href="slozka.pl?id=1;pos=1">1-10</a>`,
		`<a href="slozka.pl?id=1;pos=11">11-20</a>`,
	)

	c, _ := newTestCrawler(t, fake, Options{})
	result, err := c.Crawl(context.Background(), "slozka.pl?id=1", false)
	require.NoError(t, err)

	require.Len(t, result.Files, 18)
	seen := map[string]bool{}
	for _, f := range result.Files {
		require.False(t, seen[f.PrimaryLink()], f.PrimaryLink())
		seen[f.PrimaryLink()] = true
		require.Contains(t, f.PrimaryLink(), ";download=")
	}
	require.Equal(t, []string{folderUrl(1, ";pos=11")}, result.PaginationLinks)
	require.Equal(t, 1, fake.fetchCount(folderUrl(1, "")))
	require.Equal(t, 1, fake.fetchCount(folderUrl(1, ";pos=11")))
	require.Equal(t, 0, fake.fetchCount(folderUrl(1, ";pos=1")))
}

func cyclicPortal() *fakePortal {
	fake := newFakePortal()
	fake.pages[folderUrl(1, "")] = listing([]string{fileRow(1, 100, "a"), folderRow(2, "B")})
	fake.pages[folderUrl(2, "")] = listing([]string{folderRow(3, "C"), folderRow(1, "A")})
	fake.pages[folderUrl(3, "")] = listing([]string{fileRow(3, 300, "c"), folderRow(4, "D")})
	fake.pages[folderUrl(4, "")] = listing([]string{fileRow(4, 400, "d")})
	return fake
}

func TestCrawlDepthBound(t *testing.T) {
	cases := []struct {
		name        string
		concurrency int
	}{
		{"sequential", 1},
		{"concurrent", 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := cyclicPortal()
			c, _ := newTestCrawler(t, fake, Options{MaxDepth: 2, Concurrency: tc.concurrency})
			result, err := c.Crawl(context.Background(), folderUrl(1, ""), true)
			require.NoError(t, err)

			require.Equal(t, 2, fake.fetchCount(folderUrl(1, "")))
			require.Equal(t, 1, fake.fetchCount(folderUrl(2, "")))
			require.Equal(t, 1, fake.fetchCount(folderUrl(3, "")))
			require.Equal(t, 0, fake.fetchCount(folderUrl(4, "")))

			require.Len(t, result.Files, 2)
			require.Equal(t, "a", result.Files[0].FileName)
			require.Equal(t, "", result.Files[0].Subfolder)
			require.Equal(t, "c", result.Files[1].FileName)
			require.Equal(t, "B/C", result.Files[1].Subfolder)
		})
	}
}

func TestCrawlNonRecursiveDropsFolders(t *testing.T) {
	fake := cyclicPortal()
	c, _ := newTestCrawler(t, fake, Options{})
	result, err := c.Crawl(context.Background(), folderUrl(1, ""), false)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, 0, fake.fetchCount(folderUrl(2, "")))
}

func TestCrawlFailures(t *testing.T) {
	fake := newFakePortal()
	fake.pages[folderUrl(1, "")] = listing(
		[]string{fileRow(1, 1, "a"), folderRow(9, "missing")},
		`<a href="slozka.pl?id=1;pos=11">11-20</a>`,
	)
	c, tel := newTestCrawler(t, fake, Options{})

	result, err := c.Crawl(context.Background(), folderUrl(1, ""), true)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.NotEmpty(t, tel.Reports("broken"))

	_, err = c.Crawl(context.Background(), folderUrl(5, ""), false)
	require.ErrorIs(t, err, portal.ErrNotFound)

	_, err = c.Crawl(context.Background(), "https://evil.example.com/slozka.pl?id=1", false)
	require.Error(t, err)
}

func TestDedupe(t *testing.T) {
	isDownload := func(link string) bool { return strings.Contains(link, "download=") }
	folderOnly := extract.ParsedFile{FileName: "x", Files: []extract.FileAttachment{{Link: "slozka.pl?id=2"}}}
	withFile := extract.ParsedFile{FileName: "x", Files: []extract.FileAttachment{
		{Link: "slozka.pl?id=2"},
		{Link: "slozka.pl?id=2;download=5"},
	}}
	other := extract.ParsedFile{FileName: "y", Files: []extract.FileAttachment{{Link: "slozka.pl?id=3;download=6"}}}

	out := Dedupe([]extract.ParsedFile{folderOnly, other, withFile, other}, isDownload)
	require.Len(t, out, 2)
	require.Len(t, out[0].Files, 2)
	require.Equal(t, "y", out[1].FileName)
}

func TestDownloadStaleLink(t *testing.T) {
	stale := folderUrl(1, ";download=1")
	fresh := folderUrl(1, ";download=2")

	fake := newFakePortal()
	fake.pages[folderUrl(1, "")] = listing([]string{fileRow(1, 2, "skripta")})
	fake.files[fresh] = "content"
	c, tel := newTestCrawler(t, fake, Options{})

	file := extract.ParsedFile{FileName: "skripta", Files: []extract.FileAttachment{{Name: "skripta.pdf", Link: stale}}}
	result, err := c.Download(context.Background(), folderUrl(1, ""), file, file.Files[0])
	require.NoError(t, err)
	require.False(t, result.Stale)
	require.Equal(t, fresh, result.Link)
	require.Equal(t, "skripta.pdf", result.Name)
	require.Equal(t, "content", string(result.Body))
	require.Equal(t, []string{stale, fresh}, fake.downloads)
	require.True(t, tel.Has("warning", "download link expired"))
}

func TestDownloadStaleFallback(t *testing.T) {
	stale := folderUrl(1, ";download=1")

	fake := newFakePortal()
	fake.pages[folderUrl(1, "")] = listing([]string{fileRow(1, 2, "skripta")})
	c, _ := newTestCrawler(t, fake, Options{})

	file := extract.ParsedFile{FileName: "skripta", Files: []extract.FileAttachment{{Name: "skripta.pdf", Link: stale}}}
	result, err := c.Download(context.Background(), folderUrl(1, ""), file, file.Files[0])
	require.NoError(t, err)
	require.True(t, result.Stale)
	require.Equal(t, stale, result.Link)
	require.Nil(t, result.Body)
	require.Len(t, fake.downloads, 2)
	require.Equal(t, 1, fake.fetchCount(folderUrl(1, "")))
}

func TestFindAttachmentFuzzy(t *testing.T) {
	files := []extract.ParsedFile{
		{FileName: "Přednáška 01 - úvod", Files: []extract.FileAttachment{{Name: "a.pdf", Link: "1"}}},
		{FileName: "Cvičení", Files: []extract.FileAttachment{{Name: "b.pdf", Link: "2"}}},
	}
	found, ok := FindAttachment(files, extract.ParsedFile{FileName: "Přednáška 01 - úvodx"}, extract.FileAttachment{Name: "old.pdf"})
	require.True(t, ok)
	require.Equal(t, "1", found.Link)

	_, ok = FindAttachment(files, extract.ParsedFile{FileName: "Statistika"}, extract.FileAttachment{})
	require.False(t, ok)
}

func TestFindAttachmentByName(t *testing.T) {
	lectures := []extract.ParsedFile{
		{FileName: "Přednáška 02", Files: []extract.FileAttachment{{Name: "p02.pdf", Link: "dl-02"}}},
		{FileName: "Přednáška 10", Files: []extract.FileAttachment{{Name: "p10.pdf", Link: "dl-10"}}},
	}
	cases := []struct {
		name     string
		lookup   string
		files    []extract.ParsedFile
		expected string
	}{
		{name: "different number", lookup: "Přednáška 01", files: lectures},
		{name: "prefix number", lookup: "Přednáška 1", files: lectures},
		{name: "whitespace and case", lookup: "  přednáška\n02 ", files: lectures, expected: "dl-02"},
		{
			name:   "ambiguous fuzzy match",
			lookup: "Cvičení - zadání",
			files: []extract.ParsedFile{
				{FileName: "Cvičení - zadáni", Files: []extract.FileAttachment{{Name: "a.pdf", Link: "a"}}},
				{FileName: "Cvičení - zadánix", Files: []extract.FileAttachment{{Name: "b.pdf", Link: "b"}}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			found, ok := FindAttachment(tc.files, extract.ParsedFile{FileName: tc.lookup}, extract.FileAttachment{Name: "old.pdf"})
			require.Equal(t, tc.expected != "", ok)
			require.Equal(t, tc.expected, found.Link)
		})
	}
}

func TestDownloadStaleKeepsLinkWhenOnlyNeighbourExists(t *testing.T) {
	stale := folderUrl(1, ";download=1")
	fresh := folderUrl(1, ";download=2")

	fake := newFakePortal()
	fake.pages[folderUrl(1, "")] = listing([]string{fileRow(1, 2, "Přednáška 02")})
	fake.files[fresh] = "lecture two"
	c, tel := newTestCrawler(t, fake, Options{})

	file := extract.ParsedFile{FileName: "Přednáška 01", Files: []extract.FileAttachment{{Name: "Přednáška 01.pdf", Link: stale}}}
	result, err := c.Download(context.Background(), folderUrl(1, ""), file, file.Files[0])
	require.NoError(t, err)
	require.True(t, result.Stale)
	require.Equal(t, stale, result.Link)
	require.Nil(t, result.Body)
	require.Equal(t, []string{stale}, fake.downloads)
	require.True(t, tel.Has("warning", "no fresh link"))
}

func TestSubfolder(t *testing.T) {
	fake := newFakePortal()
	fake.pages[folderUrl(1, "")] = listing([]string{fileRow(1, 100, "a"), folderRow(2, "B")})
	fake.pages[folderUrl(2, "")] = listing([]string{folderRow(3, "C")})
	fake.pages[folderUrl(3, "")] = listing([]string{fileRow(3, 300, "c")})
	c, _ := newTestCrawler(t, fake, Options{})
	ctx := context.Background()

	link, err := c.Subfolder(ctx, "slozka.pl?id=1", "B/C")
	require.NoError(t, err)
	require.Equal(t, folderUrl(3, ""), link)

	link, err = c.Subfolder(ctx, "slozka.pl?id=1", "")
	require.NoError(t, err)
	require.Equal(t, folderUrl(1, ""), link)

	_, err = c.Subfolder(ctx, "slozka.pl?id=1", "B/X")
	require.ErrorIs(t, err, ErrNoSubfolder)
}
