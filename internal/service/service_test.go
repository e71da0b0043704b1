package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"uisassist-backend/internal/booking"
	"uisassist-backend/internal/cache"
	"uisassist-backend/internal/components/chrono"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/crawler"
	"uisassist-backend/internal/portal"

	"github.com/stretchr/testify/require"
)

const examsHtml = `<html><body>
<table id="table_2">
<tr>
	<td></td><td>EBC-AN</td><td>Analýza</td><td>22.01.2026 08:00</td><td>Q01</td>
	<td>Zápočtový test</td><td>Doc. Petr Malý</td><td>3/25</td>
	<td>--<br />21.01.2026 12:00<br />21.01.2026 12:00</td>
	<td>řádný</td>
	<td><a href="terminy_seznam.pl?termin=906;prihlasit=1">přihlásit</a></td>
</tr>
</table>
</body></html>`

const docsHtml = `<html><body><table id="tmtab_1"><tbody>
<tr class="uis-hl-table"><td>1</td><td><a href="slozka.pl?id=1;dokument=1">Sylabus</a></td><td></td><td>Autor</td><td>01.09.2025</td>
<td><a href="slozka.pl?id=1;download=1">sylabus.pdf</a></td></tr>
</tbody></table></body></html>`

type fakeFetcher struct {
	lock    sync.Mutex
	pages   map[string]string
	fetches map[string]int
	down    bool
}

func (f *fakeFetcher) Fetch(_ context.Context, link string) (portal.Page, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fetches[link]++
	if f.down {
		return portal.Page{}, errors.New("connection refused")
	}
	body, ok := f.pages[link]
	if !ok {
		return portal.Page{Status: 404, Url: link}, &portal.StatusError{Status: 404, Url: link}
	}
	return portal.Page{Status: 200, Url: link, Body: []byte(body)}, nil
}

func (f *fakeFetcher) Download(_ context.Context, link string) (portal.Page, error) {
	return portal.Page{Status: 200, Url: link, ContentType: "application/pdf", Body: []byte("pdf")}, nil
}

func (f *fakeFetcher) count(link string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.fetches[link]
}

type fakeRegistrar struct {
	calls []string
}

func (f *fakeRegistrar) Register(_ context.Context, termId string) error {
	f.calls = append(f.calls, "register "+termId)
	return nil
}

func (f *fakeRegistrar) Unregister(_ context.Context, termId string) error {
	f.calls = append(f.calls, "unregister "+termId)
	return nil
}

type fixture struct {
	service   *Service
	fetcher   *fakeFetcher
	registrar *fakeRegistrar
	clock     chrono.FixedTime
	tel       telemetry.TestAPI
}

func newFixture(t *testing.T) fixture {
	fetcher := &fakeFetcher{
		pages: map[string]string{
			DefaultExamPage:    examsHtml,
			DefaultProfilePage: `<html><body><div id="prihlasen">Přihlášen: Jan Novák</div></body></html>`,
			"https://is.example.cz/dok/slozka.pl?id=1": docsHtml,
		},
		fetches: map[string]int{},
	}
	registrar := &fakeRegistrar{}
	clock := chrono.NewFixedTime(time.Date(2026, 1, 10, 9, 0, 0, 0, chrono.Prague()))
	tel := telemetry.NewTestAPI()

	store, err := cache.OpenSqliteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := crawler.NewCrawler(fetcher, fetcher, clock, crawler.Options{
		BaseUrl:     "https://is.example.cz/dok/",
		AllowedHost: "is.example.cz",
	}, tel)
	require.NoError(t, err)

	return fixture{
		service:   NewService(fetcher, registrar, c, store, clock, tel, WithNamespace("student")),
		fetcher:   fetcher,
		registrar: registrar,
		clock:     clock,
		tel:       tel,
	}
}

func TestExamsCacheWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subjects, err := f.service.Exams(ctx)
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	require.Equal(t, "EBC-AN", subjects[0].Code)

	f.clock.Advance(time.Minute)
	_, err = f.service.Exams(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.fetcher.count(DefaultExamPage))

	f.clock.Advance(5 * time.Minute)
	_, err = f.service.Exams(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, f.fetcher.count(DefaultExamPage))
}

func TestExamsServesStaleWhenPortalIsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Exams(ctx)
	require.NoError(t, err)

	f.fetcher.down = true
	f.clock.Advance(time.Hour)
	subjects, err := f.service.Exams(ctx)
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	require.True(t, f.tel.Has("warning", "serving stale snapshot"))
}

func TestExamsFailsWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.fetcher.down = true
	_, err := f.service.Exams(context.Background())
	require.Error(t, err)
}

func TestLookupAndChangeTerm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok := f.service.Lookup("906")
	require.False(t, ok)

	err := f.service.ChangeTerm(ctx, "906")
	require.NoError(t, err)
	require.Equal(t, []string{"register 906"}, f.registrar.calls)
	// one fetch for the snapshot, one refresh after the change
	require.Equal(t, 2, f.fetcher.count(DefaultExamPage))

	target, ok := f.service.Lookup("906")
	require.True(t, ok)
	require.Equal(t, "906", target.Term.Id)

	err = f.service.ChangeTerm(ctx, "999")
	require.ErrorIs(t, err, booking.ErrNoTarget)
}

func TestLookupFreshDrivesScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scheduler := booking.NewScheduler(f.service.LookupFresh(ctx), f.registrar, f.clock, booking.Options{}, f.tel)

	_, err := scheduler.Arm("906")
	require.NoError(t, err)
	scheduler.Tick(ctx)
	state, _ := scheduler.State()
	require.Equal(t, booking.StateIdle, state)
	require.Equal(t, []string{"register 906"}, f.registrar.calls)

	_, err = scheduler.Arm("999")
	require.NoError(t, err)
	scheduler.Tick(ctx)
	require.True(t, f.tel.Has("warning", "target lost"))
}

func TestDocumentsAndDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	folder := "https://is.example.cz/dok/slozka.pl?id=1"

	result, err := f.service.Documents(ctx, "slozka.pl?id=1", false)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, "Sylabus", result.Files[0].FileName)

	_, err = f.service.Documents(ctx, "slozka.pl?id=1", false)
	require.NoError(t, err)
	require.Equal(t, 1, f.fetcher.count(folder))

	download, err := f.service.Download(ctx, "slozka.pl?id=1", "", "Sylabus", "")
	require.NoError(t, err)
	require.Equal(t, "pdf", string(download.Body))

	_, err = f.service.Download(ctx, "slozka.pl?id=1", "", "Nic", "")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestDownloadFromSubfolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.pages["https://is.example.cz/dok/slozka.pl?id=1"] = `<html><body><table id="tmtab_1"><tbody>
<tr class="uis-hl-table"><td></td><td><a href="slozka.pl?id=2">Cvičení</a></td><td></td><td>Autor</td><td>01.09.2025</td><td></td></tr>
</tbody></table></body></html>`
	f.fetcher.pages["https://is.example.cz/dok/slozka.pl?id=2"] = `<html><body><table id="tmtab_1"><tbody>
<tr class="uis-hl-table"><td>1</td><td><a href="slozka.pl?id=2;dokument=5">Zadání 1</a></td><td></td><td>Autor</td><td>01.10.2025</td>
<td><a href="slozka.pl?id=2;download=5">zadani1.pdf</a></td></tr>
</tbody></table></body></html>`

	result, err := f.service.Documents(ctx, "slozka.pl?id=1", true)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, "Cvičení", result.Files[0].Subfolder)

	download, err := f.service.Download(ctx, "slozka.pl?id=1", result.Files[0].Subfolder, "Zadání 1", "")
	require.NoError(t, err)
	require.Equal(t, "zadani1.pdf", download.Name)
	require.Equal(t, "https://is.example.cz/dok/slozka.pl?id=2;download=5", download.Link)

	_, err = f.service.Download(ctx, "slozka.pl?id=1", "Přednášky", "Zadání 1", "")
	require.ErrorIs(t, err, crawler.ErrNoSubfolder)
}

func TestProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.service.Profile(ctx)
	require.NoError(t, err)
	require.Equal(t, "Jan Novák", profile.Name)

	f.clock.Advance(6 * time.Hour)
	_, err = f.service.Profile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.fetcher.count(DefaultProfilePage))
}
