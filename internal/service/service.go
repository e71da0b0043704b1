// Package service keeps the snapshot the rest of the engine works from: it
// fetches and parses portal pages, caches the results and answers the
// booking scheduler's lookups from the latest exam snapshot.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"uisassist-backend/internal/booking"
	"uisassist-backend/internal/cache"
	"uisassist-backend/internal/components/assert"
	"uisassist-backend/internal/components/chrono"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/crawler"
	"uisassist-backend/internal/exams"
	"uisassist-backend/internal/extract"
	"uisassist-backend/internal/portal"
	"uisassist-backend/pkg/htmlutil"
	"uisassist-backend/pkg/sanitize"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_service_exams       = "service.exams"
	report_service_documents   = "service.documents"
	report_service_profile     = "service.profile"
	report_service_change_term = "service.change-term"
	report_cache_query         = "cache.query"
)

const (
	examsKey   = "exams"
	profileKey = "profile"
)

const (
	DefaultExamPage    = portal.DefaultExamPage
	DefaultProfilePage = "/auth/"
)

type Service struct {
	fetcher   portal.Fetcher
	registrar booking.Registrar
	crawler   *crawler.Crawler
	store     cache.Store
	time      chrono.TimeAPI
	tel       telemetry.API
	cfg       serviceConfig

	lock   sync.RWMutex
	latest []exams.Subject
}

type serviceConfig struct {
	examPage    string
	profilePage string
	windows     cache.Windows
	namespace   string
}

type ServiceOption func(cfg *serviceConfig)

func WithExamPage(link string) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.examPage = link
	}
}

func WithProfilePage(link string) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.profilePage = link
	}
}

func WithWindows(windows cache.Windows) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.windows = windows
	}
}

// WithNamespace prefixes every cache key, typically with the user name so
// two accounts never share snapshots.
func WithNamespace(namespace string) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.namespace = namespace
	}
}

func NewService(
	fetcher portal.Fetcher,
	registrar booking.Registrar,
	crawler *crawler.Crawler,
	store cache.Store,
	time chrono.TimeAPI,
	tel telemetry.API,
	options ...ServiceOption,
) *Service {
	assert.NotNil(fetcher)
	assert.NotNil(registrar)
	assert.NotNil(crawler)
	assert.NotNil(store)
	assert.NotNil(time)
	assert.NotNil(tel)

	cfg := serviceConfig{
		examPage:    DefaultExamPage,
		profilePage: DefaultProfilePage,
		windows:     cache.DefaultWindows,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	return &Service{
		fetcher:   fetcher,
		registrar: registrar,
		crawler:   crawler,
		store:     store,
		time:      time,
		tel:       telemetry.NewScopedAPI("service", tel),
		cfg:       cfg,
	}
}

func (s *Service) key(parts ...string) string {
	if s.cfg.namespace == "" {
		return cache.Key(parts[0], parts[1:]...)
	}
	return cache.Key(s.cfg.namespace, parts...)
}

func (s *Service) setLatest(subjects []exams.Subject) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.latest = subjects
}

// Latest returns the last exam snapshot this service has seen.
func (s *Service) Latest() []exams.Subject {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.latest
}

// Exams returns the cached exam snapshot while it is inside the short
// window and refreshes it otherwise.
func (s *Service) Exams(ctx context.Context) ([]exams.Subject, error) {
	key := s.key(examsKey)
	cached, storedAt, err := cache.GetJSON[[]exams.Subject](ctx, s.store, key)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		s.tel.ReportWarning(report_cache_query, err, key)
	}
	if err == nil && cache.IsFresh(cache.Entry{Timestamp: storedAt}, s.cfg.windows.Short, s.time.Now()) {
		s.setLatest(cached)
		return cached, nil
	}

	subjects, refreshErr := s.Refresh(ctx)
	if refreshErr != nil && err == nil {
		s.tel.ReportWarning(report_service_exams, "serving stale snapshot", refreshErr)
		s.setLatest(cached)
		return cached, nil
	}
	return subjects, refreshErr
}

// Refresh fetches and parses the exam page regardless of the cache, this is
// what callers run after a registration changed something.
func (s *Service) Refresh(ctx context.Context) ([]exams.Subject, error) {
	doc, err := portal.FetchDocument(ctx, s.fetcher, s.cfg.examPage)
	if err != nil {
		s.tel.ReportBroken(report_service_exams, fmt.Errorf("fetch exam page: %w", err))
		return nil, err
	}
	now := s.time.Now()
	subjects := exams.Parse(s.tel, doc, exams.Options{Now: now})

	key := s.key(examsKey)
	err = cache.SetJSON(ctx, s.store, key, subjects, now)
	if err != nil {
		s.tel.ReportWarning(report_cache_query, err, key)
	}
	s.setLatest(subjects)
	return subjects, nil
}

// Lookup resolves a term against the latest snapshot, it is the scheduler's
// view of the world.
func (s *Service) Lookup(termId string) (booking.Target, bool) {
	section, term, ok := exams.FindTerm(s.Latest(), termId)
	if !ok {
		return booking.Target{}, false
	}
	return booking.Target{Section: section, Term: term}, true
}

// LookupFresh refreshes the snapshot before resolving, used as the
// scheduler lookup so a term that disappeared from the portal is noticed.
func (s *Service) LookupFresh(ctx context.Context) booking.Lookup {
	return func(termId string) (booking.Target, bool) {
		_, err := s.Exams(ctx)
		if err != nil && s.Latest() == nil {
			return booking.Target{}, false
		}
		return s.Lookup(termId)
	}
}

// ChangeTerm switches the section owning termId to it and refreshes the
// snapshot afterwards whatever the outcome.
func (s *Service) ChangeTerm(ctx context.Context, termId string) error {
	if s.Latest() == nil {
		_, err := s.Exams(ctx)
		if err != nil {
			return err
		}
	}
	target, ok := s.Lookup(termId)
	if !ok {
		s.tel.ReportWarning(report_service_change_term, booking.ErrNoTarget, termId)
		return fmt.Errorf("%w: %s", booking.ErrNoTarget, termId)
	}

	err := booking.ChangeTerm(ctx, s.registrar, target.Section, termId, s.tel)
	_, refreshErr := s.Refresh(ctx)
	if refreshErr != nil {
		s.tel.ReportWarning(report_service_change_term, "refresh after change", refreshErr)
	}
	return err
}

// Documents crawls a folder, serving crawls from the cache while they are
// inside the short window.
func (s *Service) Documents(ctx context.Context, folder string, recursive bool) (crawler.Result, error) {
	link := s.crawler.Resolve(folder)
	if link == "" {
		return crawler.Result{}, fmt.Errorf("folder link %q is not allowed", folder)
	}
	urlKey, err := cache.UrlKey("documents", link)
	if err != nil {
		return crawler.Result{}, err
	}
	key := s.key(urlKey, strconv.FormatBool(recursive))

	cached, storedAt, err := cache.GetJSON[crawler.Result](ctx, s.store, key)
	if err == nil && cache.IsFresh(cache.Entry{Timestamp: storedAt}, s.cfg.windows.Short, s.time.Now()) {
		return cached, nil
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		s.tel.ReportWarning(report_cache_query, err, key)
	}

	result, err := s.crawler.Crawl(ctx, link, recursive)
	if err != nil {
		s.tel.ReportBroken(report_service_documents, err, link)
		return crawler.Result{}, err
	}
	err = cache.SetJSON(ctx, s.store, key, result, s.time.Now())
	if err != nil {
		s.tel.ReportWarning(report_cache_query, err, key)
	}
	return result, nil
}

var ErrFileNotFound = errors.New("file not found in folder")

// Download finds fileName in folder and downloads its first attachment or the
// attachment called attachmentName when given. subfolder is the file's
// Subfolder from a recursive crawl, "" for files directly in folder.
func (s *Service) Download(ctx context.Context, folder, subfolder, fileName, attachmentName string) (crawler.DownloadResult, error) {
	owner := folder
	if subfolder != "" {
		var err error
		owner, err = s.crawler.Subfolder(ctx, folder, subfolder)
		if err != nil {
			s.tel.ReportWarning(report_service_documents, err, folder, subfolder)
			return crawler.DownloadResult{}, err
		}
	}

	listing, err := s.Documents(ctx, owner, false)
	if err != nil {
		return crawler.DownloadResult{}, err
	}
	for _, file := range listing.Files {
		if file.FileName != fileName {
			continue
		}
		for _, attachment := range file.Files {
			if attachmentName == "" || attachment.Name == attachmentName {
				return s.crawler.Download(ctx, owner, file, attachment)
			}
		}
	}
	return crawler.DownloadResult{}, fmt.Errorf("%w: %s", ErrFileNotFound, fileName)
}

type Profile struct {
	Name string `json:"name"`
}

var profileStrategies = []extract.Strategy[string]{
	{
		Name: "logged-in-badge",
		Run: func(root *goquery.Selection) (string, bool) {
			name := htmlutil.SafeText(root.Find("#prihlasen").First(), "")
			name = sanitize.String(htmlutil.CleanText(afterColon(name)), 120)
			return name, name != ""
		},
	},
	{
		Name:    "user-name-class",
		Fragile: true,
		Run: func(root *goquery.Selection) (string, bool) {
			name := sanitize.String(htmlutil.SafeText(root.Find(".uis-user-name").First(), ""), 120)
			return name, name != ""
		},
	},
}

func afterColon(s string) string {
	_, after, found := strings.Cut(s, ":")
	if !found {
		return s
	}
	return after
}

// Profile returns the logged in user, cached for the long window.
func (s *Service) Profile(ctx context.Context) (Profile, error) {
	key := s.key(profileKey)
	cached, storedAt, err := cache.GetJSON[Profile](ctx, s.store, key)
	if err == nil && cache.IsFresh(cache.Entry{Timestamp: storedAt}, s.cfg.windows.Long, s.time.Now()) {
		return cached, nil
	}

	doc, err := portal.FetchDocument(ctx, s.fetcher, s.cfg.profilePage)
	if err != nil {
		s.tel.ReportBroken(report_service_profile, err)
		return Profile{}, err
	}
	name, _, ok := extract.RunStrategies(s.tel, doc.Selection, profileStrategies)
	if !ok {
		err := fmt.Errorf("no user name on %s", s.cfg.profilePage)
		s.tel.ReportWarning(report_service_profile, err)
		return Profile{}, err
	}
	profile := Profile{Name: name}
	err = cache.SetJSON(ctx, s.store, key, profile, s.time.Now())
	if err != nil {
		s.tel.ReportWarning(report_cache_query, err, key)
	}
	return profile, nil
}
