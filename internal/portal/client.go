// Package portal is the only place that talks HTTP to the academic-records
// portal. Everything else consumes it through the Fetcher interface.
package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
	"uisassist-backend/internal/components/assert"
	"uisassist-backend/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_client_fetch      = "client.fetch"
	report_client_login      = "client.login"
	report_client_register   = "client.register"
	report_client_unregister = "client.unregister"
	report_client_download   = "client.download"
)

var ErrLoginFailed = errors.New("portal: login failed")
var ErrNotFound = errors.New("portal: not found")
var ErrSessionExpired = errors.New("portal: session expired")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Status int
	Url    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal: unexpected status %d for %s", e.Status, e.Url)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Page is a fetched document.
type Page struct {
	Status      int
	Url         string
	// FinalUrl is where redirects ended, equal to Url when there were none.
	FinalUrl    string
	ContentType string
	Body        []byte
}

func (p Page) IsHtml() bool {
	return strings.Contains(strings.ToLower(p.ContentType), "text/html")
}

// Fetcher fetches a page. A non-2xx status is returned as both the page and a
// *StatusError so callers can tell "no response" from "bad response".
//
// note: fault injection point
type Fetcher interface {
	Fetch(ctx context.Context, link string) (Page, error)
}

type ClientOptions struct {
	BaseUrl string
	// AllowedHost bounds redirects, defaults to the host of BaseUrl.
	AllowedHost string
	// RequestsPerSecond defaults to 2.
	RequestsPerSecond float64
	Timeout           time.Duration
	// DisableCloudflareBypass is for tests against a plain httptest server.
	DisableCloudflareBypass bool
}

// Client is a logged in (or anonymous) session against the portal.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	tel telemetry.API
}

func NewClient(opts ClientOptions, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.BaseUrl)

	tel = telemetry.NewScopedAPI("portal", tel)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	allowedHost := opts.AllowedHost
	if allowedHost == "" {
		allowedHost = baseUrl.Hostname()
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimSuffix(opts.BaseUrl, "/"))
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	if !opts.DisableCloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	httpClient.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	httpClient.SetRedirectPolicy(
		resty.FlexibleRedirectPolicy(10),
		resty.DomainCheckRedirectPolicy(allowedHost),
	)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 30
	}
	httpClient.SetTimeout(timeout)

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	// max burst >= rps just means that no requests will be dropped
	rateLimiter := rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	return &Client{
		BaseUrl: baseUrl,
		Http:    httpClient,
		tel:     tel,
	}, nil
}

// Resolve resolves a link relative to the base url, keeping the raw query.
func (c *Client) Resolve(link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	return c.BaseUrl.ResolveReference(ref).String(), nil
}

func (c *Client) Fetch(ctx context.Context, link string) (Page, error) {
	endpoint, err := c.Resolve(link)
	if err != nil {
		c.tel.ReportBroken(report_client_fetch, fmt.Errorf("resolve: %w", err), link)
		return Page{}, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		Get(endpoint)
	if err != nil {
		c.tel.ReportBroken(report_client_fetch, fmt.Errorf("fetch: %w", err), endpoint)
		return Page{}, fmt.Errorf("fetch %s: %w", endpoint, err)
	}

	page := Page{
		Status:      res.StatusCode(),
		Url:         endpoint,
		FinalUrl:    endpoint,
		ContentType: res.Header().Get("content-type"),
		Body:        res.Body(),
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		page.FinalUrl = res.RawResponse.Request.URL.String()
	}
	if res.IsError() {
		return page, &StatusError{Status: res.StatusCode(), Url: endpoint}
	}
	return page, nil
}

// FetchDocument fetches a page and parses it, it is a convenience for callers
// that only deal with html.
func FetchDocument(ctx context.Context, fetcher Fetcher, link string) (*goquery.Document, error) {
	page, err := fetcher.Fetch(ctx, link)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", link, err)
	}
	return doc, nil
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	loginError := func(err error) error {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	doc, err := FetchDocument(ctx, c, "/system/login.pl")
	if err != nil {
		c.tel.ReportBroken(report_client_login, fmt.Errorf("login page: %w", err))
		return loginError(err)
	}

	form := map[string]string{
		"credential_0": username,
		"credential_1": password,
		"credential_2": "86400",
	}
	doc.Find("form input[type=hidden]").Each(func(_ int, input *goquery.Selection) {
		name := input.AttrOr("name", "")
		if name == "" {
			return
		}
		form[name] = input.AttrOr("value", "")
	})

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post("/system/login.pl")
	if err != nil {
		c.tel.ReportBroken(report_client_login, fmt.Errorf("login request: %w", err))
		return loginError(err)
	}

	doc, err = goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		c.tel.ReportBroken(report_client_login, fmt.Errorf("parse response: %w", err))
		return loginError(err)
	}
	if isLoginForm(doc) {
		c.tel.ReportWarning(report_client_login, "login form still present after login", username)
		return ErrLoginFailed
	}
	return nil
}

// ActionUrls builds the links the portal uses for booking actions, the
// query keeps the portal's ';' separator.
type ActionUrls struct {
	// Path of the exam registration page relative to the base url.
	ExamPage string
}

func (a ActionUrls) register(termId string) string {
	return fmt.Sprintf("%s?termin=%s;prihlasit=1", a.ExamPage, termId)
}

func (a ActionUrls) unregister(termId string) string {
	return fmt.Sprintf("%s?termin=%s;odhlasit=1", a.ExamPage, termId)
}

const DefaultExamPage = "/auth/student/terminy_seznam.pl"

// Registrar performs booking actions against the exam page.
type Registrar struct {
	client *Client
	urls   ActionUrls
}

func NewRegistrar(client *Client, urls ActionUrls) Registrar {
	assert.NotNil(client)
	if urls.ExamPage == "" {
		urls.ExamPage = DefaultExamPage
	}
	return Registrar{client: client, urls: urls}
}

var confirmationMarkers = []string{"úspěšně", "successfully"}
var failureMarkers = []string{"chyba", "nelze", "error", "cannot"}

func isLoginForm(doc *goquery.Document) bool {
	return doc.Find("input[name=credential_1]").Length() > 0
}

func samePath(a, b string) bool {
	left, err := url.Parse(a)
	if err != nil {
		return false
	}
	right, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.TrimSuffix(left.Path, "/") == strings.TrimSuffix(right.Path, "/")
}

func (r Registrar) action(ctx context.Context, reportId, link string) error {
	page, err := r.client.Fetch(ctx, link)
	if err != nil {
		r.client.tel.ReportBroken(reportId, err, link)
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(page.Body))
	if err != nil {
		r.client.tel.ReportBroken(reportId, fmt.Errorf("parse: %w", err), link)
		return err
	}

	if isLoginForm(doc) {
		err := fmt.Errorf("%w: login form instead of the exam page", ErrSessionExpired)
		r.client.tel.ReportBroken(reportId, err, page.FinalUrl)
		return err
	}
	if !samePath(page.FinalUrl, page.Url) {
		err := fmt.Errorf("portal redirected the action to %s", page.FinalUrl)
		r.client.tel.ReportBroken(reportId, err, link)
		return err
	}

	message := strings.ToLower(strings.TrimSpace(doc.Find(".uis-message, .chyba, .error, #uis-hlaska").Text()))
	for _, m := range confirmationMarkers {
		if strings.Contains(message, m) {
			return nil
		}
	}
	for _, m := range failureMarkers {
		if strings.Contains(message, m) {
			err := fmt.Errorf("portal refused action: %s", message)
			r.client.tel.ReportWarning(reportId, err, link)
			return err
		}
	}
	// older page versions render the exam page without any message on success
	r.client.tel.ReportDebug("action without message", reportId, link)
	return nil
}

func (r Registrar) Register(ctx context.Context, termId string) error {
	return r.action(ctx, report_client_register, r.urls.register(termId))
}

func (r Registrar) Unregister(ctx context.Context, termId string) error {
	return r.action(ctx, report_client_unregister, r.urls.unregister(termId))
}

// Download fetches a file. A response that is html when a file was expected
// means the portal bounced us to an error or login page and is treated as a
// failure.
func (c *Client) Download(ctx context.Context, link string) (Page, error) {
	page, err := c.Fetch(ctx, link)
	if err != nil {
		c.tel.ReportWarning(report_client_download, err, link)
		return page, err
	}
	if page.IsHtml() {
		err := fmt.Errorf("download %s: got html instead of a file", link)
		c.tel.ReportWarning(report_client_download, err)
		return page, err
	}
	return page, nil
}
