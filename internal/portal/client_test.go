package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"uisassist-backend/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

func newTestClient(t testing.TB, handler http.Handler) (*Client, telemetry.TestAPI) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tel := telemetry.NewTestAPI()
	client, err := NewClient(ClientOptions{
		BaseUrl:                 server.URL,
		RequestsPerSecond:       100,
		DisableCloudflareBypass: true,
	}, tel)
	require.NoError(t, err)
	return client, tel
}

func TestFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/dok_server/slozka.pl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body>%s</body></html>", r.URL.RawQuery)
	})
	client, _ := newTestClient(t, mux)

	page, err := client.Fetch(context.Background(), "/auth/dok_server/slozka.pl?id=1;ds=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.Status)
	require.True(t, page.IsHtml())
	require.Contains(t, string(page.Body), "id=1;ds=2")

	_, err = client.Fetch(context.Background(), "/missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.Status)
}

func TestDownloadRejectsHtml(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/file.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/bounced", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/html")
		w.Write([]byte("<html>login</html>"))
	})
	client, tel := newTestClient(t, mux)

	page, err := client.Download(context.Background(), "/file.pdf")
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4", string(page.Body))

	_, err = client.Download(context.Background(), "/bounced")
	require.Error(t, err)
	require.True(t, tel.Has("warning", "client.download"))
}

func TestRegistrar(t *testing.T) {
	var requests []string
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultExamPage, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RawQuery)
		w.Header().Set("content-type", "text/html")
		if r.URL.RawQuery == "termin=2;prihlasit=1" {
			w.Write([]byte(`<div class="uis-message">Chyba: termín je plně obsazen</div>`))
			return
		}
		w.Write([]byte(`<div class="uis-message">Operace proběhla úspěšně.</div>`))
	})
	client, _ := newTestClient(t, mux)
	registrar := NewRegistrar(client, ActionUrls{})

	require.NoError(t, registrar.Register(context.Background(), "1"))
	require.NoError(t, registrar.Unregister(context.Background(), "1"))
	require.Error(t, registrar.Register(context.Background(), "2"))
	require.Equal(t, []string{
		"termin=1;prihlasit=1",
		"termin=1;odhlasit=1",
		"termin=2;prihlasit=1",
	}, requests)
}

func TestRegistrarRejectsBounces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultExamPage, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.RawQuery {
		case "termin=901;prihlasit=1":
			http.Redirect(w, r, "/system/login.pl?destination=/auth/", http.StatusFound)
		case "termin=902;prihlasit=1":
			http.Redirect(w, r, "/auth/", http.StatusFound)
		case "termin=903;prihlasit=1":
			w.Header().Set("content-type", "text/html")
			w.Write([]byte(`<form><input name="credential_0"><input name="credential_1" type="password"></form>`))
		default:
			w.Header().Set("content-type", "text/html")
			w.Write([]byte(`<table id="table_1"></table>`))
		}
	})
	mux.HandleFunc("/system/login.pl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/html")
		w.Write([]byte(`<form><input name="credential_0"><input name="credential_1" type="password"></form>`))
	})
	mux.HandleFunc("/auth/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/html")
		w.Write([]byte(`<html>rozcestník</html>`))
	})
	client, tel := newTestClient(t, mux)
	registrar := NewRegistrar(client, ActionUrls{})
	ctx := context.Background()

	err := registrar.Register(ctx, "901")
	require.ErrorIs(t, err, ErrSessionExpired)
	require.True(t, tel.Has("broken", "client.register"))

	err = registrar.Register(ctx, "902")
	require.Error(t, err)
	require.Contains(t, err.Error(), "redirected")

	err = registrar.Register(ctx, "903")
	require.ErrorIs(t, err, ErrSessionExpired)

	// the exam page without any message is how older versions confirm
	require.NoError(t, registrar.Register(ctx, "904"))
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/system/login.pl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/html")
		if r.Method == http.MethodGet {
			w.Write([]byte(`<form><input type="hidden" name="destination" value="/auth/"><input name="credential_0"><input name="credential_1"></form>`))
			return
		}
		require.NoError(t, r.ParseForm())
		require.Equal(t, "/auth/", r.PostForm.Get("destination"))
		if r.PostForm.Get("credential_1") != "secret" {
			w.Write([]byte(`<form><input name="credential_1"></form>`))
			return
		}
		w.Write([]byte(`<html>welcome</html>`))
	})
	client, _ := newTestClient(t, mux)

	require.NoError(t, client.Login(context.Background(), "xstudent", "secret"))
	err := client.Login(context.Background(), "xstudent", "wrong")
	require.True(t, errors.Is(err, ErrLoginFailed))
}
