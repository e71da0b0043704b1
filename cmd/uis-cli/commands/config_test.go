package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"uisassist-backend/internal/cache"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/exams"

	"github.com/stretchr/testify/require"
)

func TestReadConfigMergesLocal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uis.json5"), []byte(`{
		// shared defaults
		"base_url": "https://is.example.cz",
		"cache": { "driver": "sqlite", "short_ttl": "2m" },
		"crawl": { "max_depth": 3 },
	}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uis.local.json5"), []byte(`{
		"username": "xnovak",
		"cache": { "short_ttl": "30s" },
	}`), 0644))

	cfg, err := readConfig(filepath.Join(dir, "uis.json5"))
	require.NoError(t, err)
	require.Equal(t, "xnovak", cfg.Username)
	require.Equal(t, 3, cfg.Crawl.MaxDepth)
	require.Equal(t, "is.example.cz", cfg.Host())

	windows, err := cfg.Windows()
	require.NoError(t, err)
	require.Equal(t, cache.Windows{Short: 30 * time.Second, Long: cache.DefaultWindows.Long}, windows)

	docs, err := cfg.DocumentsUrl()
	require.NoError(t, err)
	require.Equal(t, "https://is.example.cz/auth/dok_server/", docs)
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"minimal", Config{BaseUrl: "https://is.example.cz"}, true},
		{"missing base url", Config{}, false},
		{"relative base url", Config{BaseUrl: "is.example.cz"}, false},
		{"unknown driver", Config{BaseUrl: "https://is.example.cz", Cache: CacheConfig{Driver: "memcached"}}, false},
		{"unknown log backend", Config{BaseUrl: "https://is.example.cz", Log: telemetry.LogConfig{Backend: "logrus"}}, false},
		{"bad duration", Config{BaseUrl: "https://is.example.cz", Cache: CacheConfig{LongTtl: "a day"}}, false},
		{"negative tick", Config{BaseUrl: "https://is.example.cz", Booking: BookingConfig{Tick: "-1s"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestTermWatcherReportsOnlyNewTerms(t *testing.T) {
	snapshot := func(ids ...string) []exams.Subject {
		terms := []exams.Term{}
		for _, id := range ids {
			terms = append(terms, exams.Term{Id: id})
		}
		terms = append(terms, exams.Term{Id: "synthetic-x", SyntheticId: true})
		return []exams.Subject{{Code: "EBC-AN", Sections: []exams.Section{{Name: "Zkouška", Terms: terms}}}}
	}

	w := newTermWatcher()
	require.Empty(t, w.update(snapshot("1", "2")))
	added := w.update(snapshot("1", "2", "3"))
	require.Len(t, added, 1)
	require.Equal(t, "3", added[0].term.Id)
	require.Empty(t, w.update(snapshot("3")))
}

func TestEnvCloseRunsClosersOnce(t *testing.T) {
	tel := telemetry.NewTestAPI()
	order := []string{}
	e := &env{tel: tel}
	for _, name := range []string{"otel", "cache"} {
		e.closers = append(e.closers, func(context.Context) error {
			order = append(order, name)
			if name == "otel" {
				return errors.New("exporter unreachable")
			}
			return nil
		})
	}

	e.Close()
	e.Close()
	require.Equal(t, []string{"cache", "otel"}, order)
	require.True(t, tel.Has("warning", "exporter unreachable"))
}
