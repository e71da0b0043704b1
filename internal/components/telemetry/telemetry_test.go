package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	inner := NewTestAPI()
	scoped := NewScopedAPI("crawler", NewScopedAPI("documents", inner))

	scoped.ReportBroken("crawl", "param")
	scoped.ReportWarning("dedupe")
	scoped.ReportCount("files", 3)

	broken := inner.Reports("broken")
	require.Len(t, broken, 1)
	require.Equal(t, "documents: crawler: crawl", broken[0].Id)
	require.Equal(t, []any{"param"}, broken[0].Params)

	require.True(t, inner.Has("warning", "crawler: dedupe"))
	require.True(t, inner.Has("count", "files"))
	require.False(t, inner.Has("broken", "dedupe"))
}

func TestZapLoggerConfig(t *testing.T) {
	_, err := NewZapLogger(LogConfig{Level: "not-a-level"})
	require.Error(t, err)

	logger, err := NewZapLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	api := NewZapAPI(logger)
	api.ReportDebug("hello", 1, "two")
	api.ReportBroken("component", errTest)
}

type testErr struct{}

func (testErr) Error() string { return "test" }

var errTest = testErr{}
