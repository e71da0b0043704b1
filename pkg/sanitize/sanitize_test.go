package sanitize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	table := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{input: "  Matematika   I ", maxLen: 0, expected: "Matematika I"},
		{input: "<b>Zkouška</b>\n(písemná)", maxLen: 0, expected: "Zkouška (písemná)"},
		{input: `a"b'c\d<e>f` + "\x00", maxLen: 0, expected: "abcd f"},
		{input: "abcdefgh", maxLen: 4, expected: "abcd"},
		{input: "abc defgh", maxLen: 4, expected: "abc"},
		{input: "<script>alert(1)</script>", maxLen: 0, expected: "alert(1)"},
	}
	for _, row := range table {
		require.Equal(t, row.expected, String(row.input, row.maxLen), row.input)
	}
}

func FuzzStringIdempotent(f *testing.F) {
	seeds := []string{
		"",
		"a<b",
		"<<a>>",
		"x \x00 y",
		"  <i>Ing.</i>  Jan   Novák, Ph.D. ",
		"a<b>c</b>d'e\"f\\g",
		strings.Repeat("á ", 100),
		"\u00a0\u00a0a",
	}
	for _, s := range seeds {
		f.Add(s, 10)
		f.Add(s, 0)
	}
	f.Fuzz(func(t *testing.T, s string, maxLen int) {
		once := String(s, maxLen)
		twice := String(once, maxLen)
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestUrl(t *testing.T) {
	const host = "is.mendelu.cz"
	table := []struct {
		input    string
		expected string
	}{
		{input: "/auth/dok_server/slozka.pl?id=1;dok=2", expected: "https://is.mendelu.cz/auth/dok_server/slozka.pl?id=1;dok=2"},
		{input: "https://is.mendelu.cz/auth/", expected: "https://is.mendelu.cz/auth/"},
		{input: "https://www.is.mendelu.cz/x", expected: "https://www.is.mendelu.cz/x"},
		{input: "http://is.mendelu.cz/auth/", expected: ""},
		{input: "https://evil.com/is.mendelu.cz", expected: ""},
		{input: "//evil.com/x", expected: ""},
		{input: "https://is.mendelu.cz@evil.com/", expected: ""},
		{input: "https://is.mendelu.cz.evil.com/", expected: ""},
		{input: "javascript:alert(1)", expected: ""},
		{input: "", expected: ""},
	}
	for _, row := range table {
		result := Url(row.input, host)
		require.Equal(t, row.expected, result, row.input)
		if result != "" {
			require.True(t, strings.HasPrefix(result, "https://"))
		}
	}
}

func TestFileName(t *testing.T) {
	table := []struct {
		input    string
		expected string
	}{
		{input: "skripta.pdf", expected: "skripta.pdf"},
		{input: "../../etc/passwd", expected: "_._etc_passwd"},
		{input: `C:\Users\x.doc`, expected: "C__Users_x.doc"},
		{input: "Přednáška č. 1.pptx", expected: "Přednáška č. 1.pptx"},
		{input: "a*b?c.txt", expected: "a_b_c.txt"},
		{input: "  .hidden. ", expected: "hidden"},
	}
	for _, row := range table {
		result := FileName(row.input)
		require.Equal(t, row.expected, result, row.input)
		require.NotContains(t, result, "..")
		require.NotContains(t, result, "/")
	}

	long := FileName(strings.Repeat("a", 500))
	require.Len(t, long, maxFileNameLength)
}

func TestDate(t *testing.T) {
	now := time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

	parsed, ok := Date("15.01.2026 09:00", now)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC), parsed)

	parsed, ok = Date("2026-02-01", now)
	require.True(t, ok)
	require.Equal(t, time.February, parsed.Month())

	_, ok = Date("01.01.2031", now)
	require.False(t, ok)
	_, ok = Date("01.01.1970", now)
	require.False(t, ok)
	_, ok = Date("--", now)
	require.False(t, ok)
	_, ok = Date("32.01.2026", now)
	require.False(t, ok)
}

func TestDateString(t *testing.T) {
	now := time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "31.12.2025 23:59", DateString(" 31.12.2025  23:59 ", now))
	require.Equal(t, "01.01.2026", DateString("od 01.01.2026", now))
	require.Equal(t, "", DateString("--", now))
	require.Equal(t, "", DateString("01.01.2099 10:00", now))
}

func TestRoom(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"Q01", "Q01"},
		{" A  221 (aula) ", "A 221 (aula)"},
		{"--", ""},
		{"<b>Q02</b>", "Q02"},
		{"", ""},
		{"#!?", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, Room(tc.in), tc.in)
	}
}
