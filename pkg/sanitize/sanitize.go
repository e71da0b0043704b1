// Package sanitize holds the validators every extracted field passes through
// before it leaves the parsers. Validators never return errors: a rejected
// value comes back empty and the caller drops the field.
package sanitize

import (
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var tagRegex = regexp.MustCompile(`<[^>]*>`)
var whitespaceRegex = regexp.MustCompile(`\s+`)
var forbiddenChars = strings.NewReplacer(
	"<", "",
	">", "",
	`"`, "",
	"'", "",
	`\`, "",
	"\x00", "",
)

// String strips tags, the characters <>"'\ and NUL, collapses whitespace and
// truncates to maxLen runes (maxLen <= 0 disables truncation).
// String(String(x, n), n) == String(x, n).
func String(s string, maxLen int) string {
	s = tagRegex.ReplaceAllString(s, " ")
	s = forbiddenChars.Replace(s)
	s = whitespaceRegex.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:maxLen]))
	}
	return s
}

// HostAllowed reports whether host is allowedHost or one of its subdomains.
func HostAllowed(host, allowedHost string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	allowedHost = strings.ToLower(strings.TrimPrefix(allowedHost, "."))
	if host == "" || allowedHost == "" {
		return false
	}
	return host == allowedHost || strings.HasSuffix(host, "."+allowedHost)
}

// Url resolves relative forms against https://<allowedHost>/ and returns the
// result only if it is https and on the allowed host, otherwise "".
// The raw query is kept verbatim.
func Url(raw, allowedHost string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || allowedHost == "" {
		return ""
	}
	if strings.ContainsAny(raw, "\x00\r\n\t") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := &url.URL{Scheme: "https", Host: allowedHost, Path: "/"}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "https" {
		return ""
	}
	if resolved.User != nil {
		return ""
	}
	if !HostAllowed(resolved.Hostname(), allowedHost) {
		return ""
	}
	return resolved.String()
}

const maxFileNameLength = 200

var traversal = regexp.MustCompile(`\.{2,}`)

func allowedFileRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune(" ._-()[]+,&", r):
		return true
	case strings.ContainsRune("áčďéěíňóřšťúůýžÁČĎÉĚÍŇÓŘŠŤÚŮÝŽäöüÄÖÜĺľŕĹĽŔôÔ", r):
		return true
	}
	return false
}

// FileName strips path traversal and separators, replaces characters outside
// of the allow-list with '_' and caps the length.
func FileName(name string) string {
	name = strings.NewReplacer("/", "_", `\`, "_", "\x00", "").Replace(name)
	name = traversal.ReplaceAllString(name, ".")

	var sb strings.Builder
	for _, r := range name {
		if allowedFileRune(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	name = whitespaceRegex.ReplaceAllString(sb.String(), " ")
	name = strings.Trim(name, " .")

	if utf8.RuneCountInString(name) > maxFileNameLength {
		runes := []rune(name)
		name = strings.Trim(string(runes[:maxFileNameLength]), " .")
	}
	return name
}

// MaxYearDrift is how far outside of the current year a date may be before it
// is considered garbage.
const MaxYearDrift = 2

var dateLayouts = []string{
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"2.1.2006 15:04",
	"02.01.2006",
	"2.1.2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Date parses either ISO or DD.MM.YYYY (optionally with a time) in loc and
// rejects results more than MaxYearDrift years away from now.
func Date(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
	if s == "" {
		return time.Time{}, false
	}
	loc := now.Location()
	for _, layout := range dateLayouts {
		parsed, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		drift := parsed.Year() - now.Year()
		if drift > MaxYearDrift || drift < -MaxYearDrift {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

var portalDate = regexp.MustCompile(`\d{1,2}\.\s?\d{1,2}\.\s?\d{4}(?:\s+\d{1,2}:\d{2}(?::\d{2})?)?`)

// DateString finds the first portal formatted date (with optional time) in s
// and returns it as written if it validates, otherwise "".
// The sentinel "--" yields "".
func DateString(s string, now time.Time) string {
	match := portalDate.FindString(s)
	if match == "" {
		return ""
	}
	match = strings.ReplaceAll(match, ". ", ".")
	match = whitespaceRegex.ReplaceAllString(match, " ")
	if _, ok := Date(match, now); !ok {
		return ""
	}
	return match
}

const maxRoomLength = 64

var roomRegex = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} .,/()-]*$`)

// Room accepts a room label made of letters, digits and a few separators.
// The sentinel "--" and anything else yields "".
func Room(s string) string {
	s = String(s, maxRoomLength)
	if !roomRegex.MatchString(s) {
		return ""
	}
	return s
}
