package telemetry

import (
	"fmt"
	"strings"
	"sync"
)

// Report is a single call recorded by TestAPI.
type Report struct {
	Kind   string
	Id     string
	Params []any
}

// TestAPI records every report so tests can assert on what got reported.
type TestAPI struct {
	lock    *sync.Mutex
	reports *[]Report
}

func NewTestAPI() TestAPI {
	return TestAPI{
		lock:    &sync.Mutex{},
		reports: &[]Report{},
	}
}

func (t TestAPI) record(kind, id string, params []any) {
	t.lock.Lock()
	defer t.lock.Unlock()
	*t.reports = append(*t.reports, Report{Kind: kind, Id: id, Params: params})
}

func (t TestAPI) ReportBroken(id string, params ...any) {
	t.record("broken", id, params)
}

func (t TestAPI) ReportWarning(id string, params ...any) {
	t.record("warning", id, params)
}

func (t TestAPI) ReportDebug(msg string, params ...any) {
	t.record("debug", msg, params)
}

func (t TestAPI) ReportCount(id string, count int64) {
	t.record("count", id, []any{count})
}

// Reports returns a copy of the reports of the given kind, an empty kind returns all.
func (t TestAPI) Reports(kind string) []Report {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []Report
	for _, r := range *t.reports {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Has reports whether a report of the given kind mentions substr in its id or
// one of its params.
func (t TestAPI) Has(kind, substr string) bool {
	for _, r := range t.Reports(kind) {
		if strings.Contains(r.Id, substr) || strings.Contains(fmt.Sprint(r.Params...), substr) {
			return true
		}
	}
	return false
}

func (t TestAPI) String() string {
	var sb strings.Builder
	for _, r := range t.Reports("") {
		sb.WriteString(fmt.Sprintf("%s %s %v\n", r.Kind, r.Id, r.Params))
	}
	return sb.String()
}
