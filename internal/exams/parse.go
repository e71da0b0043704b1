package exams

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/extract"
	"uisassist-backend/pkg/htmlutil"
	"uisassist-backend/pkg/textutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_exams_parse    = "exams.parse"
	report_exams_validate = "exams.validate"
)

func headingTable(keywords ...string) func(*goquery.Selection) (*goquery.Selection, bool) {
	return func(root *goquery.Selection) (*goquery.Selection, bool) {
		var table *goquery.Selection
		root.Find("h1, h2, h3, h4, caption, b, strong").EachWithBreak(func(_ int, heading *goquery.Selection) bool {
			if !textutil.MatchName(htmlutil.SafeText(heading, ""), keywords) {
				return true
			}
			if goquery.NodeName(heading) == "caption" {
				table = heading.Closest("table")
				return false
			}
			next := heading.NextAllFiltered("table").First()
			if next.Length() == 0 {
				next = heading.Parent().NextAllFiltered("table").First()
			}
			if next.Length() == 0 {
				return true
			}
			table = next
			return false
		})
		return table, table != nil && table.Length() > 0
	}
}

func tableById(selector string) func(*goquery.Selection) (*goquery.Selection, bool) {
	return func(root *goquery.Selection) (*goquery.Selection, bool) {
		table := root.Find(selector).First()
		return table, table.Length() > 0
	}
}

var RegisteredTableStrategies = []extract.Strategy[*goquery.Selection]{
	{Name: "registered-table-id", Run: tableById("table#table_1")},
	{Name: "registered-heading", Fragile: true, Run: headingTable("přihlášenétermíny", "registeredterms", "jstepřihlášen")},
}

var AvailableTableStrategies = []extract.Strategy[*goquery.Selection]{
	{Name: "available-table-id", Run: tableById("table#table_2")},
	{Name: "available-heading", Fragile: true, Run: headingTable("vypsanétermíny", "availableterms", "přihlašovánínatermín")},
}

type assembly struct {
	order    []string
	subjects map[string]*Subject
	sections map[string]int
}

func newAssembly() *assembly {
	return &assembly{
		subjects: map[string]*Subject{},
		sections: map[string]int{},
	}
}

func (a *assembly) subject(code, name string) *Subject {
	s, ok := a.subjects[code]
	if !ok {
		s = &Subject{Code: code, Name: name, Sections: []Section{}}
		a.subjects[code] = s
		a.order = append(a.order, code)
	}
	if s.Name == "" {
		s.Name = name
	}
	return s
}

// SectionId is the identity of a section within the whole snapshot.
func SectionId(code, name string) string {
	return code + ":" + textutil.NormalizeName(textutil.StripTrailingParen(name))
}

func sectionType(name string) SectionType {
	if textutil.MatchName(name, []string{"zápočet", "zapocet", "credit", "test"}) {
		return SectionTest
	}
	return SectionExam
}

func (a *assembly) section(code, subjectName, sectionName string) *Section {
	subject := a.subject(code, subjectName)
	id := SectionId(code, sectionName)
	idx, ok := a.sections[id]
	if !ok {
		subject.Sections = append(subject.Sections, Section{
			Id:     id,
			Name:   textutil.StripTrailingParen(sectionName),
			Type:   sectionType(sectionName),
			Status: StatusOpen,
			Terms:  []Term{},
		})
		idx = len(subject.Sections) - 1
		a.sections[id] = idx
	}
	return &subject.Sections[idx]
}

func (a *assembly) addRegistered(row RegisteredRow) {
	section := a.section(row.Code, row.SubjectName, row.SectionName)
	term := row.Term
	section.Status = StatusRegistered
	section.RegisteredTerm = &term
}

func (a *assembly) addAvailable(row AvailableRow) {
	section := a.section(row.Code, row.SubjectName, row.SectionName)
	section.Terms = append(section.Terms, row.Term)
	if section.Status != StatusRegistered {
		section.Status = StatusAvailable
	}
}

func (a *assembly) result() []Subject {
	out := make([]Subject, 0, len(a.order))
	for _, code := range a.order {
		out = append(out, *a.subjects[code])
	}
	return out
}

// Parse builds the subject graph from the exam page. The registered table is
// read first so available terms land on sections already marked registered.
// The result is validated, invalid records are dropped.
func Parse(tel telemetry.API, doc *goquery.Document, opts Options) []Subject {
	root := doc.Selection
	a := newAssembly()

	registered, _, ok := extract.RunStrategies(tel, root, RegisteredTableStrategies)
	if ok {
		registered.Find("tr").Each(func(_ int, row *goquery.Selection) {
			parsed, ok := ParseRegisteredRow(tel, row, opts)
			if ok {
				a.addRegistered(parsed)
			}
		})
	} else {
		tel.ReportDebug("no registered terms table", report_exams_parse)
	}

	available, _, ok := extract.RunStrategies(tel, root, AvailableTableStrategies)
	if ok {
		available.Find("tr").Each(func(_ int, row *goquery.Selection) {
			parsed, ok := ParseAvailableRow(tel, row, opts)
			if ok {
				a.addAvailable(parsed)
			}
		})
	} else {
		tel.ReportDebug("no available terms table", report_exams_parse)
	}

	return Validate(tel, a.result())
}

var nonsenseName = regexp.MustCompile(`(?i)^(undefined|null|nan|none|n/a|true|false|\[object.*\]|\d+|[\p{P}\p{S}\s]+)$`)

// IsNonsenseName matches values that only show up when extraction read the
// wrong node or a script placeholder.
func IsNonsenseName(name string) bool {
	name = strings.TrimSpace(name)
	if nonsenseName.MatchString(name) {
		return true
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "undefined") || strings.Contains(lower, "[object")
}

func validSection(s Section) bool {
	if s.Name == "" {
		return false
	}
	if s.Status == StatusRegistered {
		return s.RegisteredTerm != nil
	}
	return len(s.Terms) > 0
}

// Validate drops sections with neither a registered term nor any terms,
// subjects left without sections, subjects with too short codes or names
// and subjects whose name is a placeholder.
func Validate(tel telemetry.API, subjects []Subject) []Subject {
	out := make([]Subject, 0, len(subjects))
	for _, subject := range subjects {
		if utf8.RuneCountInString(subject.Code) < 2 || utf8.RuneCountInString(subject.Name) < 2 {
			tel.ReportWarning(report_exams_validate, "short code or name", subject.Code, subject.Name)
			continue
		}
		if IsNonsenseName(subject.Name) {
			tel.ReportWarning(report_exams_validate, "nonsense subject", subject.Code, subject.Name)
			continue
		}
		sections := make([]Section, 0, len(subject.Sections))
		for _, s := range subject.Sections {
			if !validSection(s) {
				tel.ReportWarning(report_exams_validate, "invalid section", subject.Code, s.Id)
				continue
			}
			sections = append(sections, s)
		}
		if len(sections) == 0 {
			tel.ReportWarning(report_exams_validate, "subject without sections", subject.Code)
			continue
		}
		subject.Sections = sections
		out = append(out, subject)
	}
	return out
}

// FindTerm looks up a term by id across the snapshot and returns the owning
// section with it.
func FindTerm(subjects []Subject, termId string) (Section, Term, bool) {
	for _, subject := range subjects {
		for _, section := range subject.Sections {
			for _, term := range section.Terms {
				if term.Id == termId {
					return section, term, true
				}
			}
		}
	}
	return Section{}, Term{}, false
}
