package exams

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/extract"
	"uisassist-backend/pkg/htmlutil"
	"uisassist-backend/pkg/sanitize"
	"uisassist-backend/pkg/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/mazen160/go-random"
)

const (
	report_exams_parse_registered_row = "exams.parse-registered-row"
	report_exams_parse_available_row  = "exams.parse-available-row"
	report_exams_synthetic_id         = "exams.synthetic-id"
)

const (
	minRegisteredCells = 6
	minAvailableCells  = 8

	maxNameLen    = 200
	maxTeacherLen = 120

	termIdParam    = "termin"
	teacherIdParam = "id"
	registerMarker = "prihlasit="
	profileMarker  = "clovek.pl"
	absentSentinel = "--"
)

type Options struct {
	Now time.Time
}

// rowCells is the part of a listing row every table shares: subject code and
// name sit just before the date column, room, section and teacher just after.
type rowCells struct {
	cells   *goquery.Selection
	dateIdx int
	code    string
	subject string
	section string
	date    string
	time    string
	room    string
	teacher string
	teachId string
}

func readRowCells(row *goquery.Selection, minCells int, now time.Time) (rowCells, bool) {
	cells := row.Children().Filter("td")
	if cells.Length() < minCells {
		return rowCells{}, false
	}
	dateIdx := htmlutil.FindDateColumnIndex(cells)
	if dateIdx < 2 {
		return rowCells{}, false
	}
	dateTime := sanitize.DateString(htmlutil.SafeText(htmlutil.Cell(cells, dateIdx), ""), now)
	if dateTime == "" {
		return rowCells{}, false
	}
	date, clock, _ := strings.Cut(dateTime, " ")

	out := rowCells{
		cells:   cells,
		dateIdx: dateIdx,
		code:    sanitize.String(htmlutil.SafeText(htmlutil.Cell(cells, dateIdx-2), ""), 32),
		subject: SubjectName(htmlutil.SafeText(htmlutil.Cell(cells, dateIdx-1), "")),
		date:    date,
		time:    clock,
		room:    sanitize.Room(htmlutil.SafeText(htmlutil.Cell(cells, dateIdx+1), "")),
		section: sanitize.String(textutil.BeforeParen(htmlutil.SafeText(htmlutil.Cell(cells, dateIdx+2), "")), maxNameLen),
	}
	teacherCell := htmlutil.Cell(cells, dateIdx+3)
	out.teacher = sanitize.String(htmlutil.SafeText(teacherCell, ""), maxTeacherLen)
	profile := teacherCell.Find("a[href*=\"" + profileMarker + "\"]")
	if id, ok := htmlutil.ExtractId(htmlutil.SafeAttr(profile, "href", ""), teacherIdParam); ok {
		out.teachId = id
	}
	return out, true
}

var subjectPrefix = regexp.MustCompile(`^\s*\S+\s+\d{4}/\d{4}\s*-\s*[\p{Lu}]+\s*`)

// SubjectName strips the "<term> <year>/<year> - <FACULTY>" prefix the
// portal sometimes puts before the subject name.
func SubjectName(s string) string {
	s = subjectPrefix.ReplaceAllString(htmlutil.CleanText(s), "")
	return sanitize.String(strings.TrimLeft(s, " -:"), maxNameLen)
}

// WindowCellStrategies find the cell holding "<start><br><end><br><deadline>"
// in a row. Cells at or before the date column are never considered.
func WindowCellStrategies(dateIdx int) []extract.Strategy[[]string] {
	lines := func(minParts int) func(*goquery.Selection) ([]string, bool) {
		return func(cells *goquery.Selection) ([]string, bool) {
			for i := dateIdx + 1; i < cells.Length(); i++ {
				parts := htmlutil.SplitLines(htmlutil.SafeHtml(cells.Eq(i)))
				if len(parts) >= minParts {
					return parts, true
				}
			}
			return nil, false
		}
	}
	return []extract.Strategy[[]string]{
		{Name: "three-line-window-cell", Run: lines(3)},
		{Name: "two-line-window-cell", Fragile: true, Run: lines(2)},
	}
}

func windowPart(parts []string, i int, now time.Time) string {
	if i >= len(parts) || parts[i] == absentSentinel {
		return ""
	}
	return sanitize.DateString(parts[i], now)
}

// ParseRegisteredRow reads one row of the registered terms table. ok is false
// when the row has too few cells or no date column.
func ParseRegisteredRow(tel telemetry.API, row *goquery.Selection, opts Options) (RegisteredRow, bool) {
	rc, ok := readRowCells(row, minRegisteredCells, opts.Now)
	if !ok {
		tel.ReportDebug("skipped registered row", report_exams_parse_registered_row)
		return RegisteredRow{}, false
	}

	id, synthetic := termId(tel, row, rc.cells)
	out := RegisteredRow{
		Code:        rc.code,
		SubjectName: rc.subject,
		SectionName: rc.section,
		Term: RegisteredTerm{
			Id:          id,
			SyntheticId: synthetic,
			Date:        rc.date,
			Time:        rc.time,
			Room:        optional(rc.room),
			Teacher:     optional(rc.teacher),
			TeacherId:   optional(rc.teachId),
		},
	}
	parts, _, ok := extract.RunStrategies(tel, rc.cells, WindowCellStrategies(rc.dateIdx)[:1])
	if ok {
		out.Term.DeregistrationDeadline = optional(windowPart(parts, 2, opts.Now))
	}
	return out, true
}

var capacityRegex = regexp.MustCompile(`^(\d+)\s*/\s*(\d+)$`)

// ParseCapacity reads "occupied/total", ok is false for anything else.
func ParseCapacity(s string) (Capacity, bool) {
	groups := capacityRegex.FindStringSubmatch(strings.TrimSpace(s))
	if groups == nil {
		return Capacity{}, false
	}
	occupied, err := strconv.Atoi(groups[1])
	if err != nil {
		return Capacity{}, false
	}
	total, err := strconv.Atoi(groups[2])
	if err != nil {
		return Capacity{}, false
	}
	return Capacity{Occupied: occupied, Total: total}, true
}

var attemptKeywords = []struct {
	attempt  AttemptType
	keywords []string
}{
	{AttemptRetake3, []string{"3.opravn", "mimořádn", "mimoradn"}},
	{AttemptRetake2, []string{"2.opravn"}},
	{AttemptRetake1, []string{"1.opravn", "opravn", "retake"}},
	{AttemptRegular, []string{"řádn", "radny", "regular"}},
}

// ClassifyAttempt scans the markup of every cell plus image alt and title
// texts. Retakes win over regular sittings, higher retakes over lower ones.
func ClassifyAttempt(cells *goquery.Selection) (AttemptType, bool) {
	var sb strings.Builder
	cells.Each(func(_ int, cell *goquery.Selection) {
		sb.WriteString(htmlutil.SafeHtml(cell))
		sb.WriteString(" ")
		cell.Find("img").Each(func(_ int, img *goquery.Selection) {
			sb.WriteString(htmlutil.SafeAttr(img, "alt", ""))
			sb.WriteString(" ")
			sb.WriteString(htmlutil.SafeAttr(img, "title", ""))
			sb.WriteString(" ")
		})
	})
	text := sb.String()
	for _, group := range attemptKeywords {
		if textutil.MatchName(text, group.keywords) {
			return group.attempt, true
		}
	}
	return "", false
}

// termId prefers the register action link, then any other link carrying a
// term id, then a random token.
func termId(tel telemetry.API, row, cells *goquery.Selection) (string, bool) {
	var registerId, infoId string
	row.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := htmlutil.SafeAttr(a, "href", "")
		id, ok := htmlutil.ExtractId(href, termIdParam)
		if !ok {
			return
		}
		if strings.Contains(href, registerMarker) {
			if registerId == "" {
				registerId = id
			}
			return
		}
		if infoId == "" {
			infoId = id
		}
	})
	if registerId != "" {
		return registerId, false
	}
	if infoId != "" {
		return infoId, false
	}
	token, err := random.String(12)
	if err != nil {
		tel.ReportBroken(report_exams_synthetic_id, err)
		token = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	tel.ReportDebug("synthetic term id", report_exams_synthetic_id, htmlutil.SafeText(cells, ""))
	return "synthetic-" + token, true
}

// ParseAvailableRow reads one row of the available terms table.
func ParseAvailableRow(tel telemetry.API, row *goquery.Selection, opts Options) (AvailableRow, bool) {
	rc, ok := readRowCells(row, minAvailableCells, opts.Now)
	if !ok {
		tel.ReportDebug("skipped available row", report_exams_parse_available_row)
		return AvailableRow{}, false
	}

	id, synthetic := termId(tel, row, rc.cells)
	out := AvailableRow{
		Code:            rc.code,
		SubjectName:     rc.subject,
		SectionName:     rc.section,
		HasRegisterLink: row.Find("a[href*=\""+registerMarker+"\"]").Length() > 0,
		Term: Term{
			Id:          id,
			SyntheticId: synthetic,
			Date:        rc.date,
			Time:        rc.time,
			Room:        optional(rc.room),
			Teacher:     optional(rc.teacher),
			TeacherId:   optional(rc.teachId),
		},
	}

	capacity, ok := ParseCapacity(htmlutil.SafeText(htmlutil.Cell(rc.cells, rc.dateIdx+4), ""))
	if ok {
		out.Term.Capacity = &capacity
		out.Term.Full = capacity.Full()
	}

	parts, _, ok := extract.RunStrategies(tel, rc.cells, WindowCellStrategies(rc.dateIdx+4))
	if ok {
		out.Term.RegistrationStart = optional(windowPart(parts, 0, opts.Now))
		out.Term.RegistrationEnd = optional(windowPart(parts, 1, opts.Now))
	}

	if attempt, ok := ClassifyAttempt(rc.cells); ok {
		out.Term.AttemptType = &attempt
	}
	out.Term.CanRegisterNow = out.HasRegisterLink && !out.Term.Full
	return out, true
}
