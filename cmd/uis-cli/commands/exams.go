package commands

import (
	"fmt"

	"uisassist-backend/internal/exams"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var examsRefresh *bool

func init() {
	examsRefresh = examsCmd.Flags().Bool("refresh", false, "Ignore the cached snapshot.")
	rootCmd.AddCommand(examsCmd)
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func termRows(subject exams.Subject, section exams.Section) []table.Row {
	rows := []table.Row{}
	if section.RegisteredTerm != nil {
		t := section.RegisteredTerm
		rows = append(rows, table.Row{
			subject.Code, subject.Name, section.Name, section.Status,
			t.Id, t.Date + " " + t.Time, orDash(t.Room), "-", "-",
			"until " + orDash(t.DeregistrationDeadline),
		})
	}
	for _, t := range section.Terms {
		capacity := "-"
		if t.Capacity != nil {
			capacity = fmt.Sprintf("%d/%d", t.Capacity.Occupied, t.Capacity.Total)
		}
		attempt := "-"
		if t.AttemptType != nil {
			attempt = string(*t.AttemptType)
		}
		window := orDash(t.RegistrationStart)
		if t.CanRegisterNow {
			window = "open"
		}
		rows = append(rows, table.Row{
			subject.Code, subject.Name, section.Name, section.Status,
			t.Id, t.Date + " " + t.Time, orDash(t.Room), capacity, attempt, window,
		})
	}
	return rows
}

var examsCmd = &cobra.Command{
	Use:   "exams [--refresh]",
	Short: "Lists exam and test sections with their terms.",
	Run: func(cmd *cobra.Command, args []string) {
		e := mustSetup(cmd.Context())
		defer e.Close()

		var subjects []exams.Subject
		var err error
		if *examsRefresh {
			subjects, err = e.service.Refresh(cmd.Context())
		} else {
			subjects, err = e.service.Exams(cmd.Context())
		}
		if err != nil {
			e.fatal("failed to get exams", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Code", "Subject", "Section", "Status", "Term", "Date", "Room", "Capacity", "Attempt", "Registration"})
		for _, subject := range subjects {
			for _, section := range subject.Sections {
				t.AppendRows(termRows(subject, section))
			}
			t.AppendSeparator()
		}
		t.Render()
	},
}
