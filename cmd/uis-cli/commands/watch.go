package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"uisassist-backend/internal/components/chrono"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/exams"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const report_cli_watch = "cli.watch"

const defaultWatchCron = "*/5 * * * *"

func init() {
	rootCmd.AddCommand(watchCmd)
}

// termWatcher remembers the terms seen so far so each refresh only reports
// what is new.
type termWatcher struct {
	lock sync.Mutex
	seen map[string]bool
	// first refresh only fills seen
	primed bool
}

func newTermWatcher() *termWatcher {
	return &termWatcher{seen: map[string]bool{}}
}

type newTerm struct {
	subject exams.Subject
	section exams.Section
	term    exams.Term
}

func (w *termWatcher) update(subjects []exams.Subject) []newTerm {
	w.lock.Lock()
	defer w.lock.Unlock()

	out := []newTerm{}
	for _, subject := range subjects {
		for _, section := range subject.Sections {
			for _, term := range section.Terms {
				if term.SyntheticId {
					continue
				}
				if !w.seen[term.Id] && w.primed {
					out = append(out, newTerm{subject: subject, section: section, term: term})
				}
				w.seen[term.Id] = true
			}
		}
	}
	w.primed = true
	return out
}

func refreshOnce(ctx context.Context, e *env, watcher *termWatcher) {
	subjects, err := e.service.Refresh(ctx)
	if err != nil {
		e.tel.ReportWarning(report_cli_watch, err)
		return
	}
	added := watcher.update(subjects)
	e.tel.ReportCount("watch_new_terms", int64(len(added)))
	if len(added) == 0 {
		return
	}

	t := newTable()
	t.SetTitle(fmt.Sprintf("new terms at %s", e.time.Now().Format("02.01.2006 15:04")))
	t.AppendHeader(table.Row{"Code", "Section", "Term", "Date", "Registration"})
	for _, n := range added {
		window := orDash(n.term.RegistrationStart)
		if n.term.CanRegisterNow {
			window = "open"
		}
		t.AppendRow(table.Row{n.subject.Code, n.section.Name, n.term.Id, n.term.Date + " " + n.term.Time, window})
	}
	t.Render()
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Refreshes the exam snapshot on the configured cron spec and prints new terms.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e := mustSetup(ctx)
		defer e.Close()
		telemetry.InstrumentPerfStats(ctx, e.tel, time.Minute)

		spec := e.cfg.Watch.Cron
		if spec == "" {
			spec = defaultWatchCron
		}

		watcher := newTermWatcher()
		refreshOnce(ctx, e, watcher)

		cron := chrono.NewStandardCron(e.tel)
		defer cron.Stop()
		err := cron.Cron(spec, func() {
			refreshOnce(ctx, e, watcher)
		})
		if err != nil {
			e.fatal("invalid watch.cron", err)
		}

		<-ctx.Done()
	},
}
