package commands

import (
	"context"
	"fmt"
	"time"

	"uisassist-backend/internal/booking"
	"uisassist-backend/internal/components/telemetry"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(bookCmd)
	rootCmd.AddCommand(changeCmd)
}

// watchOutcome logs scheduler progress and delivers the first terminal
// event on the returned channel.
func watchOutcome(scheduler *booking.Scheduler, tel telemetry.API) (<-chan booking.Event, func()) {
	outcome := make(chan booking.Event, 1)
	lastRemaining := time.Duration(-1)
	unsubscribe := scheduler.Subscribe(func(e booking.Event) {
		switch e.Kind {
		case booking.EventTick:
			// log once a minute rather than every tick
			if lastRemaining < 0 || lastRemaining-e.Remaining >= time.Minute || e.Remaining < 10*time.Second {
				lastRemaining = e.Remaining
				tel.ReportDebug("waiting for registration window", e.TermId, e.Remaining.Round(time.Second).String())
			}
		case booking.EventFiring:
			tel.ReportDebug("registration window open", e.TermId, e.CycleId.String())
		case booking.EventSettled, booking.EventFailed, booking.EventTargetLost, booking.EventDisarmed:
			select {
			case outcome <- e:
			default:
			}
		}
	})
	return outcome, unsubscribe
}

var bookCmd = &cobra.Command{
	Use:   "book <term-id>",
	Short: "Waits for the term's registration window and registers it the moment it opens.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		e := mustSetup(ctx)
		defer e.Close()
		telemetry.InstrumentPerfStats(ctx, e.tel, time.Minute)

		_, err := e.service.Exams(ctx)
		if err != nil {
			e.fatal("failed to load exams", err)
		}
		tick, _ := e.cfg.Tick()
		scheduler := booking.NewScheduler(
			e.service.LookupFresh(ctx),
			e.registrar,
			e.time,
			booking.Options{Tick: tick},
			e.tel,
		)
		outcome, unsubscribe := watchOutcome(scheduler, e.tel)
		defer unsubscribe()
		_, err = scheduler.Arm(args[0])
		if err != nil {
			e.fatal("failed to arm", err)
		}

		done := make(chan struct{})
		go func() {
			scheduler.Start(ctx)
			close(done)
		}()
		var event booking.Event
		select {
		case event = <-outcome:
		case <-ctx.Done():
		}
		cancel()
		<-done
		if event.Kind == "" {
			e.fatal("interrupted", ctx.Err())
		}

		switch event.Kind {
		case booking.EventSettled:
			fmt.Printf("registered term %s\n", event.TermId)
		default:
			e.fatal(fmt.Sprintf("booking %s ended with %s", event.TermId, event.Kind), event.Err)
		}
	},
}

var changeCmd = &cobra.Command{
	Use:   "change <term-id>",
	Short: "Registers the term now, unregistering the section's current term first.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustSetup(cmd.Context())
		defer e.Close()

		err := e.service.ChangeTerm(cmd.Context(), args[0])
		if err != nil {
			e.fatal("failed to change term", err)
		}
		fmt.Printf("registered term %s\n", args[0])
	},
}
