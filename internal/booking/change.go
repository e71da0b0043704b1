package booking

import (
	"context"
	"errors"
	"fmt"

	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/exams"
)

const report_booking_change_term = "booking.change-term"

var ErrNoTarget = errors.New("term is not in the current snapshot")

// ErrUnstableTerm means the registered term only has a generated id, the
// portal offers no link to unregister it.
var ErrUnstableTerm = errors.New("registered term has no portal id")

// Registrar performs the mutating portal actions, portal.Registrar
// implements it.
type Registrar interface {
	Register(ctx context.Context, termId string) error
	Unregister(ctx context.Context, termId string) error
}

// ConflictError means unregistering the currently registered term failed, so
// the new term was never registered and the section is unchanged.
type ConflictError struct {
	TermId string
	Err    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unregister %s: %s", e.TermId, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// RegisterError means registering the new term failed. When a previous term
// had been unregistered first, RolledBack tells whether it was registered
// again.
type RegisterError struct {
	TermId      string
	Err         error
	PreviousId  string
	RolledBack  bool
	RollbackErr error
}

func (e *RegisterError) Error() string {
	msg := fmt.Sprintf("register %s: %s", e.TermId, e.Err)
	if e.PreviousId != "" && !e.RolledBack {
		msg += fmt.Sprintf(" (re-register %s: %s)", e.PreviousId, e.RollbackErr)
	}
	return msg
}

func (e *RegisterError) Unwrap() error {
	return e.Err
}

// ChangeTerm registers termId for section. If the section holds a different
// registered term it is unregistered first and registration is only
// attempted when that succeeded. If registration then fails the previous
// term is registered again. A registered term without a portal id is never
// touched, the change fails with a *ConflictError instead.
func ChangeTerm(ctx context.Context, registrar Registrar, section exams.Section, termId string, tel telemetry.API) error {
	previous := ""
	if section.RegisteredTerm != nil {
		previous = section.RegisteredTerm.Id
	}
	if previous == termId {
		tel.ReportDebug("term already registered", report_booking_change_term, termId)
		return nil
	}

	if previous != "" && section.RegisteredTerm.SyntheticId {
		conflict := &ConflictError{TermId: previous, Err: ErrUnstableTerm}
		tel.ReportWarning(report_booking_change_term, conflict, section.Id)
		return conflict
	}

	if previous != "" {
		err := registrar.Unregister(ctx, previous)
		if err != nil {
			conflict := &ConflictError{TermId: previous, Err: err}
			tel.ReportWarning(report_booking_change_term, conflict, section.Id)
			return conflict
		}
	}

	err := registrar.Register(ctx, termId)
	if err == nil {
		return nil
	}

	registerErr := &RegisterError{TermId: termId, Err: err, PreviousId: previous}
	if previous != "" {
		rollbackErr := registrar.Register(ctx, previous)
		registerErr.RolledBack = rollbackErr == nil
		registerErr.RollbackErr = rollbackErr
		if rollbackErr != nil {
			tel.ReportBroken(report_booking_change_term, fmt.Errorf("rollback: %w", rollbackErr), section.Id, previous)
		}
	}
	tel.ReportWarning(report_booking_change_term, registerErr, section.Id)
	return registerErr
}
