// Package booking arms a term and registers it the moment its registration
// window opens.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"uisassist-backend/internal/components/assert"
	"uisassist-backend/internal/components/chrono"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/exams"
	"uisassist-backend/pkg/sanitize"

	"github.com/google/uuid"
)

const (
	report_scheduler_tick   = "scheduler.tick"
	report_scheduler_arm    = "scheduler.arm"
	report_scheduler_firing = "scheduler.firing"
)

const DefaultTick = time.Second

var ErrFiring = errors.New("registration in progress")

type State int

const (
	StateIdle State = iota
	StateArmed
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type EventKind string

const (
	EventArmed      EventKind = "armed"
	EventTick       EventKind = "tick"
	EventTargetLost EventKind = "target-lost"
	EventFiring     EventKind = "firing"
	EventSettled    EventKind = "settled"
	EventFailed     EventKind = "failed"
	EventDisarmed   EventKind = "disarmed"
)

type Event struct {
	Kind    EventKind
	CycleId uuid.UUID
	TermId  string
	// Remaining is the time left until the registration window opens, only
	// set on tick events.
	Remaining time.Duration
	Err       error
}

type Listener func(Event)

// Target is what the scheduler needs to know about the armed term: the
// term itself for its registration start and its section for the currently
// registered term.
type Target struct {
	Section exams.Section
	Term    exams.Term
}

// Lookup resolves a term id against the latest known snapshot.
type Lookup func(termId string) (Target, bool)

type Options struct {
	Tick time.Duration
}

type Scheduler struct {
	lookup    Lookup
	registrar Registrar
	time      chrono.TimeAPI
	tel       telemetry.API
	tick      time.Duration

	lock   sync.Mutex
	state  State
	termId string
	cycle  uuid.UUID

	listenersLock sync.Mutex
	listeners     map[int]Listener
	nextListener  int
}

func NewScheduler(lookup Lookup, registrar Registrar, time chrono.TimeAPI, opts Options, tel telemetry.API) *Scheduler {
	assert.NotNil(lookup)
	assert.NotNil(registrar)
	assert.NotNil(time)

	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		lookup:    lookup,
		registrar: registrar,
		time:      time,
		tel:       telemetry.NewScopedAPI("booking", tel),
		tick:      tick,
		listeners: map[int]Listener{},
	}
}

// Subscribe registers a listener for scheduler events and returns the
// function that removes it. Listeners are called synchronously and must not
// call back into the scheduler.
func (s *Scheduler) Subscribe(listener Listener) (unsubscribe func()) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	return func() {
		s.listenersLock.Lock()
		defer s.listenersLock.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Scheduler) emit(e Event) {
	s.listenersLock.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersLock.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// State returns the current state and the armed term id.
func (s *Scheduler) State() (State, string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state, s.termId
}

// Arm targets termId. Arming while already armed replaces the target and
// keeps the cycle, arming while firing is refused.
func (s *Scheduler) Arm(termId string) (uuid.UUID, error) {
	s.lock.Lock()
	if s.state == StateFiring {
		s.lock.Unlock()
		return uuid.Nil, ErrFiring
	}
	if s.state == StateIdle {
		s.cycle = uuid.New()
	}
	s.state = StateArmed
	s.termId = termId
	cycle := s.cycle
	s.lock.Unlock()

	s.tel.ReportDebug("armed", report_scheduler_arm, termId, cycle.String())
	s.emit(Event{Kind: EventArmed, CycleId: cycle, TermId: termId})
	return cycle, nil
}

// Disarm returns an armed scheduler to idle. It does nothing when idle and
// does not interrupt a registration that is already firing.
func (s *Scheduler) Disarm() {
	s.lock.Lock()
	if s.state != StateArmed {
		s.lock.Unlock()
		return
	}
	event := Event{Kind: EventDisarmed, CycleId: s.cycle, TermId: s.termId}
	s.state = StateIdle
	s.termId = ""
	s.lock.Unlock()

	s.emit(event)
}

// opensAt returns when registration for the term opens. A term without a
// usable registration start opens immediately if it can be registered now,
// otherwise never until a later snapshot says more.
func (s *Scheduler) opensAt(term exams.Term, now time.Time) (time.Time, bool) {
	if term.RegistrationStart != nil {
		start, ok := sanitize.Date(*term.RegistrationStart, now)
		if ok {
			return start, true
		}
	}
	if term.CanRegisterNow {
		return now, true
	}
	return time.Time{}, false
}

// Tick advances the state machine once. Registration runs synchronously
// inside the tick that finds the window open, so a following tick can never
// overlap it.
func (s *Scheduler) Tick(ctx context.Context) {
	s.lock.Lock()
	if s.state != StateArmed {
		s.lock.Unlock()
		return
	}
	termId := s.termId
	cycle := s.cycle
	s.lock.Unlock()

	target, found := s.lookup(termId)

	s.lock.Lock()
	if s.state != StateArmed || s.cycle != cycle || s.termId != termId {
		s.lock.Unlock()
		return
	}
	if !found {
		s.state = StateIdle
		s.termId = ""
		s.lock.Unlock()

		s.tel.ReportWarning(report_scheduler_tick, "target lost", termId, cycle.String())
		s.emit(Event{Kind: EventTargetLost, CycleId: cycle, TermId: termId, Err: ErrNoTarget})
		return
	}

	now := s.time.Now()
	start, known := s.opensAt(target.Term, now)
	if !known || now.Before(start) {
		s.lock.Unlock()
		remaining := time.Duration(-1)
		if known {
			remaining = start.Sub(now)
		}
		s.emit(Event{Kind: EventTick, CycleId: cycle, TermId: termId, Remaining: remaining})
		return
	}
	s.state = StateFiring
	s.lock.Unlock()

	s.emit(Event{Kind: EventFiring, CycleId: cycle, TermId: termId})
	err := ChangeTerm(ctx, s.registrar, target.Section, termId, s.tel)

	s.lock.Lock()
	s.state = StateIdle
	s.termId = ""
	s.lock.Unlock()

	if err != nil {
		s.tel.ReportWarning(report_scheduler_firing, err, termId, cycle.String())
		s.emit(Event{Kind: EventFailed, CycleId: cycle, TermId: termId, Err: err})
		return
	}
	s.emit(Event{Kind: EventSettled, CycleId: cycle, TermId: termId})
}

// Start ticks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
