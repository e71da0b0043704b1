package chrono

import (
	"time"
)

var prague *time.Location

func init() {
	var err error
	prague, err = time.LoadLocation("Europe/Prague")
	if err != nil {
		panic(err)
	}
}

// Prague returns a [*time.Location] for Europe/Prague, the timezone every date
// printed by the portal is implicitly in.
func Prague() *time.Location {
	return prague
}

// TimeAPI is the interface that anything depending on the system clock should use.
type TimeAPI interface {
	// Now returns the current time, the timezone of the time will default to Europe/Prague.
	Now() time.Time
}

// StandardTime is the standard implementation of TimeAPI using the standard library.
type StandardTime struct{}

// NewStandardTime is the constructor of StandardTime.
func NewStandardTime() StandardTime {
	return StandardTime{}
}

func (StandardTime) Now() time.Time {
	return time.Now().In(prague)
}

// FixedTime is a TimeAPI that only moves when told to.
type FixedTime struct {
	now *time.Time
}

func NewFixedTime(now time.Time) FixedTime {
	return FixedTime{now: &now}
}

func (f FixedTime) Now() time.Time {
	return *f.now
}

// Advance moves the clock forward by d.
func (f FixedTime) Advance(d time.Duration) {
	*f.now = f.now.Add(d)
}

func (f FixedTime) Set(now time.Time) {
	*f.now = now
}
