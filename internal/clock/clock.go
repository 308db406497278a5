// Package clock provides wall time in the fixed operating timezone. Reset,
// stall and accounting comparisons all run on this clock so a process and
// its database agree on what "today" means.
package clock

import (
	"fmt"
	"time"
	// Embedded zone database so containers without tzdata still resolve
	// the operating timezone.
	_ "time/tzdata"
)

// Zoned is the production clock: time.Now converted into one IANA zone
// loaded at startup.
type Zoned struct {
	loc *time.Location
}

// NewZoned loads tz (e.g. "Asia/Shanghai") and returns a clock pinned to it.
func NewZoned(tz string) (*Zoned, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("clock: load timezone %q: %w", tz, err)
	}
	return &Zoned{loc: loc}, nil
}

// Now returns the current wall time in the operating timezone.
func (c *Zoned) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location exposes the operating zone for date parsing at the edges.
func (c *Zoned) Location() *time.Location {
	return c.loc
}
