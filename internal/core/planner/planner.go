// Package planner assigns collision-free publish times to a batch of items.
//
// Planning is a pure function of its request: the same items, busy
// intervals, parameters and clock produce the same plan.
package planner

import (
	"math"
	"math/rand/v2"
	"time"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/errors"
)

const (
	// DefaultLookAheadDays bounds how far past the start day planning searches.
	DefaultLookAheadDays = 30
	// JitterMinutes bounds the daily start offset in both directions.
	JitterMinutes = 10
	// DayEndHour is the latest hour (exclusive) a slot may start.
	DayEndHour = 23
	// Nudge is how far a rejected candidate moves forward.
	Nudge = 30 * time.Minute
)

// Request is the input to PlanSlots.
type Request struct {
	ItemIDs        []string
	Strategy       domain.Strategy
	MinGap         time.Duration
	StartHour      int
	SpreadDays     int
	StartDayOffset int
	// Accounts are the targets of this batch. Busy intervals of other
	// accounts are ignored.
	Accounts      []string
	Busy          []domain.BusyInterval
	Now           time.Time
	Location      *time.Location
	LookAheadDays int
}

// Plan is the planner's output. Every requested item appears in exactly
// one of Slots or Unassigned.
type Plan struct {
	Slots      []domain.ScheduleSlot
	Unassigned []string
}

// SlotFor returns the slot assigned to itemID.
func (p Plan) SlotFor(itemID string) (domain.ScheduleSlot, bool) {
	for _, s := range p.Slots {
		if s.ItemID == itemID {
			return s, true
		}
	}
	return domain.ScheduleSlot{}, false
}

// Errors reports one PlanningExhaustedError per unassigned item.
func (p Plan) Errors(lookAheadDays int) []*domain.PlanningExhaustedError {
	out := make([]*domain.PlanningExhaustedError, 0, len(p.Unassigned))
	for _, id := range p.Unassigned {
		out = append(out, &domain.PlanningExhaustedError{ItemID: id, LookAheadDays: lookAheadDays})
	}
	return out
}

func (r *Request) normalize() error {
	if r.MinGap <= 0 {
		return errors.NewInvalidRequestError("minimum gap must be positive, got %s", r.MinGap)
	}
	if r.StartHour < 0 || r.StartHour >= DayEndHour {
		return errors.NewInvalidRequestError("start hour must be 0-%d, got %d", DayEndHour-1, r.StartHour)
	}
	if r.StartDayOffset < 0 {
		return errors.NewInvalidRequestError("start day offset must not be negative")
	}
	switch r.Strategy {
	case "":
		r.Strategy = domain.StrategyFill
	case domain.StrategyFill, domain.StrategyAppend:
	default:
		return errors.NewInvalidRequestError("unknown strategy %q", r.Strategy)
	}
	if r.SpreadDays < 1 {
		r.SpreadDays = 1
	}
	if r.LookAheadDays < 1 {
		r.LookAheadDays = DefaultLookAheadDays
	}
	if r.Location == nil {
		r.Location = time.Local
	}
	if r.Now.IsZero() {
		r.Now = time.Now()
	}
	r.Now = r.Now.In(r.Location)
	return nil
}

// PlanSlots assigns a publish time to every item it can place.
func PlanSlots(req Request) (Plan, error) {
	if err := req.normalize(); err != nil {
		return Plan{}, err
	}

	plan := Plan{}
	if len(req.ItemIDs) == 0 {
		return plan, nil
	}

	busy := relevantBusy(req.Busy, req.Accounts)

	var floor time.Time
	if req.Strategy == domain.StrategyAppend && len(busy) > 0 {
		floor = latest(busy).Add(req.MinGap)
	}

	remaining := append([]string(nil), req.ItemIDs...)
	y, m, d := req.Now.Date()

	for offset := req.StartDayOffset; offset < req.StartDayOffset+req.LookAheadDays && len(remaining) > 0; offset++ {
		dayStart := time.Date(y, m, d+offset, 0, 0, 0, 0, req.Location)
		dayEnd := time.Date(y, m, d+offset, DayEndHour, 0, 0, 0, req.Location)

		remainingDays := req.SpreadDays - (offset - req.StartDayOffset)
		if remainingDays < 1 {
			remainingDays = 1
		}
		target := int(math.Ceil(float64(len(remaining)) / float64(remainingDays)))

		candidate := time.Date(y, m, d+offset, req.StartHour, 0, 0, 0, req.Location).
			Add(time.Duration(DailyJitter(dayStart)) * time.Minute)
		// Negative jitter on a midnight start must not reach into the previous day.
		if candidate.Before(dayStart) {
			candidate = dayStart
		}
		if candidate.Before(req.Now) {
			candidate = nextHalfHour(req.Now)
		}
		if candidate.Before(floor) {
			candidate = floor
		}

		placed := 0
		for placed < target && len(remaining) > 0 && candidate.Before(dayEnd) {
			if collides(candidate, busy, req.MinGap) {
				candidate = candidate.Add(Nudge)
				continue
			}
			plan.Slots = append(plan.Slots, domain.ScheduleSlot{ItemID: remaining[0], At: candidate})
			busy = append(busy, candidate)
			remaining = remaining[1:]
			placed++
			candidate = candidate.Add(req.MinGap)
		}
	}

	plan.Unassigned = remaining
	return plan, nil
}

// DailyJitter returns the start-of-day offset in minutes for the calendar
// date of t, in [-JitterMinutes, JitterMinutes]. The same date always
// yields the same value.
func DailyJitter(t time.Time) int {
	y, m, d := t.Date()
	seed := uint64(y*10000 + int(m)*100 + d)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return rng.IntN(2*JitterMinutes+1) - JitterMinutes
}

func relevantBusy(intervals []domain.BusyInterval, accounts []string) []time.Time {
	targeted := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		targeted[a] = true
	}
	var out []time.Time
	for _, b := range intervals {
		if targeted[b.AccountID] {
			out = append(out, b.At)
		}
	}
	return out
}

func latest(ts []time.Time) time.Time {
	var max time.Time
	for _, t := range ts {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// collides reports whether any busy instant is strictly closer than gap.
func collides(candidate time.Time, busy []time.Time, gap time.Duration) bool {
	for _, b := range busy {
		diff := candidate.Sub(b)
		if diff < 0 {
			diff = -diff
		}
		if diff < gap {
			return true
		}
	}
	return false
}

// nextHalfHour rounds up to the next :00 or :30 strictly after t.
func nextHalfHour(t time.Time) time.Time {
	base := t.Truncate(time.Minute)
	return base.Add(time.Duration(30-base.Minute()%30) * time.Minute)
}
