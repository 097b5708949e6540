// Package services provides business logic and orchestration services.
//
// This file implements the Strategy Pattern for recurrence. A recurring
// transaction is expanded either lazily (one head record, successors created
// on read) or eagerly (every occurrence written at creation time). Both
// strategies sit behind RecurrencePolicy and are selected through a registry
// keyed by recurrence type.

package services

import (
	"fmt"

	"fintrack/internal/core"
)

// ExpansionMode tells the ledger service how a policy produces occurrences.
type ExpansionMode int

const (
	// Lazy policies store a single head and extend it at read time.
	Lazy ExpansionMode = iota + 1
	// Eager policies write the complete series at creation.
	Eager
)

func (m ExpansionMode) String() string {
	switch m {
	case Lazy:
		return "lazy"
	case Eager:
		return "eager"
	default:
		return "unknown"
	}
}

// RecurrencePolicy is the strategy interface for recurring transactions.
type RecurrencePolicy interface {
	Mode() ExpansionMode
	// Next returns the occurrence following head. Only lazy policies
	// implement it meaningfully.
	Next(head core.Transaction) core.Date
	// Expand returns every occurrence date for a series starting at start.
	// Lazy policies return only start.
	Expand(start core.Date) []core.Date
}

// IsDue reports whether the occurrence at next should exist by today and is
// still inside the optional series end date.
func IsDue(next, today, end core.Date) bool {
	if today.Before(next) {
		return false
	}
	if !end.IsEmpty() && next.After(end) {
		return false
	}
	return true
}

// anchorDay is the day of month monthly series align to.
func anchorDay(head core.Transaction) int {
	if !head.SeriesAnchorDate.IsEmpty() {
		return head.SeriesAnchorDate.Day()
	}
	return head.Date.Day()
}

// BiWeeklyPolicy steps fourteen days from the head's cursor.
type BiWeeklyPolicy struct{}

func (BiWeeklyPolicy) Mode() ExpansionMode { return Lazy }

func (BiWeeklyPolicy) Next(head core.Transaction) core.Date {
	return head.Cursor().AddDays(14)
}

func (BiWeeklyPolicy) Expand(start core.Date) []core.Date {
	return []core.Date{start}
}

// MonthlyPolicy moves to the same day of the following month, clamped to the
// month's last day. The day comes from the series anchor so a day-31 series
// returns to the 31st after passing through shorter months.
type MonthlyPolicy struct{}

func (MonthlyPolicy) Mode() ExpansionMode { return Lazy }

func (MonthlyPolicy) Next(head core.Transaction) core.Date {
	return head.Cursor().AddMonthsClamped(1, anchorDay(head))
}

func (MonthlyPolicy) Expand(start core.Date) []core.Date {
	return []core.Date{start}
}

// YearEndPolicy writes one occurrence per month from the start month through
// December of the start year.
type YearEndPolicy struct{}

func (YearEndPolicy) Mode() ExpansionMode { return Eager }

func (YearEndPolicy) Next(head core.Transaction) core.Date {
	return head.Date
}

func (YearEndPolicy) Expand(start core.Date) []core.Date {
	out := make([]core.Date, 0, 13-start.Month())
	for m := start.Month(); m <= 12; m++ {
		out = append(out, core.InMonth(start.Year(), m, start.Day()))
	}
	return out
}

// recurrencePolicies maps recurrence types to their strategies.
var recurrencePolicies = map[core.Recurrence]RecurrencePolicy{
	core.Monthly:  MonthlyPolicy{},
	core.BiWeekly: BiWeeklyPolicy{},
	core.YearEnd:  YearEndPolicy{},
}

// GetRecurrencePolicy returns the strategy for a recurrence type.
func GetRecurrencePolicy(r core.Recurrence) (RecurrencePolicy, error) {
	p, ok := recurrencePolicies[r]
	if !ok {
		return nil, fmt.Errorf("%w: no policy for %q", core.ErrInvalidRecurrence, r)
	}
	return p, nil
}
