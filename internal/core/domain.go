package core

import (
	"sort"
	"strings"
	"time"
)

const (
	Income  Kind = "income"
	Expense Kind = "expense"
)

const (
	Once     Recurrence = "once"
	Monthly  Recurrence = "monthly"
	BiWeekly Recurrence = "bi-weekly"
	// YearEnd repeats every month through December of the start year.
	YearEnd Recurrence = "year-end"
)

// Series states. A standalone record has no state.
const (
	Standalone SeriesState = ""
	Active     SeriesState = "active"
	Closed     SeriesState = "closed"
)

const (
	MaxLabelLength = 200
	MaxTags        = 20
	MaxTagLength   = 40
)

type (
	Kind        string
	Recurrence  string
	SeriesState string

	// Transaction is one ledger line. Recurring series produce one
	// Transaction per occurrence, linked by SeriesID.
	Transaction struct {
		ID               string
		OwnerUserID      string
		AccountID        string
		CreatedByUserID  string
		Kind             Kind
		Label            string
		Icon             string
		Amount           Money
		Date             Date
		Tags             []string
		Recurrence       Recurrence
		SeriesID         string
		SeriesAnchorDate Date
		SeriesEndDate    Date
		// SeriesCursorDate is the last occurrence generated for the series
		// when it is later than Date, as after the newest occurrence was
		// deleted and an older one promoted back to head.
		SeriesCursorDate Date
		State            SeriesState
		CreatedAt        time.Time
		UpdatedAt        time.Time
	}
)

func (k Kind) IsValid() bool {
	return k == Income || k == Expense
}

func (r Recurrence) IsValid() bool {
	switch r {
	case Once, Monthly, BiWeekly, YearEnd:
		return true
	}
	return false
}

// IsLazy reports whether the recurrence is materialized on read.
func (r Recurrence) IsLazy() bool {
	return r == Monthly || r == BiWeekly
}

// AllowedFor reports whether kind may use recurrence r. Income uses the lazy
// chained model, expenses the eager year-end batch.
func (r Recurrence) AllowedFor(k Kind) bool {
	switch k {
	case Income:
		return r == Once || r == Monthly || r == BiWeekly
	case Expense:
		return r == Once || r == YearEnd
	}
	return false
}

// IsHead reports whether t is the current head of a lazy series.
func (t Transaction) IsHead() bool {
	return t.State == Active
}

// InSeries reports whether t belongs to a recurring series.
func (t Transaction) InSeries() bool {
	return t.SeriesID != ""
}

// Cursor is the date the next occurrence of a head is computed from.
func (t Transaction) Cursor() Date {
	if t.SeriesCursorDate.After(t.Date) {
		return t.SeriesCursorDate
	}
	return t.Date
}

// Demote freezes a head into a historical entry.
func (t *Transaction) Demote() {
	t.State = Closed
	t.Recurrence = Once
	t.SeriesCursorDate = Date{}
}

// Promote turns a closed entry back into the head of its series. The series
// continues after cursor, the last occurrence it already generated.
func (t *Transaction) Promote(r Recurrence, end, cursor Date) {
	t.State = Active
	t.Recurrence = r
	t.SeriesEndDate = end
	t.SeriesCursorDate = Date{}
	if cursor.After(t.Date) {
		t.SeriesCursorDate = cursor
	}
}

// Clone returns a copy that shares no slices with t.
func (t Transaction) Clone() Transaction {
	c := t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	return c
}

// HasTag reports whether tag (case-insensitive) is among t's tags.
func (t Transaction) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, v := range t.Tags {
		if strings.ToLower(v) == tag {
			return true
		}
	}
	return false
}

// NormalizeTags trims, drops empties, removes case-insensitive duplicates and
// sorts the result so tag sets compare equal regardless of input order.
func NormalizeTags(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SplitTags parses a comma separated tag list ("rent, home").
func SplitTags(s string) []string {
	return NormalizeTags(strings.Split(s, ","))
}

func validateTags(tags []string) error {
	if len(tags) > MaxTags {
		return ErrTooManyTags
	}
	for _, tag := range tags {
		if len(tag) > MaxTagLength {
			return Invalid("tags", ErrTooManyTags)
		}
	}
	return nil
}

// Validate checks the user-editable fields and the series invariants.
func (t Transaction) Validate() error {
	if !t.Kind.IsValid() {
		return Invalid("kind", ErrInvalidKind)
	}
	label := strings.TrimSpace(t.Label)
	if label == "" {
		return Invalid("label", ErrEmptyLabel)
	}
	if len(label) > MaxLabelLength {
		return Invalid("label", ErrLabelTooLong)
	}
	if err := t.Amount.Validate(); err != nil {
		return Invalid("amount", err)
	}
	if err := t.Date.Validate(); err != nil {
		return Invalid("date", err)
	}
	if err := validateTags(t.Tags); err != nil {
		return Invalid("tags", err)
	}
	if !t.Recurrence.IsValid() || !t.Recurrence.AllowedFor(t.Kind) {
		return Invalid("recurrence", ErrInvalidRecurrence)
	}
	if !t.SeriesEndDate.IsEmpty() {
		if t.Recurrence == YearEnd {
			return Invalid("end_date", ErrInvalidEndDate)
		}
		if !t.SeriesAnchorDate.IsEmpty() && t.SeriesEndDate.Before(t.SeriesAnchorDate) {
			return Invalid("end_date", ErrInvalidEndDate)
		}
	}
	if t.State == Active && !t.Recurrence.IsLazy() {
		return Invalid("recurrence", ErrInvalidRecurrence)
	}
	return nil
}
