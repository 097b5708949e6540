package services

import (
	"context"
	"sort"

	"fintrack/internal/core"
)

// Summarize aggregates records of year into a YearSummary. Records from other
// years are ignored.
func Summarize(year int, txs []core.Transaction) core.YearSummary {
	sum := core.YearSummary{Year: year, Months: make([]core.MonthOverview, 12)}
	for i := range sum.Months {
		sum.Months[i].Month = i + 1
	}
	income := map[string]int64{}
	expense := map[string]int64{}

	for _, tx := range txs {
		if tx.Date.Year() != year {
			continue
		}
		m := &sum.Months[tx.Date.Month()-1]
		switch tx.Kind {
		case core.Income:
			m.Income.Cents += tx.Amount.Cents
			income[tx.Label] += tx.Amount.Cents
		case core.Expense:
			m.Expense.Cents += tx.Amount.Cents
			expense[tx.Label] += tx.Amount.Cents
		}
	}
	for i := range sum.Months {
		m := &sum.Months[i]
		m.Balance.Cents = m.Income.Cents - m.Expense.Cents
		sum.Income.Cents += m.Income.Cents
		sum.Expense.Cents += m.Expense.Cents
	}
	sum.Balance.Cents = sum.Income.Cents - sum.Expense.Cents
	sum.IncomeBy = byLabel(income)
	sum.ExpenseBy = byLabel(expense)
	return sum
}

// byLabel sorts totals largest first, then by label.
func byLabel(totals map[string]int64) []core.LabelAmount {
	out := make([]core.LabelAmount, 0, len(totals))
	for label, cents := range totals {
		out = append(out, core.LabelAmount{Label: label, Amount: core.Money{Cents: cents}})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount.Cents != out[j].Amount.Cents {
			return out[i].Amount.Cents > out[j].Amount.Cents
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Summary lists the caller's records for year (catching up recurring series
// first) and aggregates them.
func (s *LedgerService) Summary(ctx context.Context, caller core.Caller, year int) (core.YearSummary, error) {
	if year < 1 || year > 9999 {
		return core.YearSummary{}, core.Invalid("year", core.ErrInvalidRange)
	}
	txs, err := s.List(ctx, caller, ListFilter{
		Start: core.NewDate(year, 1, 1),
		End:   core.NewDate(year, 12, 31),
	})
	if err != nil {
		return core.YearSummary{}, err
	}
	return Summarize(year, txs), nil
}
