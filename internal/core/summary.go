package core

// LabelAmount is a total aggregated by label.
type LabelAmount struct {
	Label  string `json:"label"`
	Amount Money  `json:"amount"`
}

// MonthOverview totals one calendar month.
type MonthOverview struct {
	Month   int   `json:"month"` // 1-12
	Income  Money `json:"income"`
	Expense Money `json:"expense"`
	Balance Money `json:"balance"`
}

// YearSummary totals a calendar year, month by month and per label.
type YearSummary struct {
	Year      int             `json:"year"`
	Income    Money           `json:"income"`
	Expense   Money           `json:"expense"`
	Balance   Money           `json:"balance"`
	Months    []MonthOverview `json:"months"`
	IncomeBy  []LabelAmount   `json:"income_by_label"`
	ExpenseBy []LabelAmount   `json:"expense_by_label"`
}
