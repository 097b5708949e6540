package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"fintrack/internal/amqp"
	"fintrack/internal/core"
	"fintrack/internal/log"
)

// EventPublisher receives ledger change notifications. *amqp.Client
// implements it.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, msg *amqp.LedgerEventMessage) error
}

// NewTransaction is the user input for Create. Dates are accepted in the
// loose forms ParseDate understands.
type NewTransaction struct {
	Kind       core.Kind       `json:"kind"`
	Label      string          `json:"label"`
	Icon       string          `json:"icon,omitempty"`
	Amount     core.Money      `json:"amount"`
	Date       string          `json:"date"`
	Tags       []string        `json:"tags,omitempty"`
	Recurrence core.Recurrence `json:"recurrence,omitempty"`
	EndDate    string          `json:"end_date,omitempty"`
}

// Patch lists the fields Update may change. Nil means "leave as is"; an
// empty EndDate clears the series end.
type Patch struct {
	Label      *string          `json:"label,omitempty"`
	Icon       *string          `json:"icon,omitempty"`
	Amount     *core.Money      `json:"amount,omitempty"`
	Date       *string          `json:"date,omitempty"`
	Tags       *[]string        `json:"tags,omitempty"`
	Recurrence *core.Recurrence `json:"recurrence,omitempty"`
	EndDate    *string          `json:"end_date,omitempty"`
}

// Named list windows ending at the caller's today.
const (
	Range4Weeks   = "4w"
	Range3Months  = "3m"
	Range6Months  = "6m"
	Range12Months = "12m"
)

// ListFilter narrows List. Range and Start/End are exclusive.
type ListFilter struct {
	Kind      core.Kind
	CreatedBy string
	Tag       string
	Start     core.Date
	End       core.Date
	Range     string
}

// LedgerOption configures a LedgerService.
type LedgerOption func(*LedgerService)

// WithPublisher sets the event sink. Without one events are dropped.
func WithPublisher(p EventPublisher) LedgerOption {
	return func(s *LedgerService) { s.publisher = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(s *LedgerService) { s.now = now }
}

// WithIDGenerator overrides the UUID generator, for tests.
func WithIDGenerator(newID func() string) LedgerOption {
	return func(s *LedgerService) { s.newID = newID }
}

// WithPromoteOnHeadDelete controls whether deleting a series head hands the
// head role to the newest remaining occurrence.
func WithPromoteOnHeadDelete(enabled bool) LedgerOption {
	return func(s *LedgerService) { s.promoteOnHeadDelete = enabled }
}

// WithMaxOccurrencesPerRun bounds a single catch-up.
func WithMaxOccurrencesPerRun(n int) LedgerOption {
	return func(s *LedgerService) {
		if n > 0 {
			s.materializer.maxRuns = n
		}
	}
}

// LedgerService is the entry point for every ledger read and mutation. It
// applies the access policy, runs recurring catch-up before listings and
// publishes change events.
type LedgerService struct {
	store               LedgerStore
	materializer        *Materializer
	publisher           EventPublisher
	logger              *log.Logger
	now                 func() time.Time
	newID               func() string
	promoteOnHeadDelete bool
}

// NewLedgerService creates a service writing through store.
func NewLedgerService(store LedgerStore, logger *log.Logger, opts ...LedgerOption) *LedgerService {
	if logger == nil {
		logger = log.Discard()
	}
	s := &LedgerService{
		store:               store,
		materializer:        NewMaterializer(store, logger),
		logger:              logger.WithComponent(log.ComponentLedger),
		now:                 time.Now,
		newID:               uuid.NewString,
		promoteOnHeadDelete: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.materializer.now = s.now
	s.materializer.newID = s.newID
	s.materializer.notify = func(ctx context.Context, eventType string, tx core.Transaction) {
		s.publish(ctx, eventType, tx, "")
	}
	return s
}

// Create validates input and stores the resulting records: one standalone
// record, one lazy series head, or the whole eager batch.
func (s *LedgerService) Create(ctx context.Context, caller core.Caller, in NewTransaction) ([]core.Transaction, error) {
	if caller.UserID == "" {
		return nil, core.ErrForbidden
	}

	date, err := core.ParseDate(in.Date)
	if err != nil {
		return nil, core.Invalid("date", err)
	}
	end, err := parseOptionalDate(in.EndDate)
	if err != nil {
		return nil, core.Invalid("end_date", err)
	}
	recurrence := in.Recurrence
	if recurrence == "" {
		recurrence = core.Once
	}
	if !end.IsEmpty() && !recurrence.IsLazy() {
		return nil, core.Invalid("end_date", core.ErrInvalidEndDate)
	}

	now := s.now().UTC()
	base := core.Transaction{
		ID:              s.newID(),
		OwnerUserID:     caller.UserID,
		AccountID:       caller.ActiveAccountID(),
		CreatedByUserID: caller.UserID,
		Kind:            in.Kind,
		Label:           strings.TrimSpace(in.Label),
		Icon:            strings.TrimSpace(in.Icon),
		Amount:          in.Amount,
		Date:            date,
		Tags:            core.NormalizeTags(in.Tags),
		Recurrence:      recurrence,
		SeriesEndDate:   end,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if recurrence.IsLazy() {
		base.SeriesID = base.ID
		base.SeriesAnchorDate = date
		base.State = core.Active
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}

	records := []core.Transaction{base}
	policy, err := GetRecurrencePolicy(recurrence)
	if err == nil && policy.Mode() == Eager {
		records = s.expand(base, policy)
	}

	if err := s.store.InsertTransactions(ctx, records); err != nil {
		return nil, fmt.Errorf("insert transactions: %w", err)
	}

	s.logger.InfoContext(ctx, "Transaction created",
		log.NewFields().
			WithCaller(caller.UserID, caller.ActiveAccountID()).
			WithTransaction(base.ID, base.SeriesID, string(base.Kind), base.Amount.Cents, base.Date.String()).
			WithOperation(log.OpCreate).
			ToSlice()...)
	s.logger.DebugContext(ctx, "Created records", log.FieldCount, len(records), log.FieldRecurrence, string(recurrence))

	for _, tx := range records {
		s.publish(ctx, amqp.EventTransactionCreated, tx, caller.UserID)
	}
	return records, nil
}

// expand builds the eager batch. Every record shares the first record's ID
// as SeriesID and stands alone afterwards.
func (s *LedgerService) expand(base core.Transaction, policy RecurrencePolicy) []core.Transaction {
	dates := policy.Expand(base.Date)
	records := make([]core.Transaction, 0, len(dates))
	for i, d := range dates {
		tx := base.Clone()
		if i > 0 {
			tx.ID = s.newID()
		}
		tx.Date = d
		tx.SeriesID = base.ID
		tx.SeriesAnchorDate = base.Date
		records = append(records, tx)
	}
	return records
}

// List catches up the caller's recurring series and returns the visible
// records matching f, newest first.
func (s *LedgerService) List(ctx context.Context, caller core.Caller, f ListFilter) ([]core.Transaction, error) {
	if caller.UserID == "" {
		return nil, core.ErrForbidden
	}
	today := caller.Today(s.now())
	query, err := f.resolve(today)
	if err != nil {
		return nil, err
	}

	scope := ScopeFor(caller)
	if _, err := s.materializer.CatchUp(ctx, scope, today); err != nil {
		if !errors.Is(err, core.ErrInconsistentSeries) {
			return nil, fmt.Errorf("catch up recurring series: %w", err)
		}
		s.logger.WarnContext(ctx, "Recurring catch-up left an inconsistent series",
			log.FieldAccountID, scope.AccountID,
			log.FieldError, err)
	}

	records, err := s.store.ListTransactions(ctx, scope, query)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	out := records[:0]
	for _, tx := range records {
		if Visible(caller, tx) {
			out = append(out, tx)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

// resolve turns the filter into a store query, expanding Range against today.
func (f ListFilter) resolve(today core.Date) (QueryFilter, error) {
	q := QueryFilter{
		Kind:      f.Kind,
		CreatedBy: f.CreatedBy,
		Tag:       strings.TrimSpace(f.Tag),
		Start:     f.Start,
		End:       f.End,
	}
	if f.Kind != "" && !f.Kind.IsValid() {
		return q, core.Invalid("kind", core.ErrInvalidKind)
	}
	if f.Range != "" {
		if !f.Start.IsEmpty() || !f.End.IsEmpty() {
			return q, core.Invalid("range", core.ErrInvalidRange)
		}
		start, err := rangeStart(f.Range, today)
		if err != nil {
			return q, err
		}
		q.Start, q.End = start, today
	}
	if !q.Start.IsEmpty() && !q.End.IsEmpty() && q.End.Before(q.Start) {
		return q, core.Invalid("end", core.ErrInvalidRange)
	}
	return q, nil
}

func rangeStart(r string, today core.Date) (core.Date, error) {
	switch r {
	case Range4Weeks:
		return today.AddDays(-28), nil
	case Range3Months:
		return today.AddMonthsClamped(-3, today.Day()), nil
	case Range6Months:
		return today.AddMonthsClamped(-6, today.Day()), nil
	case Range12Months:
		return today.AddMonthsClamped(-12, today.Day()), nil
	}
	return core.Date{}, core.Invalid("range", core.ErrInvalidRange)
}

// SortNewestFirst orders by date descending, then creation time descending.
func SortNewestFirst(txs []core.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.After(txs[j].Date)
		}
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

// Get returns one record if the caller can see it.
func (s *LedgerService) Get(ctx context.Context, caller core.Caller, id string) (core.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if !Visible(caller, tx) {
		return core.Transaction{}, core.ErrForbidden
	}
	return tx, nil
}

// Update applies p to the record id after the access check.
func (s *LedgerService) Update(ctx context.Context, caller core.Caller, id string, p Patch) (core.Transaction, error) {
	current, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if err := Authorize(caller, current); err != nil {
		s.logger.WarnContext(ctx, "Update denied",
			log.FieldUserID, caller.UserID,
			log.FieldTransactionID, id,
			log.FieldError, err)
		return core.Transaction{}, err
	}

	updated, err := applyPatch(current, p)
	if err != nil {
		return core.Transaction{}, err
	}
	if err := updated.Validate(); err != nil {
		return core.Transaction{}, err
	}
	updated.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateTransaction(ctx, updated); err != nil {
		return core.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}

	s.logger.InfoContext(ctx, "Transaction updated",
		log.NewFields().
			WithCaller(caller.UserID, caller.ActiveAccountID()).
			WithTransaction(updated.ID, updated.SeriesID, string(updated.Kind), updated.Amount.Cents, updated.Date.String()).
			WithOperation(log.OpUpdate).
			ToSlice()...)
	s.publish(ctx, amqp.EventTransactionUpdated, updated, caller.UserID)
	return updated, nil
}

// applyPatch returns current with p applied. Identity and ownership fields
// are never touched.
func applyPatch(current core.Transaction, p Patch) (core.Transaction, error) {
	tx := current.Clone()
	if p.Label != nil {
		tx.Label = strings.TrimSpace(*p.Label)
	}
	if p.Icon != nil {
		tx.Icon = strings.TrimSpace(*p.Icon)
	}
	if p.Amount != nil {
		tx.Amount = *p.Amount
	}
	if p.Date != nil {
		d, err := core.ParseDate(*p.Date)
		if err != nil {
			return tx, core.Invalid("date", err)
		}
		tx.Date = d
	}
	if p.Tags != nil {
		tx.Tags = core.NormalizeTags(*p.Tags)
	}

	if p.Recurrence == nil && p.EndDate == nil {
		return tx, nil
	}
	if tx.State == core.Closed || tx.Recurrence == core.YearEnd {
		return tx, core.Invalid("recurrence", core.ErrFrozenEntry)
	}

	if p.EndDate != nil {
		end, err := parseOptionalDate(*p.EndDate)
		if err != nil {
			return tx, core.Invalid("end_date", err)
		}
		tx.SeriesEndDate = end
	}
	if p.Recurrence != nil {
		if err := changeRecurrence(&tx, *p.Recurrence); err != nil {
			return tx, err
		}
	}
	if !tx.SeriesEndDate.IsEmpty() && tx.State != core.Active {
		return tx, core.Invalid("end_date", core.ErrInvalidEndDate)
	}
	return tx, nil
}

// changeRecurrence moves tx through the series state machine: a standalone
// record switched to a lazy recurrence starts a new series, a head switched
// to once closes its series.
func changeRecurrence(tx *core.Transaction, r core.Recurrence) error {
	switch {
	case r == tx.Recurrence:
		return nil
	case r == core.YearEnd:
		// eager batches only exist from creation
		return core.Invalid("recurrence", core.ErrInvalidRecurrence)
	case tx.State == core.Standalone && r.IsLazy():
		if tx.SeriesID == "" {
			tx.SeriesID = tx.ID
		}
		tx.SeriesAnchorDate = tx.Date
		tx.Promote(r, tx.SeriesEndDate, core.Date{})
	case tx.State == core.Active && r == core.Once:
		tx.Demote()
		tx.SeriesEndDate = core.Date{}
	case tx.State == core.Active && r.IsLazy():
		tx.Recurrence = r
	default:
		return core.Invalid("recurrence", core.ErrInvalidRecurrence)
	}
	return nil
}

// Delete removes exactly one record. Deleting a head optionally promotes the
// newest remaining occurrence of its series.
func (s *LedgerService) Delete(ctx context.Context, caller core.Caller, id string) error {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if err := Authorize(caller, tx); err != nil {
		s.logger.WarnContext(ctx, "Delete denied",
			log.FieldUserID, caller.UserID,
			log.FieldTransactionID, id,
			log.FieldError, err)
		return err
	}

	if err := s.store.DeleteTransaction(ctx, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	s.logger.InfoContext(ctx, "Transaction deleted",
		log.NewFields().
			WithCaller(caller.UserID, caller.ActiveAccountID()).
			WithTransaction(tx.ID, tx.SeriesID, string(tx.Kind), tx.Amount.Cents, tx.Date.String()).
			WithOperation(log.OpDelete).
			ToSlice()...)
	s.publish(ctx, amqp.EventTransactionDeleted, tx, caller.UserID)

	if tx.IsHead() && tx.SeriesID != "" && s.promoteOnHeadDelete {
		if err := s.promotePredecessor(ctx, tx, caller.UserID); err != nil {
			// the delete itself succeeded; the series simply stops
			s.logger.ErrorContext(ctx, "Failed to promote series predecessor",
				log.FieldSeriesID, tx.SeriesID,
				log.FieldError, err)
		}
	}
	return nil
}

func (s *LedgerService) promotePredecessor(ctx context.Context, deleted core.Transaction, actor string) error {
	series, err := s.store.ListSeries(ctx, deleted.SeriesID)
	if err != nil {
		return fmt.Errorf("list series: %w", err)
	}

	var candidate *core.Transaction
	for i := range series {
		tx := series[i]
		if tx.ID == deleted.ID {
			continue
		}
		if tx.IsHead() {
			// another head survives; reconcile owns this case
			return nil
		}
		if candidate == nil || newerHead(tx, *candidate) {
			candidate = &series[i]
		}
	}
	if candidate == nil {
		return nil
	}

	promoted := candidate.Clone()
	promoted.Promote(deleted.Recurrence, deleted.SeriesEndDate, deleted.Cursor())
	promoted.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTransaction(ctx, promoted); err != nil {
		return fmt.Errorf("promote %s: %w", promoted.ID, err)
	}

	s.logger.InfoContext(ctx, "Promoted series predecessor to head",
		log.FieldSeriesID, promoted.SeriesID,
		log.FieldTransactionID, promoted.ID,
		log.FieldDate, promoted.Date.String())
	s.publish(ctx, amqp.EventTransactionUpdated, promoted, actor)
	return nil
}

func (s *LedgerService) publish(ctx context.Context, eventType string, tx core.Transaction, actor string) {
	if s.publisher == nil {
		return
	}
	msg := amqp.NewLedgerEventMessage(eventType, tx, actor)
	if err := s.publisher.PublishLedgerEvent(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish ledger event",
			"event", eventType,
			log.FieldTransactionID, tx.ID,
			log.FieldOperation, log.OpPublish,
			log.FieldError, err)
	}
}

func parseOptionalDate(s string) (core.Date, error) {
	if strings.TrimSpace(s) == "" {
		return core.Date{}, nil
	}
	return core.ParseDate(s)
}
