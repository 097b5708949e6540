package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"fintrack/internal/amqp"
	"fintrack/internal/core"
	"fintrack/internal/log"
)

// DefaultMaxOccurrencesPerRun bounds a single catch-up.
const DefaultMaxOccurrencesPerRun = 1000

// errHeadMoved reports that the head was advanced or removed by someone else
// between listing and advancing it.
var errHeadMoved = errors.New("series head moved")

// CatchUpResult summarizes one materializer run.
type CatchUpResult struct {
	Created    []core.Transaction
	Reconciled int
}

// Materializer extends lazy recurring series up to "today". It runs on demand
// before listings; there is no background schedule.
type Materializer struct {
	store   LedgerStore
	logger  *log.Logger
	now     func() time.Time
	newID   func() string
	maxRuns int
	group   singleflight.Group
	// notify receives every record a run creates or changes. It is called
	// once per record, from the run itself.
	notify func(ctx context.Context, eventType string, tx core.Transaction)
}

// NewMaterializer creates a materializer writing through store.
func NewMaterializer(store LedgerStore, logger *log.Logger) *Materializer {
	if logger == nil {
		logger = log.Discard()
	}
	return &Materializer{
		store:   store,
		logger:  logger.WithComponent(log.ComponentMaterializer),
		now:     time.Now,
		newID:   uuid.NewString,
		maxRuns: DefaultMaxOccurrencesPerRun,
	}
}

// CatchUp materializes every due occurrence for heads inside scope. Concurrent
// calls for the same scope and day share one run; the run outlives the
// cancellation of whichever caller started it.
func (m *Materializer) CatchUp(ctx context.Context, scope Scope, today core.Date) (CatchUpResult, error) {
	if scope.IsEmpty() {
		return CatchUpResult{}, nil
	}
	key := scope.Key() + "|" + today.String()
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.catchUp(shared, scope, today)
	})
	if err != nil {
		return CatchUpResult{}, err
	}
	return v.(CatchUpResult), nil
}

func (m *Materializer) catchUp(ctx context.Context, scope Scope, today core.Date) (CatchUpResult, error) {
	var result CatchUpResult

	heads, err := m.store.ListHeads(ctx, scope)
	if err != nil {
		return result, fmt.Errorf("list heads: %w", err)
	}

	heads, reconciled, err := m.reconcile(ctx, heads)
	if err != nil {
		return result, err
	}
	result.Reconciled = reconciled

	var errs []error
	for _, head := range heads {
		created, err := m.advance(ctx, head, today)
		result.Created = append(result.Created, created...)
		switch {
		case err == nil:
		case errors.Is(err, errHeadMoved):
			m.logger.DebugContext(ctx, "Series head moved during catch-up, skipping",
				log.FieldSeriesID, head.SeriesID,
				log.FieldError, err)
		case errors.Is(err, core.ErrInconsistentSeries):
			// healed by reconcile on the next run
			m.logger.WarnContext(ctx, "Previous head not demoted, series has two heads until the next run",
				log.FieldSeriesID, head.SeriesID,
				log.FieldError, err)
		default:
			m.logger.ErrorContext(ctx, "Failed to advance recurring series",
				log.FieldSeriesID, head.SeriesID,
				log.FieldError, err)
			errs = append(errs, err)
		}
	}

	if len(result.Created) > 0 || result.Reconciled > 0 {
		m.logger.InfoContext(ctx, "Recurring series caught up",
			log.FieldAccountID, scope.AccountID,
			"created", len(result.Created),
			"reconciled", result.Reconciled,
			"today", today.String())
	}
	return result, errors.Join(errs...)
}

// advance walks one series forward until nothing more is due.
func (m *Materializer) advance(ctx context.Context, head core.Transaction, today core.Date) ([]core.Transaction, error) {
	if !head.Recurrence.IsLazy() {
		return nil, nil
	}
	policy, err := GetRecurrencePolicy(head.Recurrence)
	if err != nil {
		return nil, err
	}

	var created []core.Transaction
	for i := 0; i < m.maxRuns; i++ {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		next := policy.Next(head)
		if !IsDue(next, today, head.SeriesEndDate) {
			return created, nil
		}

		successor := m.successor(head, next)
		if err := m.writeAdvance(ctx, head, successor); err != nil {
			return created, err
		}
		created = append(created, successor)
		m.emit(ctx, amqp.EventTransactionMaterialized, successor)

		m.logger.DebugContext(ctx, "Materialized recurring occurrence",
			log.FieldSeriesID, head.SeriesID,
			log.FieldTransactionID, successor.ID,
			log.FieldRecurrence, string(head.Recurrence),
			log.FieldDate, next.String())
		head = successor
	}

	m.logger.WarnContext(ctx, "Recurring series hit per-run occurrence limit",
		log.FieldSeriesID, head.SeriesID,
		"limit", m.maxRuns)
	return created, nil
}

func (m *Materializer) successor(head core.Transaction, next core.Date) core.Transaction {
	now := m.now().UTC()
	s := head.Clone()
	s.ID = m.newID()
	s.Date = next
	s.SeriesCursorDate = core.Date{}
	s.State = core.Active
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.SeriesID == "" {
		s.SeriesID = head.ID
	}
	if s.SeriesAnchorDate.IsEmpty() {
		s.SeriesAnchorDate = head.Date
	}
	return s
}

// writeAdvance creates the successor then demotes the old head. Without a
// SeriesAdvancer the two writes are separate; a failed demotion leaves two
// heads, which reconcile repairs on the next run.
func (m *Materializer) writeAdvance(ctx context.Context, oldHead, newHead core.Transaction) error {
	demoted := oldHead.Clone()
	demoted.Demote()
	demoted.UpdatedAt = newHead.CreatedAt
	if demoted.SeriesID == "" {
		demoted.SeriesID = newHead.SeriesID
	}

	if adv, ok := m.store.(SeriesAdvancer); ok {
		err := adv.AdvanceSeries(ctx, demoted, newHead)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, core.ErrInconsistentSeries), errors.Is(err, core.ErrNotFound):
			return fmt.Errorf("%w: advance series %s: %v", errHeadMoved, oldHead.SeriesID, err)
		default:
			return fmt.Errorf("advance series %s: %w", oldHead.SeriesID, err)
		}
	}

	if err := m.store.InsertTransactions(ctx, []core.Transaction{newHead}); err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}
	if err := m.store.UpdateTransaction(ctx, demoted); err != nil {
		m.logger.ErrorContext(ctx, "Failed to demote previous head",
			log.FieldSeriesID, newHead.SeriesID,
			log.FieldTransactionID, oldHead.ID,
			log.FieldError, err)
		return fmt.Errorf("%w: demote head %s: %v", core.ErrInconsistentSeries, oldHead.ID, err)
	}
	return nil
}

// reconcile keeps the newest head of every series and demotes the others.
func (m *Materializer) reconcile(ctx context.Context, heads []core.Transaction) ([]core.Transaction, int, error) {
	bySeries := make(map[string][]core.Transaction)
	var order []string
	for _, h := range heads {
		key := h.SeriesID
		if key == "" {
			key = h.ID
		}
		if _, ok := bySeries[key]; !ok {
			order = append(order, key)
		}
		bySeries[key] = append(bySeries[key], h)
	}

	out := make([]core.Transaction, 0, len(order))
	demotedCount := 0
	for _, key := range order {
		group := bySeries[key]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}

		sort.Slice(group, func(i, j int) bool { return newerHead(group[i], group[j]) })
		keep := group[0]
		m.logger.WarnContext(ctx, "Series has multiple heads, keeping newest",
			log.FieldSeriesID, key,
			log.FieldTransactionID, keep.ID,
			"heads", len(group),
			log.FieldError, core.ErrInconsistentSeries.Error())

		for _, stale := range group[1:] {
			stale.Demote()
			stale.UpdatedAt = m.now().UTC()
			if err := m.store.UpdateTransaction(ctx, stale); err != nil {
				if errors.Is(err, core.ErrNotFound) {
					continue
				}
				return nil, demotedCount, fmt.Errorf("reconcile series %s: %w", key, err)
			}
			demotedCount++
			m.emit(ctx, amqp.EventTransactionUpdated, stale)
		}
		out = append(out, keep)
	}
	return out, demotedCount, nil
}

func (m *Materializer) emit(ctx context.Context, eventType string, tx core.Transaction) {
	if m.notify != nil {
		m.notify(ctx, eventType, tx)
	}
}

// newerHead orders heads newest first: by date, then creation time, then ID.
func newerHead(a, b core.Transaction) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
