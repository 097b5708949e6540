package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/amqp"
	"fintrack/internal/core"
	"fintrack/internal/services"
	"fintrack/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(date string) *clock {
	d := core.MustParseDate(date)
	return &clock{now: d.Add(9 * time.Hour)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// advance a little per call so CreatedAt values are distinct
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Set(date string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = core.MustParseDate(date).Add(9 * time.Hour)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*amqp.LedgerEventMessage
	err    error
}

func (p *recordingPublisher) PublishLedgerEvent(_ context.Context, msg *amqp.LedgerEventMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

var (
	family = &core.Account{ID: "family", Type: core.SharedAccount, OwnerUserID: "alice"}
	work   = &core.Account{ID: "work", Type: core.SharedAccount, OwnerUserID: "dave"}

	alice       = core.Caller{UserID: "alice", ActiveAccount: family}
	bob         = core.Caller{UserID: "bob", ActiveAccount: family}
	carol       = core.Caller{UserID: "carol", ActiveAccount: family}
	dave        = core.Caller{UserID: "dave", ActiveAccount: work}
	aliceLegacy = core.Caller{UserID: "alice"}
)

type fixture struct {
	store *memory.Store
	clock *clock
	pub   *recordingPublisher
	svc   *services.LedgerService
}

func newFixture(t *testing.T, today string, opts ...services.LedgerOption) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: newClock(today), pub: &recordingPublisher{}}
	opts = append([]services.LedgerOption{
		services.WithClock(f.clock.Now),
		services.WithPublisher(f.pub),
	}, opts...)
	f.svc = services.NewLedgerService(f.store, nil, opts...)
	return f
}

func (f *fixture) heads(t *testing.T, seriesID string) []core.Transaction {
	t.Helper()
	series, err := f.store.ListSeries(context.Background(), seriesID)
	require.NoError(t, err)
	var out []core.Transaction
	for _, tx := range series {
		if tx.IsHead() {
			out = append(out, tx)
		}
	}
	return out
}

func dates(txs []core.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.Date.String()
	}
	return out
}

func income(label, date string, r core.Recurrence) services.NewTransaction {
	return services.NewTransaction{
		Kind:       core.Income,
		Label:      label,
		Amount:     core.Money{Cents: 100000},
		Date:       date,
		Recurrence: r,
	}
}

func TestCreateAndListRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-10")

	created, err := f.svc.Create(ctx, alice, services.NewTransaction{
		Kind:   core.Expense,
		Label:  "  Groceries ",
		Amount: core.Money{Cents: 4599},
		Date:   "2024-03-09T00:00:00.000Z",
		Tags:   []string{"food", " Food", "", "weekly"},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	tx := created[0]
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "Groceries", tx.Label)
	assert.Equal(t, "2024-03-09", tx.Date.String())
	assert.Equal(t, []string{"food", "weekly"}, tx.Tags)
	assert.Equal(t, core.Once, tx.Recurrence)
	assert.Equal(t, core.Standalone, tx.State)
	assert.Equal(t, "family", tx.AccountID)
	assert.Equal(t, "alice", tx.OwnerUserID)
	assert.Equal(t, "alice", tx.CreatedByUserID)

	listed, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, tx, listed[0])

	got, err := f.svc.Get(ctx, bob, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	assert.Equal(t, []string{amqp.EventTransactionCreated}, f.pub.types())
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-10")

	tests := []struct {
		name string
		in   services.NewTransaction
	}{
		{"zero amount", services.NewTransaction{Kind: core.Income, Label: "x", Date: "2024-01-01"}},
		{"negative amount", services.NewTransaction{Kind: core.Income, Label: "x", Amount: core.Money{Cents: -5}, Date: "2024-01-01"}},
		{"blank label", services.NewTransaction{Kind: core.Income, Label: "   ", Amount: core.Money{Cents: 1}, Date: "2024-01-01"}},
		{"bad date", services.NewTransaction{Kind: core.Income, Label: "x", Amount: core.Money{Cents: 1}, Date: "2023-02-30"}},
		{"unknown kind", services.NewTransaction{Kind: "gift", Label: "x", Amount: core.Money{Cents: 1}, Date: "2024-01-01"}},
		{"expense monthly", services.NewTransaction{Kind: core.Expense, Label: "x", Amount: core.Money{Cents: 1}, Date: "2024-01-01", Recurrence: core.Monthly}},
		{"income year-end", services.NewTransaction{Kind: core.Income, Label: "x", Amount: core.Money{Cents: 1}, Date: "2024-01-01", Recurrence: core.YearEnd}},
		{"end before start", services.NewTransaction{Kind: core.Income, Label: "x", Amount: core.Money{Cents: 1}, Date: "2024-05-01", Recurrence: core.Monthly, EndDate: "2024-04-30"}},
		{"end on once", services.NewTransaction{Kind: core.Income, Label: "x", Amount: core.Money{Cents: 1}, Date: "2024-05-01", EndDate: "2024-06-30"}},
		{"end on year-end", services.NewTransaction{Kind: core.Expense, Label: "x", Amount: core.Money{Cents: 1}, Date: "2024-05-01", Recurrence: core.YearEnd, EndDate: "2024-06-30"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, alice, tt.in)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err), "want validation error, got %v", err)
		})
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestListIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-04-20")

	_, err := f.svc.Create(ctx, alice, income("Salary", "2024-01-05", core.Monthly))
	require.NoError(t, err)

	first, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	second, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"2024-04-05", "2024-03-05", "2024-02-05", "2024-01-05"}, dates(second))
}

func TestMonthlyDay31Clamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-05-15")

	_, err := f.svc.Create(ctx, alice, income("Rent in", "2024-01-31", core.Monthly))
	require.NoError(t, err)

	got, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04-30", "2024-03-31", "2024-02-29", "2024-01-31"}, dates(got))
}

func TestBiWeeklyRunsKeepSingleHead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-01-01")

	created, err := f.svc.Create(ctx, alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)
	seriesID := created[0].SeriesID
	require.Equal(t, created[0].ID, seriesID)

	today := core.MustParseDate("2024-01-01")
	for run := 1; run <= 5; run++ {
		today = today.AddDays(14)
		f.clock.Set(today.String())

		got, err := f.svc.List(ctx, alice, services.ListFilter{})
		require.NoError(t, err)
		assert.Len(t, got, run+1, "run %d", run)

		heads := f.heads(t, seriesID)
		require.Len(t, heads, 1, "run %d", run)
		assert.Equal(t, today.String(), heads[0].Date.String())
		assert.Equal(t, core.BiWeekly, heads[0].Recurrence)

		for _, tx := range got {
			if tx.ID != heads[0].ID {
				assert.Equal(t, core.Closed, tx.State)
				assert.Equal(t, core.Once, tx.Recurrence)
			}
		}
	}
}

func TestBiWeeklyEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-02-15")

	_, err := f.svc.Create(ctx, alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)

	got, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-02-12", "2024-01-29", "2024-01-15", "2024-01-01"}, dates(got))

	materialized := 0
	for _, typ := range f.pub.types() {
		if typ == amqp.EventTransactionMaterialized {
			materialized++
		}
	}
	assert.Equal(t, 3, materialized)
}

func TestSeriesEndDateStopsGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-12-01")

	in := income("Contract", "2024-01-10", core.Monthly)
	in.EndDate = "2024-03-10"
	_, err := f.svc.Create(ctx, alice, in)
	require.NoError(t, err)

	got, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-10", "2024-02-10", "2024-01-10"}, dates(got))
}

func TestEagerExpenseIsNeverExtended(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-06-15")

	created, err := f.svc.Create(ctx, alice, services.NewTransaction{
		Kind:       core.Expense,
		Label:      "Gym",
		Amount:     core.Money{Cents: 3500},
		Date:       "2024-06-15",
		Recurrence: core.YearEnd,
	})
	require.NoError(t, err)
	require.Len(t, created, 7)
	for _, tx := range created {
		assert.Equal(t, created[0].ID, tx.SeriesID)
		assert.Equal(t, core.Standalone, tx.State)
	}

	f.clock.Set("2025-03-01")
	got, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 7)
	assert.Equal(t, "2024-12-15", got[0].Date.String())
	assert.Equal(t, "2024-06-15", got[6].Date.String())
}

func TestSharedAccountVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-10")

	created, err := f.svc.Create(ctx, bob, income("Freelance", "2024-03-01", core.Once))
	require.NoError(t, err)
	id := created[0].ID

	for _, c := range []core.Caller{alice, bob, carol} {
		got, err := f.svc.List(ctx, c, services.ListFilter{})
		require.NoError(t, err)
		assert.Len(t, got, 1, c.UserID)
	}

	for _, c := range []core.Caller{dave, aliceLegacy} {
		got, err := f.svc.List(ctx, c, services.ListFilter{})
		require.NoError(t, err)
		assert.Empty(t, got, c.UserID)

		_, err = f.svc.Get(ctx, c, id)
		assert.True(t, errors.Is(err, core.ErrForbidden), c.UserID)
	}
}

func TestMutabilityRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-10")

	newRecord := func() string {
		created, err := f.svc.Create(ctx, bob, income("Freelance", "2024-03-01", core.Once))
		require.NoError(t, err)
		return created[0].ID
	}
	label := "Consulting"

	// account owner may change anything in the account
	_, err := f.svc.Update(ctx, alice, newRecord(), services.Patch{Label: &label})
	assert.NoError(t, err)
	assert.NoError(t, f.svc.Delete(ctx, alice, newRecord()))

	// the creator may change their own record
	_, err = f.svc.Update(ctx, bob, newRecord(), services.Patch{Label: &label})
	assert.NoError(t, err)
	assert.NoError(t, f.svc.Delete(ctx, bob, newRecord()))

	// another member may see but not change it
	id := newRecord()
	_, err = f.svc.Update(ctx, carol, id, services.Patch{Label: &label})
	assert.True(t, errors.Is(err, core.ErrNotAllowed))
	assert.True(t, errors.Is(f.svc.Delete(ctx, carol, id), core.ErrNotAllowed))

	// outsiders do not see it at all
	assert.True(t, errors.Is(f.svc.Delete(ctx, dave, id), core.ErrForbidden))

	// missing records
	assert.True(t, errors.Is(f.svc.Delete(ctx, alice, "missing"), core.ErrNotFound))

	got, err := f.svc.Get(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, "Freelance", got.Label)
}

func TestLegacyRecordsInPersonalMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-10")

	created, err := f.svc.Create(ctx, aliceLegacy, income("Allowance", "2024-03-01", core.Once))
	require.NoError(t, err)
	assert.Empty(t, created[0].AccountID)

	personal := core.Caller{UserID: "alice", ActiveAccount: &core.Account{ID: "alice-p", Type: core.PersonalAccount, OwnerUserID: "alice"}}
	got, err := f.svc.List(ctx, personal, services.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, got, "legacy records stay out of shared accounts")

	assert.NoError(t, f.svc.Delete(ctx, personal, created[0].ID))
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-06-30")

	mustCreate := func(c core.Caller, in services.NewTransaction) {
		t.Helper()
		_, err := f.svc.Create(ctx, c, in)
		require.NoError(t, err)
	}
	mustCreate(alice, income("Salary", "2024-06-01", core.Once))
	mustCreate(bob, income("Bonus", "2024-02-01", core.Once))
	mustCreate(bob, services.NewTransaction{Kind: core.Expense, Label: "Rent", Amount: core.Money{Cents: 90000}, Date: "2024-06-02", Tags: []string{"Home"}})
	mustCreate(alice, services.NewTransaction{Kind: core.Expense, Label: "Old", Amount: core.Money{Cents: 100}, Date: "2023-01-01"})

	tests := []struct {
		name   string
		filter services.ListFilter
		want   []string
	}{
		{"everything", services.ListFilter{}, []string{"2024-06-02", "2024-06-01", "2024-02-01", "2023-01-01"}},
		{"kind", services.ListFilter{Kind: core.Income}, []string{"2024-06-01", "2024-02-01"}},
		{"creator", services.ListFilter{CreatedBy: "bob"}, []string{"2024-06-02", "2024-02-01"}},
		{"tag", services.ListFilter{Tag: "home"}, []string{"2024-06-02"}},
		{"4 weeks", services.ListFilter{Range: services.Range4Weeks}, []string{"2024-06-02"}},
		{"6 months", services.ListFilter{Range: services.Range6Months}, []string{"2024-06-02", "2024-06-01", "2024-02-01"}},
		{"inclusive bounds", services.ListFilter{Start: core.MustParseDate("2024-02-01"), End: core.MustParseDate("2024-06-01")}, []string{"2024-06-01", "2024-02-01"}},
		{"single day", services.ListFilter{Start: core.MustParseDate("2024-06-01"), End: core.MustParseDate("2024-06-01")}, []string{"2024-06-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.List(ctx, alice, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dates(got))
		})
	}

	invalid := []services.ListFilter{
		{Range: "2w"},
		{Start: core.MustParseDate("2024-06-02"), End: core.MustParseDate("2024-06-01")},
		{Range: services.Range3Months, Start: core.MustParseDate("2024-01-01")},
		{Kind: "gift"},
	}
	for _, filter := range invalid {
		_, err := f.svc.List(ctx, alice, filter)
		assert.True(t, core.IsValidation(err), "filter %+v: %v", filter, err)
	}
}

func TestListUsesCallerTimezone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-01-15")
	// 2024-01-15 09:00 UTC is still the 14th at UTC-10
	hst := time.FixedZone("HST", -10*60*60)

	_, err := f.svc.Create(ctx, alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)

	remote := alice
	remote.Location = hst
	got, err := f.svc.List(ctx, remote, services.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDuplicateHeadsAreReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-02-10")

	created, err := f.svc.Create(ctx, alice, income("Salary", "2024-02-01", core.Monthly))
	require.NoError(t, err)
	original := created[0]

	// a second process advanced the same series concurrently
	dup := original.Clone()
	dup.ID = "dup-head"
	dup.Date = core.MustParseDate("2024-02-01")
	dup.CreatedAt = original.CreatedAt.Add(time.Second)
	require.NoError(t, f.store.InsertTransactions(ctx, []core.Transaction{dup}))
	require.Len(t, f.heads(t, original.SeriesID), 2)

	_, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)

	heads := f.heads(t, original.SeriesID)
	require.Len(t, heads, 1)
	assert.Equal(t, "dup-head", heads[0].ID, "newest CreatedAt wins a date tie")

	stale, err := f.store.GetTransaction(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Closed, stale.State)

	var demotions []string
	f.pub.mu.Lock()
	for _, e := range f.pub.events {
		if e.Type == amqp.EventTransactionUpdated {
			demotions = append(demotions, e.TransactionID)
		}
	}
	f.pub.mu.Unlock()
	assert.Equal(t, []string{original.ID}, demotions, "a reconcile demotion is published")
}

// vanishingStore deletes the head right before advancing it, as a concurrent
// delete would.
type vanishingStore struct {
	*memory.Store
}

func (s vanishingStore) AdvanceSeries(ctx context.Context, oldHead, newHead core.Transaction) error {
	if err := s.Store.DeleteTransaction(ctx, oldHead.ID); err != nil {
		return err
	}
	return s.Store.AdvanceSeries(ctx, oldHead, newHead)
}

func TestHeadRemovedDuringCatchUpIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := vanishingStore{Store: memory.New()}
	clk := newClock("2024-01-01")
	svc := services.NewLedgerService(store, nil, services.WithClock(clk.Now))

	_, err := svc.Create(ctx, alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)

	clk.Set("2024-01-20")
	listed, err := svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err, "a head that moved under the run is not an error")
	assert.Empty(t, listed)
	assert.Equal(t, 0, store.Len())
}

// splitStore hides the memory store's SeriesAdvancer so the materializer falls
// back to two writes, and can fail the demotion write.
type splitStore struct {
	services.LedgerStore
	mu          sync.Mutex
	failDemote  int
	demoteCalls int
}

func (s *splitStore) UpdateTransaction(ctx context.Context, tx core.Transaction) error {
	s.mu.Lock()
	if tx.State == core.Closed {
		s.demoteCalls++
		if s.failDemote > 0 {
			s.failDemote--
			s.mu.Unlock()
			return errors.New("disk full")
		}
	}
	s.mu.Unlock()
	return s.LedgerStore.UpdateTransaction(ctx, tx)
}

func TestNonAtomicFailureIsHealedByNextRun(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	store := &splitStore{LedgerStore: mem, failDemote: 1}
	clk := newClock("2024-01-01")
	svc := services.NewLedgerService(store, nil, services.WithClock(clk.Now))

	created, err := svc.Create(ctx, alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)
	seriesID := created[0].SeriesID

	clk.Set("2024-01-15")
	got, err := svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err, "an inconsistent series is not surfaced")
	assert.Len(t, got, 2)

	countHeads := func() int {
		series, err := mem.ListSeries(ctx, seriesID)
		require.NoError(t, err)
		n := 0
		for _, tx := range series {
			if tx.IsHead() {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 2, countHeads(), "failed demotion leaves two heads")

	got, err = svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2, "healing must not create occurrences")
	assert.Equal(t, 1, countHeads())

	head, err := mem.GetTransaction(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", head.Date.String())
	assert.True(t, head.IsHead())
}

func TestDeleteHeadPromotesPredecessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-20")

	in := income("Salary", "2024-01-15", core.Monthly)
	in.EndDate = "2024-12-31"
	created, err := f.svc.Create(ctx, alice, in)
	require.NoError(t, err)
	seriesID := created[0].SeriesID

	listed, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-03-15", "2024-02-15", "2024-01-15"}, dates(listed))
	headID := listed[0].ID

	require.NoError(t, f.svc.Delete(ctx, alice, headID))

	heads := f.heads(t, seriesID)
	require.Len(t, heads, 1)
	assert.Equal(t, "2024-02-15", heads[0].Date.String())
	assert.Equal(t, core.Monthly, heads[0].Recurrence)
	assert.Equal(t, "2024-12-31", heads[0].SeriesEndDate.String())
	assert.Equal(t, 2, f.store.Len(), "delete never cascades")

	listed, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-02-15", "2024-01-15"}, dates(listed), "the deleted occurrence stays deleted")

	f.clock.Set("2024-05-20")
	listed, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-15", "2024-04-15", "2024-02-15", "2024-01-15"}, dates(listed),
		"the series continues after the deleted date")
	heads = f.heads(t, seriesID)
	require.Len(t, heads, 1)
	assert.Equal(t, "2024-05-15", heads[0].Date.String())
	assert.True(t, heads[0].SeriesCursorDate.IsEmpty())
}

func TestDeleteBiWeeklyHeadTwiceKeepsCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-02-01")

	_, err := f.svc.Create(ctx, alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)
	listed, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-29", "2024-01-15", "2024-01-01"}, dates(listed))

	require.NoError(t, f.svc.Delete(ctx, alice, listed[0].ID))
	listed, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, alice, listed[0].ID))

	listed, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01"}, dates(listed))

	f.clock.Set("2024-02-12")
	listed, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-02-12", "2024-01-01"}, dates(listed))
}

// gatedStore holds ListHeads until release is closed so concurrent listings
// pile up on the same catch-up.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) ListHeads(ctx context.Context, scope services.Scope) ([]core.Transaction, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.ListHeads(ctx, scope)
}

func TestConcurrentListsPublishEachOccurrenceOnce(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	clk := newClock("2024-01-01")
	pub := &recordingPublisher{}
	svc := services.NewLedgerService(store, nil, services.WithClock(clk.Now), services.WithPublisher(pub))

	_, err := svc.Create(ctx, alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)
	clk.Set("2024-02-15")

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]core.Transaction, callers)
	errs := make([]error, callers)
	list := func(i int) {
		defer wg.Done()
		results[i], errs[i] = svc.List(ctx, alice, services.ListFilter{})
	}

	wg.Add(callers)
	go list(0)
	<-store.entered
	for i := 1; i < callers; i++ {
		go list(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Len(t, results[i], 4)
	}
	assert.Equal(t, 4, store.Len())

	materialized := 0
	for _, typ := range pub.types() {
		if typ == amqp.EventTransactionMaterialized {
			materialized++
		}
	}
	assert.Equal(t, 3, materialized, "one event per occurrence, however many callers waited")
}

func TestCancelledCallerDoesNotAbortCatchUp(t *testing.T) {
	f := newFixture(t, "2024-01-01")
	_, err := f.svc.Create(context.Background(), alice, income("Paycheck", "2024-01-01", core.BiWeekly))
	require.NoError(t, err)

	f.clock.Set("2024-01-29")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	listed, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-29", "2024-01-15", "2024-01-01"}, dates(listed))
}

func TestDeleteHeadWithoutPromotion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-20", services.WithPromoteOnHeadDelete(false))

	created, err := f.svc.Create(ctx, alice, income("Salary", "2024-01-15", core.Monthly))
	require.NoError(t, err)
	listed, err := f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, alice, listed[0].ID))
	assert.Empty(t, f.heads(t, created[0].SeriesID))

	f.clock.Set("2024-08-01")
	listed, err = f.svc.List(ctx, alice, services.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 2, "a series without head stops")
}

func TestUpdateSeriesTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-20")

	monthly := core.Monthly
	once := core.Once
	yearEnd := core.YearEnd
	label := "Renamed"
	end := "2024-12-31"

	t.Run("standalone income becomes a series head", func(t *testing.T) {
		created, err := f.svc.Create(ctx, alice, income("Side gig", "2024-03-05", core.Once))
		require.NoError(t, err)

		updated, err := f.svc.Update(ctx, alice, created[0].ID, services.Patch{Recurrence: &monthly, EndDate: &end})
		require.NoError(t, err)
		assert.True(t, updated.IsHead())
		assert.Equal(t, updated.ID, updated.SeriesID)
		assert.Equal(t, "2024-03-05", updated.SeriesAnchorDate.String())
		assert.Equal(t, "2024-12-31", updated.SeriesEndDate.String())
	})

	t.Run("head switched to once closes the series", func(t *testing.T) {
		created, err := f.svc.Create(ctx, alice, income("Stipend", "2024-03-01", core.Monthly))
		require.NoError(t, err)

		updated, err := f.svc.Update(ctx, alice, created[0].ID, services.Patch{Recurrence: &once})
		require.NoError(t, err)
		assert.Equal(t, core.Closed, updated.State)
		assert.Empty(t, f.heads(t, created[0].SeriesID))
	})

	t.Run("closed entries keep their recurrence", func(t *testing.T) {
		created, err := f.svc.Create(ctx, alice, income("Salary", "2024-01-20", core.Monthly))
		require.NoError(t, err)
		_, err = f.svc.List(ctx, alice, services.ListFilter{})
		require.NoError(t, err)

		closed, err := f.store.GetTransaction(ctx, created[0].ID)
		require.NoError(t, err)
		require.Equal(t, core.Closed, closed.State)

		_, err = f.svc.Update(ctx, alice, closed.ID, services.Patch{Recurrence: &monthly})
		assert.True(t, errors.Is(err, core.ErrFrozenEntry))
		_, err = f.svc.Update(ctx, alice, closed.ID, services.Patch{EndDate: &end})
		assert.True(t, errors.Is(err, core.ErrFrozenEntry))

		updated, err := f.svc.Update(ctx, alice, closed.ID, services.Patch{Label: &label})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", updated.Label)
		assert.Equal(t, closed.CreatedByUserID, updated.CreatedByUserID)
		assert.Equal(t, closed.AccountID, updated.AccountID)
	})

	t.Run("eager batch is frozen", func(t *testing.T) {
		created, err := f.svc.Create(ctx, alice, services.NewTransaction{
			Kind: core.Expense, Label: "Gym", Amount: core.Money{Cents: 100}, Date: "2024-11-01", Recurrence: core.YearEnd,
		})
		require.NoError(t, err)
		_, err = f.svc.Update(ctx, alice, created[1].ID, services.Patch{Recurrence: &once})
		assert.True(t, errors.Is(err, core.ErrFrozenEntry))
	})

	t.Run("standalone cannot become year-end", func(t *testing.T) {
		created, err := f.svc.Create(ctx, alice, services.NewTransaction{
			Kind: core.Expense, Label: "Tax", Amount: core.Money{Cents: 100}, Date: "2024-03-01",
		})
		require.NoError(t, err)
		_, err = f.svc.Update(ctx, alice, created[0].ID, services.Patch{Recurrence: &yearEnd})
		assert.True(t, core.IsValidation(err))
	})

	t.Run("invalid patch leaves record untouched", func(t *testing.T) {
		created, err := f.svc.Create(ctx, alice, income("Tips", "2024-03-01", core.Once))
		require.NoError(t, err)
		zero := core.Money{}
		_, err = f.svc.Update(ctx, alice, created[0].ID, services.Patch{Amount: &zero, Label: &label})
		assert.True(t, errors.Is(err, core.ErrInvalidAmount))

		got, err := f.store.GetTransaction(ctx, created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "Tips", got.Label)
	})
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-10")
	f.pub.err = errors.New("broker down")

	created, err := f.svc.Create(ctx, alice, income("Salary", "2024-03-01", core.Once))
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, alice, created[0].ID))
	assert.Equal(t, []string{amqp.EventTransactionCreated, amqp.EventTransactionDeleted}, f.pub.types())
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-03-20")

	_, err := f.svc.Create(ctx, alice, income("Salary", "2024-01-10", core.Monthly))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, alice, services.NewTransaction{
		Kind: core.Expense, Label: "Rent", Amount: core.Money{Cents: 60000}, Date: "2024-02-01",
	})
	require.NoError(t, err)

	sum, err := f.svc.Summary(ctx, alice, 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(300000), sum.Income.Cents)
	assert.Equal(t, int64(60000), sum.Expense.Cents)
	assert.Equal(t, int64(240000), sum.Balance.Cents)
	require.Len(t, sum.Months, 12)
	assert.Equal(t, int64(40000), sum.Months[1].Balance.Cents)
	require.Len(t, sum.IncomeBy, 1)
	assert.Equal(t, "Salary", sum.IncomeBy[0].Label)

	_, err = f.svc.Summary(ctx, alice, 0)
	assert.True(t, core.IsValidation(err))
}
