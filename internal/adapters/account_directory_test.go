package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/cache"
	"fintrack/internal/core"
)

type countingDirectory struct {
	accounts    map[string]core.Account
	members     map[string]bool
	accountHits int
	memberHits  int
	err         error
}

func (d *countingDirectory) GetAccount(_ context.Context, id string) (core.Account, error) {
	d.accountHits++
	if d.err != nil {
		return core.Account{}, d.err
	}
	a, ok := d.accounts[id]
	if !ok {
		return core.Account{}, core.ErrNotFound
	}
	return a, nil
}

func (d *countingDirectory) IsMember(_ context.Context, accountID, userID string) (bool, error) {
	d.memberHits++
	if d.err != nil {
		return false, d.err
	}
	return d.members[accountID+"/"+userID], nil
}

func newDirectory() *countingDirectory {
	return &countingDirectory{
		accounts: map[string]core.Account{
			"acc-1": {ID: "acc-1", Type: core.SharedAccount, OwnerUserID: "alice"},
		},
		members: map[string]bool{"acc-1/bob": true},
	}
}

func TestCachedAccountDirectory_CachesHits(t *testing.T) {
	ctx := context.Background()
	next := newDirectory()
	d := NewCachedAccountDirectory(next, 10, time.Minute, nil)

	for i := 0; i < 3; i++ {
		a, err := d.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", a.OwnerUserID)

		ok, err := d.IsMember(ctx, "acc-1", "bob")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = d.IsMember(ctx, "acc-1", "mallory")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	assert.Equal(t, 1, next.accountHits)
	assert.Equal(t, 2, next.memberHits)

	accounts, members := d.Stats()
	assert.Equal(t, uint64(2), accounts.Hits)
	assert.Equal(t, uint64(4), members.Hits)
}

func TestCachedAccountDirectory_NotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	next := newDirectory()
	d := NewCachedAccountDirectory(next, 10, time.Minute, nil)

	_, err := d.GetAccount(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)

	next.accounts["nope"] = core.Account{ID: "nope", Type: core.PersonalAccount, OwnerUserID: "carol"}
	a, err := d.GetAccount(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, "carol", a.OwnerUserID)
}

func TestCachedAccountDirectory_ErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	next := newDirectory()
	next.err = errors.New("database is locked")
	d := NewCachedAccountDirectory(next, 10, time.Minute, nil)

	_, err := d.GetAccount(ctx, "acc-1")
	assert.EqualError(t, err, "database is locked")
	_, err = d.IsMember(ctx, "acc-1", "bob")
	assert.Error(t, err)

	next.err = nil
	ok, err := d.IsMember(ctx, "acc-1", "bob")
	require.NoError(t, err)
	assert.True(t, ok, "failed lookups must not be cached")
}

func TestCachedAccountDirectory_ExpiryAndInvalidate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	next := newDirectory()
	d := NewCachedAccountDirectory(next, 10, time.Minute, nil, cache.WithClock(clock))

	_, _ = d.IsMember(ctx, "acc-1", "bob")
	delete(next.members, "acc-1/bob")

	ok, _ := d.IsMember(ctx, "acc-1", "bob")
	assert.True(t, ok, "still cached")

	now = now.Add(2 * time.Minute)
	ok, _ = d.IsMember(ctx, "acc-1", "bob")
	assert.False(t, ok, "ttl elapsed")

	next.members["acc-1/bob"] = true
	d.Invalidate("acc-1")
	ok, _ = d.IsMember(ctx, "acc-1", "bob")
	assert.True(t, ok)

	m := cache.NewManager(nil)
	d.Register(m)
	now = now.Add(time.Hour)
	assert.Equal(t, 1, m.CleanAll())
}
