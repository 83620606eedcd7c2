package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	database "github.com/Cypherspark/campaign-dispatcher/internal/db"
	"github.com/Cypherspark/campaign-dispatcher/internal/schedule"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *core.Store {
	pg := database.StartTestPostgres(t)
	return core.NewStore(pg)
}

func createRecipient(t *testing.T, s core.Repository, address string, tags ...string) *core.Recipient {
	r := &core.Recipient{Address: address, Tags: tags, Timezone: "UTC"}
	require.NoError(t, s.CreateRecipient(context.Background(), r))
	return r
}

func createCampaign(t *testing.T, s core.Repository, filter ...string) *core.Campaign {
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	c := &core.Campaign{
		WindowStart:     start,
		WindowEnd:       start.Add(8 * time.Hour),
		DailyStart:      &schedule.TimeOfDay{Hour: 9},
		DailyEnd:        &schedule.TimeOfDay{Hour: 21},
		RecipientFilter: filter,
		Body:            "hello",
	}
	require.NoError(t, s.CreateCampaign(context.Background(), c))
	return c
}

func TestCampaignRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := createCampaign(t, s, "999", "vip")

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.WindowStart, got.WindowStart)
	require.Equal(t, "09:00", got.DailyStart.String())
	require.Equal(t, "21:00", got.DailyEnd.String())
	require.Equal(t, []string{"999", "vip"}, got.RecipientFilter)

	got.DailyStart, got.DailyEnd = nil, nil
	got.Body = "changed"
	require.NoError(t, s.UpdateCampaign(ctx, got))
	got, err = s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, got.DailyStart)
	require.Equal(t, "changed", got.Body)

	require.NoError(t, s.DeleteCampaign(ctx, c.ID))
	_, err = s.GetCampaign(ctx, c.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecipientDerivedCodeAndUniqueness(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	r := createRecipient(t, s, "79991234567", "Tag")
	require.Equal(t, "999", r.DerivedCode)

	r.DerivedCode = "000"
	r.Tags = []string{"Other"}
	require.NoError(t, s.UpdateRecipient(ctx, r))
	got, err := s.GetRecipient(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, "999", got.DerivedCode)
	require.Equal(t, []string{"Other"}, got.Tags)

	err = s.CreateRecipient(ctx, &core.Recipient{Address: "79991234567", Timezone: "UTC"})
	require.True(t, core.IsCode(err, core.ErrCodeConflictRecipientExists))
}

func TestListRecipientsFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := createRecipient(t, s, "79990000001", "Tag")
	b := createRecipient(t, s, "79000000002", "Tag1")
	c := createRecipient(t, s, "79990000003", "Tag1")

	all, err := s.ListRecipients(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	got, err := s.ListRecipients(ctx, []string{"999", "Tag"})
	require.NoError(t, err)
	ids := []int64{}
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	require.ElementsMatch(t, []int64{a.ID, c.ID}, ids)
	require.NotContains(t, ids, b.ID)
}

func TestAttemptsCountersAndRollup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := createCampaign(t, s)
	r1 := createRecipient(t, s, "79990000001")
	r2 := createRecipient(t, s, "79990000002")

	sendAt := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	a1 := &core.Attempt{CampaignID: &c.ID, RecipientID: r1.ID, SendAt: sendAt}
	a2 := &core.Attempt{CampaignID: &c.ID, RecipientID: r2.ID, SendAt: sendAt}
	require.NoError(t, s.CreateAttempt(ctx, a1))
	require.NoError(t, s.CreateAttempt(ctx, a2))
	require.Equal(t, core.StatusScheduled, a1.Status)

	require.NoError(t, s.SetAttemptJob(ctx, a1.ID, "job-1"))
	require.NoError(t, s.SetAttemptStatus(ctx, a1.ID, core.StatusDelivered))
	require.NoError(t, s.SetAttemptStatus(ctx, a2.ID, core.StatusNotDelivered))

	succ := &core.Attempt{CampaignID: &c.ID, RecipientID: r2.ID, SendAt: sendAt.Add(10 * time.Second), PredecessorID: &a2.ID}
	require.NoError(t, s.CreateAttempt(ctx, succ))
	has, err := s.HasSuccessor(ctx, a2.ID)
	require.NoError(t, err)
	require.True(t, has)

	// the unique predecessor column rejects a second successor
	dup := &core.Attempt{CampaignID: &c.ID, RecipientID: r2.ID, SendAt: sendAt, PredecessorID: &a2.ID}
	require.Error(t, s.CreateAttempt(ctx, dup))

	counters, err := s.RefreshCounters(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.Counters{Scheduled: 1, Delivered: 1, NotDelivered: 1}, counters)

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, counters, got.Counters)

	open, err := s.ListOpenAttempts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, succ.ID, open[0].ID)

	delivered, err := s.DeliveredRecipients(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, delivered[r1.ID])
	require.False(t, delivered[r2.ID])

	rows, err := s.DailyRollup(ctx, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	total := 0
	for _, row := range rows {
		require.Equal(t, c.ID, *row.CampaignID)
		total += row.Count
	}
	require.Equal(t, 3, total)

	// attempts outlive their campaign
	require.NoError(t, s.DeleteCampaign(ctx, c.ID))
	a, err := s.GetAttempt(ctx, a1.ID)
	require.NoError(t, err)
	require.Nil(t, a.CampaignID)
	require.Equal(t, "job-1", *a.JobHandle)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, r core.Repository) error {
		createCampaign(t, r)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.DB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM campaigns`).Scan(&n))
	require.Zero(t, n)
}

func TestLockAttemptSerializesTransitions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := createCampaign(t, s)
	r := createRecipient(t, s, "79990000001")
	a := &core.Attempt{CampaignID: &c.ID, RecipientID: r.ID, SendAt: time.Now()}
	require.NoError(t, s.CreateAttempt(ctx, a))

	// every worker tries Scheduled -> NotDelivered plus a successor; only one may win
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(ctx context.Context, repo core.Repository) error {
				cur, err := repo.LockAttempt(ctx, a.ID)
				if err != nil {
					return err
				}
				if cur.Status != core.StatusScheduled {
					return nil
				}
				if err := repo.SetAttemptStatus(ctx, a.ID, core.StatusNotDelivered); err != nil {
					return err
				}
				succ := &core.Attempt{CampaignID: &c.ID, RecipientID: r.ID, SendAt: time.Now(), PredecessorID: &a.ID}
				if err := repo.CreateAttempt(ctx, succ); err != nil {
					return err
				}
				mu.Lock()
				wins++
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestLockCampaign(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := createCampaign(t, s)

	err := s.WithTx(ctx, func(ctx context.Context, r core.Repository) error {
		got, err := r.LockCampaign(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, c.ID, got.ID)

		_, err = r.LockCampaign(ctx, c.ID+1000)
		require.ErrorIs(t, err, core.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestListingsAndDeleteRecipient(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	vip := createRecipient(t, s, "79990000001", "vip")
	other := createRecipient(t, s, "79120000002")
	first := createCampaign(t, s)
	second := createCampaign(t, s, "vip")

	cs, err := s.ListCampaigns(ctx, core.Page{})
	require.NoError(t, err)
	require.Len(t, cs, 2)
	require.Equal(t, second.ID, cs[0].ID)
	require.Equal(t, "09:00", cs[0].DailyStart.String())
	cs, err = s.ListCampaigns(ctx, core.Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, first.ID, cs[0].ID)

	rs, err := s.PageRecipients(ctx, []string{"vip"}, core.Page{})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, vip.ID, rs[0].ID)
	rs, err = s.PageRecipients(ctx, nil, core.Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, other.ID, rs[0].ID)

	sendAt := first.WindowStart
	for _, r := range []*core.Recipient{vip, other} {
		require.NoError(t, s.CreateAttempt(ctx, &core.Attempt{CampaignID: &first.ID, RecipientID: r.ID, SendAt: sendAt}))
	}
	as, err := s.ListAttempts(ctx, first.ID, core.Page{})
	require.NoError(t, err)
	require.Len(t, as, 2)
	as, err = s.ListAttempts(ctx, second.ID, core.Page{})
	require.NoError(t, err)
	require.Empty(t, as)

	err = s.WithTx(ctx, func(ctx context.Context, r core.Repository) error {
		mine, err := r.ListRecipientAttempts(ctx, vip.ID)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		return r.DeleteRecipient(ctx, vip.ID)
	})
	require.NoError(t, err)

	_, err = s.GetRecipient(ctx, vip.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
	as, err = s.ListAttempts(ctx, first.ID, core.Page{})
	require.NoError(t, err)
	require.Len(t, as, 1)
	require.Equal(t, other.ID, as[0].RecipientID)
	require.ErrorIs(t, s.DeleteRecipient(ctx, vip.ID), core.ErrNotFound)
}
