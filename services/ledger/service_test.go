package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rewardplane/pkg/errutil"
	"rewardplane/services/campaign"
	"rewardplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{},
		&campaign.RewardTier{},
		&campaign.CampaignChain{},
		&Grant{},
		&IssuanceAttempt{},
		&GrantReversal{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func seedCampaign(t *testing.T, svc *Service, budget int64, chains ...string) *campaign.Campaign {
	t.Helper()

	c := &campaign.Campaign{
		ID:          "camp-1",
		Hashtag:     "gmwagmi",
		Status:      campaign.StatusActive,
		StartAt:     time.Now().Add(-time.Hour),
		EndAt:       time.Now().Add(time.Hour),
		TotalBudget: budget,
	}
	for i, chain := range chains {
		c.Chains = append(c.Chains, campaign.CampaignChain{
			ID:         fmt.Sprintf("chain-%d", i),
			CampaignID: c.ID,
			Chain:      chain,
		})
	}
	require.NoError(t, svc.db.Create(c).Error)
	return c
}

func TestRecordGrantIdempotent(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 100)

	ctx := context.Background()
	first, err := svc.RecordGrant(ctx, &Grant{
		CampaignID:  "camp-1",
		Participant: "0xabc",
		EventID:     "event-1",
		Amount:      10,
	})
	require.NoError(t, err)
	require.Equal(t, GrantPending, first.Status)
	require.Equal(t, "GENESIS", first.PreviousHash)

	second, err := svc.RecordGrant(ctx, &Grant{
		CampaignID:  "camp-1",
		Participant: "0xabc",
		EventID:     "event-1",
		Amount:      10,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var n int64
	require.NoError(t, svc.db.Model(&Grant{}).Count(&n).Error)
	require.Equal(t, int64(1), n)
}

func TestRecordGrantBudgetExhausted(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 10)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := svc.RecordGrant(ctx, &Grant{
			CampaignID:  "camp-1",
			Participant: fmt.Sprintf("0x%d", i),
			EventID:     fmt.Sprintf("event-%d", i),
			Amount:      4,
		})
		require.NoError(t, err)
	}

	_, err := svc.RecordGrant(ctx, &Grant{
		CampaignID:  "camp-1",
		Participant: "0x2",
		EventID:     "event-2",
		Amount:      4,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBudgetExhausted))

	remaining, err := svc.BudgetRemaining(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), remaining)
}

func TestRecordGrantConcurrentBudget(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 10)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.RecordGrant(ctx, &Grant{
				CampaignID:  "camp-1",
				Participant: fmt.Sprintf("0x%d", i),
				EventID:     fmt.Sprintf("event-%d", i),
				Amount:      4,
			})
		}()
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
			continue
		}
		require.True(t, errors.Is(err, ErrBudgetExhausted))
	}
	require.Equal(t, 2, granted)

	reserved, err := svc.ReservedTotal(ctx, "camp-1")
	require.NoError(t, err)
	require.LessOrEqual(t, reserved, int64(10))
	require.Equal(t, int64(8), reserved)
}

func TestRecordGrantConcurrentSameEvent(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 100)
	ctx := context.Background()

	const workers = 6
	var wg sync.WaitGroup
	grants := make([]*Grant, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			grants[i], errs[i] = svc.RecordGrant(ctx, &Grant{
				CampaignID:  "camp-1",
				Participant: "0xa",
				EventID:     "event-1",
				Amount:      5,
			})
		}()
	}
	wg.Wait()

	// however the race resolves, every caller gets the same single grant
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, grants[0].ID, grants[i].ID)
	}

	reserved, err := svc.ReservedTotal(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), reserved)
}

func TestRecordGrantHashChain(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 100)

	ctx := context.Background()
	first, err := svc.RecordGrant(ctx, &Grant{
		CampaignID: "camp-1", Participant: "0xa", EventID: "e1", Amount: 5,
	})
	require.NoError(t, err)

	second, err := svc.RecordGrant(ctx, &Grant{
		CampaignID: "camp-1", Participant: "0xb", EventID: "e2", Amount: 5,
	})
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.PreviousHash)

	valid, brokenAt, err := svc.VerifyChain(ctx, "camp-1")
	require.NoError(t, err)
	require.True(t, valid)
	require.Empty(t, brokenAt)

	require.NoError(t, svc.db.Model(&Grant{}).
		Where("id = ?", second.ID).
		Update("amount", 999).Error)

	valid, brokenAt, err = svc.VerifyChain(ctx, "camp-1")
	require.NoError(t, err)
	require.False(t, valid)
	require.Equal(t, second.ID, brokenAt)
}

func TestMarkIssuingTransitions(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 100)

	ctx := context.Background()
	g, err := svc.RecordGrant(ctx, &Grant{
		CampaignID: "camp-1", Participant: "0xa", EventID: "e1", Amount: 5,
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkIssuing(ctx, g.ID))
	require.NoError(t, svc.MarkIssuing(ctx, g.ID)) // redispatch no-op

	got, err := svc.Grant(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, GrantIssuing, got.Status)
}

func TestRecordAttemptOutcomeSingleConfirmation(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 100)

	ctx := context.Background()
	g, err := svc.RecordGrant(ctx, &Grant{
		CampaignID: "camp-1", Participant: "0xa", EventID: "e1", Amount: 5,
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkIssuing(ctx, g.ID))

	require.NoError(t, svc.RecordAttemptOutcome(ctx, g.ID, &IssuanceAttempt{
		Chain: "polygon", TxReference: "0xtx1", Outcome: AttemptConfirmed,
	}))

	// reconcile reports the same confirmation again
	require.NoError(t, svc.RecordAttemptOutcome(ctx, g.ID, &IssuanceAttempt{
		Chain: "polygon", TxReference: "0xtx1", Outcome: AttemptConfirmed,
	}))

	attempts, err := svc.Attempts(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	got, err := svc.Grant(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, GrantIssued, got.Status)
}

func TestPromotionWaitsForAllChains(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 100, "polygon", "base")

	ctx := context.Background()
	g, err := svc.RecordGrant(ctx, &Grant{
		CampaignID: "camp-1", Participant: "0xa", EventID: "e1", Amount: 5,
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkIssuing(ctx, g.ID))

	require.NoError(t, svc.RecordAttemptOutcome(ctx, g.ID, &IssuanceAttempt{
		Chain: "polygon", TxReference: "0xtx1", Outcome: AttemptConfirmed,
	}))

	got, err := svc.Grant(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, GrantIssuing, got.Status)

	require.NoError(t, svc.RecordAttemptOutcome(ctx, g.ID, &IssuanceAttempt{
		Chain: "base", TxReference: "0xtx2", Outcome: AttemptConfirmed,
	}))

	got, err = svc.Grant(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, GrantIssued, got.Status)
}

func TestReverseFreesBudget(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 10)

	ctx := context.Background()
	g, err := svc.RecordGrant(ctx, &Grant{
		CampaignID: "camp-1", Participant: "0xa", EventID: "e1", Amount: 10,
	})
	require.NoError(t, err)

	remaining, err := svc.BudgetRemaining(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining)

	require.NoError(t, svc.Reverse(ctx, g.ID, "campaign cancelled"))

	remaining, err = svc.BudgetRemaining(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), remaining)

	// a reversed grant cannot be reversed again
	err = svc.Reverse(ctx, g.ID, "again")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotReversible))
}

func TestReverseIssuedGrantRejected(t *testing.T) {
	svc := newTestService(t)
	seedCampaign(t, svc, 100)

	ctx := context.Background()
	g, err := svc.RecordGrant(ctx, &Grant{
		CampaignID: "camp-1", Participant: "0xa", EventID: "e1", Amount: 5,
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkIssuing(ctx, g.ID))
	require.NoError(t, svc.RecordAttemptOutcome(ctx, g.ID, &IssuanceAttempt{
		Chain: "polygon", TxReference: "0xtx", Outcome: AttemptConfirmed,
	}))

	err = svc.Reverse(ctx, g.ID, "too late")
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusConflict, base.Code)
}
