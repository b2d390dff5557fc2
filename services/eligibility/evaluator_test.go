package eligibility

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewardplane/pkg/celengine"
	"rewardplane/pkg/config"
	"rewardplane/services/campaign"
	"rewardplane/services/ingest"
	"rewardplane/services/ledger"
	"rewardplane/services/scoring"
	"rewardplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestEvaluator(t *testing.T) (*Evaluator, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{},
		&campaign.RewardTier{},
		&campaign.CampaignChain{},
		&ingest.ParticipationEvent{},
		&ledger.Grant{},
		&ledger.IssuanceAttempt{},
		&ledger.GrantReversal{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})

	cfg := &config.Config{}
	cfg.Settlement.GraceWindow = 15 * time.Minute

	return NewEvaluator(EvaluatorParams{
		DB:     db,
		CEL:    celengine.New(),
		Ledger: ledgerSvc,
		Config: cfg,
	}), db
}

func seedCampaign(t *testing.T, db *gorm.DB, mutate func(*campaign.Campaign)) {
	t.Helper()

	c := &campaign.Campaign{
		ID:          "camp-1",
		Hashtag:     "gmwagmi",
		Status:      campaign.StatusActive,
		StartAt:     time.Now().Add(-time.Hour),
		EndAt:       time.Now().Add(time.Hour),
		TotalBudget: 100,
		MinScore:    50,
		Tiers: []campaign.RewardTier{
			{ID: "tier-gold", CampaignID: "camp-1", Name: "Gold", UnitCost: 10, MaxCount: 2, Position: 0},
			{ID: "tier-silver", CampaignID: "camp-1", Name: "Silver", UnitCost: 5, MaxCount: 100, Position: 1},
		},
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, db.Create(c).Error)
}

func event(id, participant string) *ingest.ParticipationEvent {
	return &ingest.ParticipationEvent{
		ID:          id,
		CampaignID:  "camp-1",
		Participant: participant,
		Content:     "gm " + id,
	}
}

func score(eventID string, value float64) *scoring.ScoreResult {
	return &scoring.ScoreResult{ID: "score-" + eventID, EventID: eventID, CampaignID: "camp-1", Score: value}
}

func requireIneligible(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)

	ineligible, ok := err.(*Ineligible)
	require.True(t, ok, "expected *Ineligible, got %v", err)
	require.Equal(t, reason, ineligible.Reason)
}

func TestEvaluateGrantsTopTier(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, nil)

	grant, err := ev.Evaluate(context.Background(), event("e1", "0xa"), score("e1", 90))
	require.NoError(t, err)
	require.Equal(t, "tier-gold", grant.TierID)
	require.Equal(t, int64(10), grant.Amount)
	require.Equal(t, ledger.GrantPending, grant.Status)
}

func TestEvaluateScoreBelowThreshold(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, nil)

	_, err := ev.Evaluate(context.Background(), event("e1", "0xa"), score("e1", 49.9))
	requireIneligible(t, err, ReasonScoreBelowThreshold)
}

func TestEvaluateExpressionRejects(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, func(c *campaign.Campaign) {
		c.EligibilityExpr = `score >= 80.0 && participant != "0xbad"`
	})
	ctx := context.Background()

	_, err := ev.Evaluate(ctx, event("e1", "0xbad"), score("e1", 95))
	requireIneligible(t, err, ReasonExpressionRejected)

	_, err = ev.Evaluate(ctx, event("e2", "0xa"), score("e2", 75))
	requireIneligible(t, err, ReasonExpressionRejected)

	grant, err := ev.Evaluate(ctx, event("e3", "0xa"), score("e3", 85))
	require.NoError(t, err)
	require.NotNil(t, grant)
}

func TestEvaluateParticipantCap(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, func(c *campaign.Campaign) {
		c.MaxPerAddress = 1
	})
	ctx := context.Background()

	_, err := ev.Evaluate(ctx, event("e1", "0xa"), score("e1", 90))
	require.NoError(t, err)

	_, err = ev.Evaluate(ctx, event("e2", "0xa"), score("e2", 90))
	requireIneligible(t, err, ReasonParticipantCapped)

	// other participants are unaffected
	_, err = ev.Evaluate(ctx, event("e3", "0xb"), score("e3", 90))
	require.NoError(t, err)
}

func TestEvaluateTierFallback(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		grant, err := ev.Evaluate(ctx, event(fmt.Sprintf("gold-%d", i), fmt.Sprintf("0x%d", i)), score(fmt.Sprintf("gold-%d", i), 90))
		require.NoError(t, err)
		require.Equal(t, "tier-gold", grant.TierID)
	}

	grant, err := ev.Evaluate(ctx, event("e3", "0xc"), score("e3", 90))
	require.NoError(t, err)
	require.Equal(t, "tier-silver", grant.TierID)
	require.Equal(t, int64(5), grant.Amount)
}

func TestEvaluateBudgetExhaustion(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, func(c *campaign.Campaign) {
		c.TotalBudget = 10
		c.Tiers = []campaign.RewardTier{
			{ID: "tier-flat", CampaignID: "camp-1", Name: "Flat", UnitCost: 4, MaxCount: 100, Position: 0},
		}
	})
	ctx := context.Background()

	var granted int
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("e%d", i)
		_, err := ev.Evaluate(ctx, event(id, fmt.Sprintf("0x%d", i)), score(id, 90))
		if err == nil {
			granted++
			continue
		}
		requireIneligible(t, err, ReasonBudgetExhausted)
	}
	require.Equal(t, 2, granted)

	var reserved int64
	require.NoError(t, db.Model(&ledger.Grant{}).
		Select("COALESCE(SUM(amount), 0)").Scan(&reserved).Error)
	require.Equal(t, int64(8), reserved)
}

func TestEvaluateCheaperTierWhenBudgetTight(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, func(c *campaign.Campaign) {
		c.TotalBudget = 15
	})
	ctx := context.Background()

	grant, err := ev.Evaluate(ctx, event("e1", "0xa"), score("e1", 90))
	require.NoError(t, err)
	require.Equal(t, "tier-gold", grant.TierID)

	// 5 left: Gold (10) no longer fits, Silver (5) does
	grant, err = ev.Evaluate(ctx, event("e2", "0xb"), score("e2", 90))
	require.NoError(t, err)
	require.Equal(t, "tier-silver", grant.TierID)
	require.Equal(t, int64(5), grant.Amount)

	_, err = ev.Evaluate(ctx, event("e3", "0xc"), score("e3", 90))
	requireIneligible(t, err, ReasonBudgetExhausted)
}

func TestEvaluateIdempotentPerEvent(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, nil)
	ctx := context.Background()

	first, err := ev.Evaluate(ctx, event("e1", "0xa"), score("e1", 90))
	require.NoError(t, err)

	second, err := ev.Evaluate(ctx, event("e1", "0xa"), score("e1", 90))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var n int64
	require.NoError(t, db.Model(&ledger.Grant{}).Count(&n).Error)
	require.Equal(t, int64(1), n)
}

func TestEvaluateClosedCampaign(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, func(c *campaign.Campaign) {
		c.Status = campaign.StatusPaused
	})

	_, err := ev.Evaluate(context.Background(), event("e1", "0xa"), score("e1", 90))
	requireIneligible(t, err, ReasonCampaignClosed)
}

func TestEvaluateScoreReasonWinsOnClosedCampaign(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, func(c *campaign.Campaign) {
		c.Status = campaign.StatusPaused
	})

	// the score rule comes before the campaign-open rule, so a low score on
	// a closed campaign reports the score reason
	_, err := ev.Evaluate(context.Background(), event("e1", "0xa"), score("e1", 30))
	requireIneligible(t, err, ReasonScoreBelowThreshold)
}

func TestEvaluateGraceWindowAcceptsLateEvents(t *testing.T) {
	ev, db := newTestEvaluator(t)
	seedCampaign(t, db, func(c *campaign.Campaign) {
		c.Status = campaign.StatusCompleted
		c.EndAt = time.Now().Add(-5 * time.Minute)
	})

	grant, err := ev.Evaluate(context.Background(), event("e1", "0xa"), score("e1", 90))
	require.NoError(t, err)
	require.NotNil(t, grant)
}
